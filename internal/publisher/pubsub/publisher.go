// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Attributer is implemented by payloads that carry message attributes.
type Attributer interface {
	PubSubAttributes() map[string]string
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
	attrs     map[string]string
	closeFn   func() error
}

// New creates a Publisher for the provided topic publisher. attrs are added to
// every message.
func New(publisher *pubsub.Publisher, attrs map[string]string) *Publisher {
	return &Publisher{publisher: publisher, attrs: attrs}
}

// Connect opens a client for projectID and binds it to topic.
func Connect(ctx context.Context, projectID, topic string, attrs map[string]string) (*Publisher, error) {
	if projectID == "" || topic == "" {
		return nil, fmt.Errorf("pubsub.project_id and pubsub.topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := client.Publisher(topic)
	p := New(pub, attrs)
	p.closeFn = func() error {
		pub.Stop()
		return client.Close()
	}
	return p, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.closeFn == nil {
		return nil
	}
	if err := p.closeFn(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// Publish marshals the payload to JSON and publishes it to the bound topic.
// The topic argument is ignored.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := buildMessage(payload, p.attrs)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func buildMessage(payload any, static map[string]string) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := make(map[string]string, len(static))
	maps.Copy(attrs, static)
	if a, ok := payload.(Attributer); ok {
		maps.Copy(attrs, a.PubSubAttributes())
	}
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}
