// Package publisher adapts notification publishers to the finding pipeline.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
)

// FindingMessage is the payload published for each finding.
type FindingMessage struct {
	RunID string `json:"run_id,omitempty"`
	crawler.Finding
}

// PubSubAttributes exposes routing attributes for subscribers.
func (m FindingMessage) PubSubAttributes() map[string]string {
	return map[string]string{
		"domain":      m.Domain,
		"confidence":  string(m.Confidence),
		"warc_source": m.Source,
	}
}

// Sink publishes every finding in a batch. It satisfies crawler.FindingSink.
type Sink struct {
	pub   crawler.Publisher
	topic string
	runID string
}

// NewSink builds a Sink publishing to topic.
func NewSink(pub crawler.Publisher, topic, runID string) *Sink {
	return &Sink{pub: pub, topic: topic, runID: runID}
}

// Consume publishes each finding, continuing past individual failures.
func (s *Sink) Consume(ctx context.Context, findings []crawler.Finding) error {
	var errs []error
	for _, f := range findings {
		if _, err := s.pub.Publish(ctx, s.topic, FindingMessage{RunID: s.runID, Finding: f}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", f.URL, err))
		}
	}
	return errors.Join(errs...)
}
