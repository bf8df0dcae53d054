package crawler

import (
	"context"
	"io"
	"time"
)

// RateLimiter paces outbound requests against a shared budget. Feedback
// methods let adaptive implementations tune their rate.
type RateLimiter interface {
	Acquire(ctx context.Context, n int) error
	ReportSuccess()
	ReportFailure()
}

// Parser decodes a segment buffer into capture records.
type Parser interface {
	Parse(data []byte) ([]CaptureRecord, error)
}

// Detector scores an HTML body.
type Detector interface {
	Detect(html string) DetectionResult
}

// FindingSink receives each segment's batch of findings as it completes.
type FindingSink interface {
	Consume(ctx context.Context, findings []Finding) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for work items.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Close()
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
