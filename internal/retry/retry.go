// Package retry runs fallible operations with a bounded attempt budget, a
// fixed inter-attempt delay and proxy rotation between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/metrics"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
)

// ErrExhausted is returned once every attempt has failed. The failure has
// already been recorded; callers skip the item.
var ErrExhausted = errors.New("retries exhausted")

// Config sets the attempt budget and the pause between attempts.
type Config struct {
	MaxRetries int
	Delay      time.Duration
}

// Rotator picks a different proxy for the next attempt.
type Rotator interface {
	Rotate(current proxy.Identity) proxy.Identity
}

// Recorder receives terminal failures.
type Recorder interface {
	Record(ref string, kind failure.Kind, err error, attempt int)
}

// Operation is one attempt. p is nil when requests go direct.
type Operation[T any] func(ctx context.Context, p *proxy.Identity) (T, error)

// Result is a successful attempt's value plus the proxy it ran through.
type Result[T any] struct {
	Value    T
	Proxy    *proxy.Identity
	Attempts int
}

// Handler holds the retry budget and collaborators.
type Handler struct {
	cfg      Config
	rotator  Rotator
	recorder Recorder
	logger   *zap.Logger
}

// New creates a Handler. rotator and recorder may be nil.
func New(cfg Config, rotator Rotator, recorder Recorder, logger *zap.Logger) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, rotator: rotator, recorder: recorder, logger: logger}
}

// MaxRetries returns the attempt budget.
func (h *Handler) MaxRetries() int {
	return h.cfg.MaxRetries
}

// Do runs op until it succeeds or the budget is spent. Between attempts the
// proxy is rotated (when one is in play) and the handler sleeps for the
// configured delay; there is no delay after the final attempt. Cancellation
// of ctx ends the loop without recording a failure.
func Do[T any](ctx context.Context, h *Handler, ref string, initial *proxy.Identity, op Operation[T]) (Result[T], error) {
	current := initial
	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result[T]{}, fmt.Errorf("retry %s aborted: %w", ref, err)
		}

		value, err := op(ctx, current)
		if err == nil {
			return Result[T]{Value: value, Proxy: current, Attempts: attempt}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result[T]{}, fmt.Errorf("retry %s aborted: %w", ref, ctxErr)
		}

		lastErr = err
		kind := failure.Classify(err)
		metrics.ObserveRetry(string(kind))
		h.logger.Warn("attempt failed",
			zap.String("segment", ref),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", h.cfg.MaxRetries),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)

		if attempt == h.cfg.MaxRetries {
			if h.recorder != nil {
				h.recorder.Record(ref, kind, err, attempt)
			}
			break
		}

		if h.rotator != nil && current != nil {
			next := h.rotator.Rotate(*current)
			current = &next
		}
		if err := pause(ctx, h.cfg.Delay); err != nil {
			return Result[T]{}, fmt.Errorf("retry %s aborted: %w", ref, err)
		}
	}
	h.logger.Error("retries exhausted", zap.String("segment", ref), zap.Error(lastErr))
	return Result[T]{}, fmt.Errorf("%s after %d attempts: %w: %w", ref, h.cfg.MaxRetries, ErrExhausted, lastErr)
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
