// Package ratelimit implements the shared token bucket that paces outbound
// segment requests, plus an adaptive wrapper that tunes the rate from
// success and failure feedback.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/metrics"
)

var (
	// ErrExceedsBurst is returned when more tokens are requested than the bucket can hold.
	ErrExceedsBurst = errors.New("requested tokens exceed burst")
	// ErrTimeout is returned by AcquireTimeout when tokens were not available in time.
	ErrTimeout = errors.New("rate limit timeout")
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter is a token bucket with capacity Burst refilled at RequestsPerSecond.
// Refill is computed from elapsed time on each call.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter. The bucket starts full.
func New(cfg Config) (*Limiter, error) {
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests_per_second must be > 0")
	}
	if cfg.Burst < 1 {
		return nil, fmt.Errorf("burst must be >= 1")
	}
	metrics.SetRateLimit(cfg.RequestsPerSecond)
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

// Acquire blocks until n tokens are available or ctx ends. When ctx carries a
// deadline that the wait would overrun, it fails immediately instead of blocking.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > l.limiter.Burst() {
		return fmt.Errorf("acquire %d tokens (burst %d): %w", n, l.limiter.Burst(), ErrExceedsBurst)
	}
	start := time.Now()
	if err := l.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitWait(d)
	}
	return nil
}

// AcquireTimeout is Acquire bounded by timeout. It returns ErrTimeout rather
// than waiting past it.
func (l *Limiter) AcquireTimeout(ctx context.Context, n int, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := l.Acquire(tctx, n)
	if err != nil && ctx.Err() == nil && !errors.Is(err, ErrExceedsBurst) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// TryAcquire takes n tokens if they are available right now.
func (l *Limiter) TryAcquire(n int) bool {
	return l.limiter.AllowN(time.Now(), n)
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}

// Rate returns the current refill rate in requests per second.
func (l *Limiter) Rate() float64 {
	return float64(l.limiter.Limit())
}

// SetRate changes the refill rate. Tokens accrued so far are kept.
func (l *Limiter) SetRate(rps float64) {
	l.limiter.SetLimit(rate.Limit(rps))
	metrics.SetRateLimit(rps)
}

// ReportSuccess is a no-op for the fixed-rate limiter.
func (l *Limiter) ReportSuccess() {}

// ReportFailure is a no-op for the fixed-rate limiter.
func (l *Limiter) ReportFailure() {}
