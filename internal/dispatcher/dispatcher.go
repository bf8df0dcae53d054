// Package dispatcher fans a work list out over a pool of workers and folds
// their outcomes into run statistics and result sinks.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/worker"
)

// DefaultProgressEvery is the processed-item cadence of progress log lines.
const DefaultProgressEvery = 100

// Config controls Dispatcher behavior.
type Config struct {
	ProgressEvery int
}

// Dispatcher fans queue work out to a pool of workers. A Dispatcher runs once.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	stats   *crawler.Stats
	sinks   []crawler.FindingSink
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	findings []crawler.Finding
}

// New creates a Dispatcher. stats may be shared with a status server.
func New(
	queue crawler.Queue,
	workers []*worker.Worker,
	stats *crawler.Stats,
	sinks []crawler.FindingSink,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if stats == nil {
		stats = crawler.NewStats()
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		stats:   stats,
		sinks:   sinks,
		cfg:     cfg,
		logger:  logger,
	}
}

// Stats returns the live statistics.
func (d *Dispatcher) Stats() *crawler.Stats {
	return d.stats
}

// Run enqueues items, starts every worker and blocks until the queue drains
// or ctx ends. Findings gathered before cancellation are returned alongside
// the context error.
func (d *Dispatcher) Run(ctx context.Context, items []crawler.WorkItem) ([]crawler.Finding, error) {
	if len(d.workers) == 0 {
		return nil, fmt.Errorf("dispatcher has no workers")
	}
	d.logger.Info("dispatch starting",
		zap.Int("items", len(items)),
		zap.Int("workers", len(d.workers)),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer d.queue.Close()
		for _, item := range items {
			if err := d.queue.Enqueue(ctx, item); err != nil {
				d.logger.Debug("stopped enqueueing", zap.Error(err))
				return
			}
		}
	}()

	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx, d.queue, func(out worker.Outcome) { d.handle(ctx, out) })
		}(w)
	}
	wg.Wait()

	d.mu.Lock()
	findings := append([]crawler.Finding(nil), d.findings...)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return findings, fmt.Errorf("dispatch interrupted: %w", err)
	}
	return findings, nil
}

func (d *Dispatcher) handle(ctx context.Context, out worker.Outcome) {
	var processed int
	switch out.State {
	case worker.StateDone:
		processed = d.stats.RecordSucceeded(out.Records, out.Findings)
	case worker.StateFailed:
		processed = d.stats.RecordFailed()
	default:
		d.stats.RecordAbandoned()
		return
	}

	if len(out.Findings) > 0 {
		d.mu.Lock()
		d.findings = append(d.findings, out.Findings...)
		d.mu.Unlock()
		d.deliver(context.WithoutCancel(ctx), out)
	}

	if processed%d.cfg.ProgressEvery == 0 {
		snap := d.stats.Snapshot()
		d.logger.Info("progress",
			zap.Int("processed", snap.Processed),
			zap.Int("succeeded", snap.Succeeded),
			zap.Int("failed", snap.Failed),
			zap.Int("findings", snap.Findings),
			zap.Int("unique_domains", snap.UniqueDomains),
		)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, out worker.Outcome) {
	for _, sink := range d.sinks {
		if err := sink.Consume(ctx, out.Findings); err != nil {
			d.logger.Error("finding sink failed",
				zap.String("segment", out.Item.Path),
				zap.Int("findings", len(out.Findings)),
				zap.Error(err),
			)
		}
	}
}
