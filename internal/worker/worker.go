// Package worker runs one segment at a time through the fetch, parse and
// detect stages.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/metrics"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/retry"
)

// State is a stage of a work item's lifecycle.
type State string

// Work item states. Done, Failed and Abandoned are terminal.
const (
	StatePending   State = "pending"
	StateFetching  State = "fetching"
	StateParsing   State = "parsing"
	StateDetecting State = "detecting"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Outcome is the terminal result of processing one item.
type Outcome struct {
	Item     crawler.WorkItem
	State    State
	Records  int
	Findings []crawler.Finding
	Attempts int
	Proxy    *proxy.Identity
	Err      error
}

// SegmentFetcher samples the prefix of a segment.
type SegmentFetcher interface {
	Sample(ctx context.Context, path string, size int64, p *proxy.Identity) (crawler.FetchResult, error)
}

// ProxyPool hands out per-slot proxy affinity.
type ProxyPool interface {
	Assign(slot int) proxy.Identity
	Reassign(slot int, id proxy.Identity)
}

// Config controls Worker behavior.
type Config struct {
	Slot          int
	SampleSize    int64
	MinConfidence crawler.Confidence
}

// Deps are the collaborators shared by all workers. Proxies and Limiter may
// be nil.
type Deps struct {
	Fetcher  SegmentFetcher
	Parser   crawler.Parser
	Detector crawler.Detector
	Retry    *retry.Handler
	Failures retry.Recorder
	Proxies  ProxyPool
	Limiter  crawler.RateLimiter
	Hasher   crawler.Hasher
	Clock    crawler.Clock
}

// Worker owns one pool slot.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinConfidence == crawler.ConfidenceNone {
		cfg.MinConfidence = crawler.ConfidenceMedium
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker", cfg.Slot)),
	}
}

// Slot returns the worker's pool index.
func (w *Worker) Slot() int {
	return w.cfg.Slot
}

// Run consumes queue items until the queue is drained or ctx ends, passing
// each outcome to emit. Items dequeued after cancellation are dropped.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue, emit func(Outcome)) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("queue drained", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			w.logger.Debug("dropping item dequeued after shutdown", zap.String("segment", item.Path))
			return
		}
		emit(w.Process(ctx, item))
	}
}

// Process drives item from pending to a terminal state.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) Outcome {
	out := Outcome{Item: item, State: StatePending}
	if ctx.Err() != nil {
		return w.finish(&out, StateAbandoned, ctx.Err())
	}

	w.transition(&out, StateFetching)
	fetched, err := w.fetch(ctx, item, &out)
	if err != nil {
		if ctx.Err() != nil {
			return w.finish(&out, StateAbandoned, err)
		}
		return w.finish(&out, StateFailed, err)
	}

	w.transition(&out, StateParsing)
	records, err := w.deps.Parser.Parse(fetched.Data)
	out.Records = len(records)
	metrics.ObserveRecords(len(records))
	if err != nil {
		if len(records) == 0 {
			if w.deps.Failures != nil {
				w.deps.Failures.Record(item.Path, failure.Classify(err), err, 1)
			}
			return w.finish(&out, StateFailed, fmt.Errorf("parse %s: %w", item.Path, err))
		}
		w.logger.Warn("partial parse, continuing with extracted records",
			zap.String("segment", item.Path),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
	}

	w.transition(&out, StateDetecting)
	findings, err := w.detect(ctx, item, records)
	if err != nil {
		return w.finish(&out, StateAbandoned, err)
	}
	out.Findings = findings
	return w.finish(&out, StateDone, nil)
}

func (w *Worker) fetch(ctx context.Context, item crawler.WorkItem, out *Outcome) (crawler.FetchResult, error) {
	var initial *proxy.Identity
	if w.deps.Proxies != nil {
		assigned := w.deps.Proxies.Assign(w.cfg.Slot)
		initial = &assigned
	}

	res, err := retry.Do(ctx, w.deps.Retry, item.Path, initial,
		func(ctx context.Context, p *proxy.Identity) (crawler.FetchResult, error) {
			if w.deps.Limiter != nil {
				if err := w.deps.Limiter.Acquire(ctx, 1); err != nil {
					return crawler.FetchResult{}, err
				}
			}
			result, err := w.deps.Fetcher.Sample(ctx, item.Path, w.cfg.SampleSize, p)
			if w.deps.Limiter != nil && ctx.Err() == nil {
				if err != nil {
					w.deps.Limiter.ReportFailure()
				} else {
					w.deps.Limiter.ReportSuccess()
				}
			}
			return result, err
		})
	if err != nil {
		return crawler.FetchResult{}, err
	}

	out.Attempts = res.Attempts
	out.Proxy = res.Proxy
	if initial != nil && res.Proxy != nil && res.Proxy.Key() != initial.Key() {
		w.deps.Proxies.Reassign(w.cfg.Slot, *res.Proxy)
		w.logger.Info("proxy reassigned after rotation",
			zap.String("from", initial.Name),
			zap.String("to", res.Proxy.Name),
		)
	}
	return res.Value, nil
}

func (w *Worker) detect(ctx context.Context, item crawler.WorkItem, records []crawler.CaptureRecord) ([]crawler.Finding, error) {
	seen := make(map[string]struct{})
	var findings []crawler.Finding
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("detect %s: %w", item.Path, err)
		}
		if _, dup := seen[rec.URL]; dup {
			continue
		}

		result := w.deps.Detector.Detect(rec.Body)
		if !result.IsMatch || !result.Confidence.AtLeast(w.cfg.MinConfidence) {
			continue
		}
		seen[rec.URL] = struct{}{}

		domain, scheme := crawler.SplitTarget(rec.URL)
		finding := crawler.Finding{
			Domain:       domain,
			URL:          rec.URL,
			Scheme:       scheme,
			Confidence:   result.Confidence,
			Indicators:   result.Indicators,
			BuildID:      result.BuildID,
			Version:      result.Version,
			Source:       item.Path,
			DiscoveredAt: w.deps.Clock.Now(),
		}
		if w.deps.Hasher != nil {
			sum, err := w.deps.Hasher.Hash([]byte(rec.Body))
			if err != nil {
				w.logger.Warn("hash body failed", zap.String("url", rec.URL), zap.Error(err))
			}
			finding.ContentHash = sum
		}
		metrics.ObserveFinding(string(result.Confidence))
		w.logger.Info("nextjs site found",
			zap.String("domain", domain),
			zap.String("url", rec.URL),
			zap.String("confidence", string(result.Confidence)),
		)
		findings = append(findings, finding)
	}
	return findings, nil
}

func (w *Worker) transition(out *Outcome, next State) {
	w.logger.Debug("segment stage",
		zap.String("segment", out.Item.Path),
		zap.String("from", string(out.State)),
		zap.String("to", string(next)),
	)
	out.State = next
}

func (w *Worker) finish(out *Outcome, state State, err error) Outcome {
	w.transition(out, state)
	out.Err = err
	metrics.ObserveSegment(string(state))
	switch state {
	case StateFailed:
		if errors.Is(err, retry.ErrExhausted) {
			w.logger.Error("segment skipped after retries", zap.String("segment", out.Item.Path), zap.Error(err))
		} else {
			w.logger.Error("segment failed", zap.String("segment", out.Item.Path), zap.Error(err))
		}
	case StateAbandoned:
		w.logger.Info("segment abandoned", zap.String("segment", out.Item.Path))
	case StateDone:
		w.logger.Debug("segment done",
			zap.String("segment", out.Item.Path),
			zap.Int("records", out.Records),
			zap.Int("findings", len(out.Findings)),
		)
	}
	return *out
}
