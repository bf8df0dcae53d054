// Package search runs ad-hoc scans: it looks captures up in the index,
// fetches each record's exact byte range and scores it.
package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/fetcher/segment"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/index"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/metrics"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/retry"
)

// DefaultConcurrency bounds in-flight record fetches.
const DefaultConcurrency = 5

// DefaultLimitPerDomain caps index captures requested per domain by RunDomains.
const DefaultLimitPerDomain = 10

// Index looks up capture locations.
type Index interface {
	Search(ctx context.Context, q index.Query) ([]index.Record, error)
}

// RangeFetcher pulls one record's bytes.
type RangeFetcher interface {
	FetchRange(ctx context.Context, r segment.Range, p *proxy.Identity) (crawler.FetchResult, error)
}

// Deps are the collaborators of a Searcher. Limiter may be nil.
type Deps struct {
	Index    Index
	Fetcher  RangeFetcher
	Parser   crawler.Parser
	Detector crawler.Detector
	Retry    *retry.Handler
	Limiter  crawler.RateLimiter
	Hasher   crawler.Hasher
	Clock    crawler.Clock
}

// Config controls a Searcher.
type Config struct {
	Concurrency   int
	MinConfidence crawler.Confidence
}

// Searcher scores every capture an index query returns.
type Searcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds a Searcher.
func New(deps Deps, cfg Config, logger *zap.Logger) *Searcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MinConfidence == crawler.ConfidenceNone {
		cfg.MinConfidence = crawler.ConfidenceMedium
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.Config{MaxRetries: 1}, nil, nil, logger)
	}
	return &Searcher{deps: deps, cfg: cfg, logger: logger}
}

// Run searches the index for q and returns one finding per domain, in index
// order. Per-record failures are logged and skipped.
func (s *Searcher) Run(ctx context.Context, q index.Query) ([]crawler.Finding, error) {
	records, err := s.deps.Index.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	results := make([]*crawler.Finding, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			finding, err := s.scan(gctx, rec)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("record skipped", zap.String("url", rec.URL), zap.Error(err))
				return nil
			}
			results[i] = finding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search interrupted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("search interrupted: %w", err)
	}

	seen := make(map[string]struct{})
	var findings []crawler.Finding
	for _, f := range results {
		if f == nil {
			continue
		}
		if _, dup := seen[f.Domain]; dup {
			continue
		}
		seen[f.Domain] = struct{}{}
		findings = append(findings, *f)
	}
	s.logger.Info("search complete",
		zap.String("pattern", q.Pattern),
		zap.Int("captures", len(records)),
		zap.Int("sites", len(findings)),
	)
	return findings, nil
}

// RunDomains runs a domain-match search per entry of domains, capping each at
// limitPerDomain captures. A domain whose search fails is logged and skipped;
// only cancellation stops the batch.
func (s *Searcher) RunDomains(ctx context.Context, domains []string, collection string, limitPerDomain int) ([]crawler.Finding, error) {
	if limitPerDomain <= 0 {
		limitPerDomain = DefaultLimitPerDomain
	}

	seen := make(map[string]struct{})
	var findings []crawler.Finding
	failed := 0
	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("search interrupted: %w", err)
		}
		found, err := s.Run(ctx, index.Query{
			Pattern:    domain,
			Collection: collection,
			MatchType:  "domain",
			Limit:      limitPerDomain,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			failed++
			s.logger.Error("domain search failed", zap.String("domain", domain), zap.Error(err))
			continue
		}
		for _, f := range found {
			if _, dup := seen[f.Domain]; dup {
				continue
			}
			seen[f.Domain] = struct{}{}
			findings = append(findings, f)
		}
	}
	s.logger.Info("domain batch complete",
		zap.Int("domains", len(domains)),
		zap.Int("failed", failed),
		zap.Int("sites", len(findings)),
	)
	return findings, nil
}

// scan returns nil without error when the capture does not qualify.
func (s *Searcher) scan(ctx context.Context, rec index.Record) (*crawler.Finding, error) {
	offset, length, err := rec.Range()
	if err != nil {
		return nil, err
	}

	res, err := retry.Do(ctx, s.deps.Retry, rec.Filename, nil,
		func(ctx context.Context, p *proxy.Identity) (crawler.FetchResult, error) {
			if s.deps.Limiter != nil {
				if err := s.deps.Limiter.Acquire(ctx, 1); err != nil {
					return crawler.FetchResult{}, err
				}
			}
			return s.deps.Fetcher.FetchRange(ctx, segment.Range{
				Path:   rec.Filename,
				Offset: offset,
				Length: length,
				Verify: true,
			}, p)
		})
	if err != nil {
		return nil, err
	}

	captures, err := s.deps.Parser.Parse(res.Value.Data)
	metrics.ObserveRecords(len(captures))
	if err != nil && len(captures) == 0 {
		return nil, fmt.Errorf("parse %s@%d: %w", rec.Filename, offset, err)
	}

	for _, capture := range captures {
		result := s.deps.Detector.Detect(capture.Body)
		if !result.IsMatch || !result.Confidence.AtLeast(s.cfg.MinConfidence) {
			continue
		}
		target := capture.URL
		if target == "" {
			target = rec.URL
		}
		domain, scheme := crawler.SplitTarget(target)
		finding := &crawler.Finding{
			Domain:       domain,
			URL:          target,
			Scheme:       scheme,
			Confidence:   result.Confidence,
			Indicators:   result.Indicators,
			BuildID:      result.BuildID,
			Version:      result.Version,
			Source:       rec.Filename,
			DiscoveredAt: s.deps.Clock.Now(),
		}
		if s.deps.Hasher != nil {
			sum, err := s.deps.Hasher.Hash([]byte(capture.Body))
			if err != nil {
				s.logger.Warn("hash body failed", zap.String("url", target), zap.Error(err))
			}
			finding.ContentHash = sum
		}
		metrics.ObserveFinding(string(result.Confidence))
		return finding, nil
	}
	return nil, nil
}
