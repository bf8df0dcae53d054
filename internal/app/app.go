// Package app wires configuration into the scanning pipeline and owns the
// long-lived clients it needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/api"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/clock/system"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/config"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/detector/nextjs"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/dispatcher"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/fetcher/segment"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/hash/sha256"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/id/uuid"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/index"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/publisher"
	gcppublisher "github.com/JakeFAU/warc-nextjs-scanner/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/warc-nextjs-scanner/internal/queue/memory"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/report"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/retry"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/search"
	gcsstorage "github.com/JakeFAU/warc-nextjs-scanner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/warc-nextjs-scanner/internal/storage/local"
	pgstore "github.com/JakeFAU/warc-nextjs-scanner/internal/storage/postgres"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/warc"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/worker"
)

// finalizeTimeout bounds report and failure writes after the run ends.
const finalizeTimeout = 2 * time.Minute

// ErrNoWorkList is returned by RunProcess when neither a work list nor a
// resume file was given.
var ErrNoWorkList = errors.New("crawler.work_list or a resume file is required")

// Option customizes Build.
type Option func(*App)

// WithPublisher routes finding notifications to pub instead of connecting to
// Pub/Sub.
func WithPublisher(pub crawler.Publisher) Option {
	return func(a *App) { a.publisher = pub }
}

// WithBlobStore replaces the configured report store.
func WithBlobStore(store crawler.BlobStore) Option {
	return func(a *App) { a.blobs = store }
}

// WithClock replaces the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(a *App) { a.clock = clock }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	clock    crawler.Clock
	ids      crawler.IDGenerator
	hasher   crawler.Hasher
	limiter  crawler.RateLimiter
	proxies  *proxy.Manager
	tracker  *failure.Tracker
	fetcher  *segment.Fetcher
	parser   *warc.Parser
	detector *nextjs.Detector
	retry    *retry.Handler
	minConf  crawler.Confidence
	stats    *crawler.Stats

	blobs     crawler.BlobStore
	reports   *report.Writer
	publisher crawler.Publisher
	sinks     []crawler.FindingSink
	status    *api.Server

	storage      *storage.Client
	findingStore *pgstore.FindingStore
	pubsub       *gcppublisher.Publisher
}

// Result is the outcome of one run.
type Result struct {
	RunID         string
	Findings      []crawler.Finding
	Stats         crawler.StatsSnapshot
	Report        report.Result
	FailureReport string
}

// ProcessOptions are the per-invocation inputs of RunProcess. The work list
// path and limit come from cfg.Crawler.
type ProcessOptions struct {
	// ResumeFrom is a failure report (.json) or list (.txt) to retry instead
	// of the work list.
	ResumeFrom string
	OutputName string
}

// SearchOptions are the per-invocation inputs of RunSearch. Either Pattern or
// DomainsFile selects the captures.
type SearchOptions struct {
	Pattern    string
	Collection string
	MatchType  string
	Limit      int
	OutputName string

	// DomainsFile lists one domain per line; each gets its own domain-match
	// query capped at LimitPerDomain captures.
	DomainsFile    string
	LimitPerDomain int
}

// Build creates the application's dependencies. Construction errors abort
// before any work starts.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		hasher: sha256.New(),
		stats:  crawler.NewStats(),
	}
	for _, opt := range opts {
		opt(a)
	}

	runID, err := a.ids.NewID()
	if err != nil {
		return nil, err
	}
	a.runID = runID
	a.logger = a.logger.With(zap.String("run_id", runID))
	a.logger.Info("building application dependencies")

	a.minConf, err = cfg.Detector.Confidence()
	if err != nil {
		return nil, err
	}
	if err := a.setupLimiter(); err != nil {
		return nil, err
	}
	if err := a.setupProxies(); err != nil {
		a.Close()
		return nil, err
	}

	a.tracker = failure.NewTracker(failure.Config{
		Dir:   cfg.Output.FailureDir,
		RunID: runID,
	}, a.clock, a.logger.Named("failures"))
	a.fetcher = segment.New(segment.Config{
		BaseURL:   cfg.Crawler.BaseURL,
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.RequestTimeout,
	}, a.logger.Named("fetcher"))
	a.parser = warc.NewParser(warc.Config{}, a.logger.Named("warc"))
	a.detector = nextjs.New(nextjs.Thresholds{
		HighMax:   cfg.Detector.HighMax,
		HighSum:   cfg.Detector.HighSum,
		MediumMax: cfg.Detector.MediumMax,
		MediumSum: cfg.Detector.MediumSum,
	})

	var rotator retry.Rotator
	if a.proxies != nil {
		rotator = a.proxies
	}
	a.retry = retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		Delay:      cfg.Retry.Delay,
	}, rotator, a.tracker, a.logger.Named("retry"))

	if err := a.setupStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.reports = report.NewWriter(a.blobs, a.clock, a.logger.Named("report"))

	if err := a.setupDatabase(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Server.Port > 0 {
		sources := api.Sources{Stats: a.stats, Failures: a.tracker}
		if a.proxies != nil {
			sources.Proxies = a.proxies
		}
		a.status = api.NewServer(sources, runID, a.logger.Named("api"))
	}
	return a, nil
}

// RunID identifies this process in reports and notifications.
func (a *App) RunID() string {
	return a.runID
}

func (a *App) setupLimiter() error {
	base, err := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.RateLimit.RequestsPerSecond,
		Burst:             a.cfg.RateLimit.Burst,
	})
	if err != nil {
		return fmt.Errorf("rate limiter init failed: %w", err)
	}
	if !a.cfg.RateLimit.Adaptive {
		a.limiter = base
		a.logger.Info("rate limiter enabled",
			zap.Float64("requests_per_second", a.cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", a.cfg.RateLimit.Burst),
		)
		return nil
	}
	a.limiter = ratelimit.NewAdaptive(base, ratelimit.AdaptiveConfig{
		MinRate:          a.cfg.RateLimit.MinRate,
		MaxRate:          a.cfg.RateLimit.MaxRate,
		IncreaseFactor:   a.cfg.RateLimit.IncreaseFactor,
		DecreaseFactor:   a.cfg.RateLimit.DecreaseFactor,
		SuccessThreshold: a.cfg.RateLimit.SuccessThreshold,
	}, a.logger.Named("ratelimit"))
	a.logger.Info("adaptive rate limiter enabled",
		zap.Float64("initial_rate", a.cfg.RateLimit.RequestsPerSecond),
		zap.Float64("min_rate", a.cfg.RateLimit.MinRate),
		zap.Float64("max_rate", a.cfg.RateLimit.MaxRate),
	)
	return nil
}

func (a *App) setupProxies() error {
	if !a.cfg.Proxy.Enabled {
		a.logger.Info("proxies disabled, requests go direct")
		return nil
	}
	identities := make([]proxy.Identity, 0, len(a.cfg.Proxy.Identities))
	for _, id := range a.cfg.Proxy.Identities {
		identities = append(identities, proxy.Identity{
			Name:       id.Name,
			Host:       a.cfg.Proxy.Host,
			Port:       id.Port,
			ExternalIP: id.ExternalIP,
		})
	}
	mgr, err := proxy.NewManager(identities, a.logger.Named("proxy"))
	if err != nil {
		return fmt.Errorf("proxy manager init failed: %w", err)
	}
	a.proxies = mgr
	a.logger.Info("proxy pool ready", zap.Int("identities", len(identities)))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	if a.cfg.Storage.GCSBucket != "" {
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		a.blobs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return nil
	}
	store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Output.Dir})
	if err != nil {
		return fmt.Errorf("local blob store init failed: %w", err)
	}
	a.blobs = store
	a.logger.Debug("local storage backend", zap.String("path", store.Dir()))
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no DSN specified, findings will not be stored in postgres")
		return nil
	}
	fs, err := pgstore.NewFindingStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: int32(a.cfg.DB.MaxConns), //nolint:gosec // Config.Validate bounds it to int32
	})
	if err != nil {
		return fmt.Errorf("finding store init failed: %w", err)
	}
	a.findingStore = fs
	if err := fs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("finding store schema: %w", err)
	}
	a.sinks = append(a.sinks, fs)
	a.logger.Info("finding store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher == nil {
		if a.cfg.PubSub.Topic == "" {
			a.logger.Debug("no Pub/Sub topic configured, notifications disabled")
			return nil
		}
		pub, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, map[string]string{
			"run_id": a.runID,
		})
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		a.pubsub = pub
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}
	a.sinks = append(a.sinks, publisher.NewSink(a.publisher, a.cfg.PubSub.Topic, a.runID))
	return nil
}

// RunProcess samples every segment of the work list (or resume file) and
// writes reports. Reports and the failure file are written even when ctx is
// canceled mid-run; the returned error then wraps the cancellation.
func (a *App) RunProcess(ctx context.Context, opts ProcessOptions) (Result, error) {
	items, err := a.loadItems(opts.ResumeFrom)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		a.logger.Warn("no work items to process")
		return Result{RunID: a.runID}, nil
	}
	a.logger.Info("processing segments",
		zap.Int("segments", len(items)),
		zap.Int("workers", a.cfg.Crawler.Workers),
		zap.Int64("sample_size_bytes", a.cfg.Crawler.SampleSizeBytes),
	)

	stopStatus := a.startStatus(ctx)
	defer stopStatus()

	var pool worker.ProxyPool
	if a.proxies != nil {
		pool = a.proxies
	}
	workers := make([]*worker.Worker, 0, a.cfg.Crawler.Workers)
	for slot := range a.cfg.Crawler.Workers {
		workers = append(workers, worker.New(worker.Deps{
			Fetcher:  a.fetcher,
			Parser:   a.parser,
			Detector: a.detector,
			Retry:    a.retry,
			Failures: a.tracker,
			Proxies:  pool,
			Limiter:  a.limiter,
			Hasher:   a.hasher,
			Clock:    a.clock,
		}, worker.Config{
			Slot:          slot,
			SampleSize:    a.cfg.Crawler.SampleSizeBytes,
			MinConfidence: a.minConf,
		}, a.logger.Named("worker")))
	}

	queue := queueMemory.NewQueue(a.cfg.Crawler.Workers * 4)
	d := dispatcher.New(queue, workers, a.stats, a.sinks, dispatcher.Config{
		ProgressEvery: a.cfg.Crawler.ProgressEvery,
	}, a.logger.Named("dispatcher"))

	findings, runErr := d.Run(ctx, items)
	res, finErr := a.finalize(ctx, findings, opts.OutputName)
	return res, errors.Join(runErr, finErr)
}

// RunSearch scores the captures an index query returns and writes reports.
func (a *App) RunSearch(ctx context.Context, opts SearchOptions) (Result, error) {
	collection := opts.Collection
	if collection == "" {
		collection = a.cfg.Index.Collection
	}
	idx := index.New(index.Config{
		URL:       a.cfg.Index.URL,
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.Index.Timeout,
	}, a.logger.Named("index"))
	searcher := search.New(search.Deps{
		Index:    idx,
		Fetcher:  a.fetcher,
		Parser:   a.parser,
		Detector: a.detector,
		Retry:    a.retry,
		Limiter:  a.limiter,
		Hasher:   a.hasher,
		Clock:    a.clock,
	}, search.Config{
		Concurrency:   a.cfg.Crawler.Workers,
		MinConfidence: a.minConf,
	}, a.logger.Named("search"))

	var findings []crawler.Finding
	var err error
	if opts.DomainsFile != "" {
		findings, err = a.searchDomains(ctx, searcher, collection, opts)
	} else {
		findings, err = searcher.Run(ctx, index.Query{
			Pattern:    opts.Pattern,
			Collection: collection,
			MatchType:  opts.MatchType,
			Limit:      opts.Limit,
		})
	}
	if err != nil {
		return Result{RunID: a.runID}, err
	}
	for _, sink := range a.sinks {
		if err := sink.Consume(ctx, findings); err != nil {
			a.logger.Error("finding sink failed", zap.Error(err))
		}
	}
	return a.finalize(ctx, findings, opts.OutputName)
}

func (a *App) searchDomains(ctx context.Context, searcher *search.Searcher, collection string, opts SearchOptions) ([]crawler.Finding, error) {
	entries, err := crawler.LoadWorkList(opts.DomainsFile, 0)
	if err != nil {
		return nil, fmt.Errorf("load domains file: %w", err)
	}
	domains := make([]string, 0, len(entries))
	for _, e := range entries {
		domains = append(domains, e.Path)
	}
	a.logger.Info("domains loaded",
		zap.String("path", opts.DomainsFile),
		zap.Int("domains", len(domains)),
	)
	return searcher.RunDomains(ctx, domains, collection, opts.LimitPerDomain)
}

func (a *App) loadItems(resumeFrom string) ([]crawler.WorkItem, error) {
	if resumeFrom == "" {
		if a.cfg.Crawler.WorkList == "" {
			return nil, ErrNoWorkList
		}
		items, err := crawler.LoadWorkList(a.cfg.Crawler.WorkList, a.cfg.Crawler.Limit)
		if err != nil {
			return nil, err
		}
		a.logger.Info("work list loaded",
			zap.String("path", a.cfg.Crawler.WorkList),
			zap.Int("segments", len(items)),
		)
		return items, nil
	}

	refs, err := failure.Load(resumeFrom)
	if err != nil {
		return nil, err
	}
	items := crawler.WorkItemsFromPaths(refs)
	if limit := a.cfg.Crawler.Limit; limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	a.logger.Info("resuming from failure list",
		zap.String("path", resumeFrom),
		zap.Int("segments", len(items)),
	)
	return items, nil
}

// startStatus serves the status API for the lifetime of the run. The
// returned func stops it and waits for shutdown.
func (a *App) startStatus(ctx context.Context) func() {
	if a.status == nil {
		return func() {}
	}
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
		if err := a.status.ListenAndServe(srvCtx, addr); err != nil {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
	a.status.SetReady(true)
	return func() {
		a.status.SetReady(false)
		cancel()
		<-done
	}
}

// finalize writes the reports and the failure file on a context detached from
// the run's cancellation, then logs the end-of-run summary.
func (a *App) finalize(ctx context.Context, findings []crawler.Finding, name string) (Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	res := Result{RunID: a.runID, Findings: findings}
	var errs []error
	rep, err := a.reports.Write(fctx, findings, name)
	if err != nil {
		errs = append(errs, fmt.Errorf("write report: %w", err))
	}
	res.Report = rep

	path, err := a.tracker.Persist()
	if err != nil {
		errs = append(errs, fmt.Errorf("persist failures: %w", err))
	}
	res.FailureReport = path
	res.Stats = a.stats.Snapshot()

	a.logSummary(res)
	return res, errors.Join(errs...)
}

func (a *App) logSummary(res Result) {
	s := res.Stats
	a.logger.Info("final statistics",
		zap.Int("processed", s.Processed),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("abandoned", s.Abandoned),
		zap.Int("records_parsed", s.RecordsParsed),
		zap.Int("findings", len(res.Findings)),
		zap.Int("unique_domains", s.UniqueDomains),
		zap.Any("by_confidence", s.ByConfidence),
	)
	if summary := a.tracker.Summary(); len(summary) > 0 {
		a.logger.Warn("failure summary",
			zap.Int("total_failures", a.tracker.Len()),
			zap.Any("by_kind", summary),
			zap.String("report", res.FailureReport),
		)
	}
	if a.proxies != nil {
		ps := a.proxies.Stats()
		a.logger.Info("proxy statistics",
			zap.Int("total", ps.Total),
			zap.Int("assigned_workers", ps.Assigned),
			zap.Any("usage", ps.Usage),
		)
	}
}

// Close releases clients opened by Build.
func (a *App) Close() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.findingStore != nil {
		a.findingStore.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
