// Package segment fetches byte ranges of remote archive segments over HTTP.
package segment

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/metrics"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
)

// Defaults for the Common Crawl data host.
const (
	DefaultBaseURL   = "https://data.commoncrawl.org/"
	DefaultUserAgent = "NextJS-Detector/1.0 (Research Project)"
	DefaultTimeout   = 120 * time.Second
)

// Config controls request construction.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Range identifies the bytes to pull from one segment.
type Range struct {
	Path   string
	Offset int64
	Length int64
	// Verify fails the fetch when fewer than Length bytes arrive.
	Verify bool
}

// StatusError is returned for any response other than 200 or 206.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP %d for %s", e.Code, e.URL)
}

// FailureKind classifies status errors for the retry layer.
func (e *StatusError) FailureKind() failure.Kind { return failure.KindHTTP }

// LengthError is returned when verification finds a short or long body.
type LengthError struct {
	Want int64
	Got  int64
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("range length mismatch: expected %d bytes, got %d", e.Want, e.Got)
}

// FailureKind classifies length mismatches for the retry layer.
func (e *LengthError) FailureKind() failure.Kind { return failure.KindParse }

// Fetcher issues range requests, one cached client per egress route.
type Fetcher struct {
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[string]*http.Client
}

// New builds a Fetcher, filling in defaults.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*http.Client),
	}
}

// Sample pulls the first size bytes of path without length verification.
func (f *Fetcher) Sample(ctx context.Context, path string, size int64, p *proxy.Identity) (crawler.FetchResult, error) {
	return f.FetchRange(ctx, Range{Path: path, Offset: 0, Length: size}, p)
}

// FetchRange GETs r with a Range header. A 206 is used as-is; a 200 means the
// host ignored the range and the body is sliced locally.
func (f *Fetcher) FetchRange(ctx context.Context, r Range, p *proxy.Identity) (crawler.FetchResult, error) {
	if r.Length <= 0 || r.Offset < 0 {
		return crawler.FetchResult{}, fmt.Errorf("invalid range offset=%d length=%d", r.Offset, r.Length)
	}
	target := f.cfg.BaseURL + strings.TrimPrefix(r.Path, "/")
	requested := crawler.ByteRange{Start: r.Offset, End: r.Offset + r.Length - 1}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Range", requested.Header())
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	start := time.Now()
	resp, err := f.client(p).Do(req)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", r.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed or abandoned

	var data []byte
	received := requested
	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, err = io.ReadAll(io.LimitReader(resp.Body, r.Length))
		if err != nil {
			return crawler.FetchResult{}, fmt.Errorf("read body %s: %w", r.Path, err)
		}
		if cr, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			received = cr
		} else {
			received = crawler.ByteRange{Start: r.Offset, End: r.Offset + int64(len(data)) - 1}
		}
	case http.StatusOK:
		f.logger.Warn("server ignored range request, slicing locally",
			zap.String("segment", r.Path),
			zap.String("range", requested.Header()),
		)
		full, err := io.ReadAll(io.LimitReader(resp.Body, r.Offset+r.Length))
		if err != nil {
			return crawler.FetchResult{}, fmt.Errorf("read body %s: %w", r.Path, err)
		}
		if int64(len(full)) > r.Offset {
			data = full[r.Offset:]
		}
		received = crawler.ByteRange{Start: r.Offset, End: r.Offset + int64(len(data)) - 1}
	default:
		metrics.ObserveFetch(resp.StatusCode, 0, time.Since(start))
		return crawler.FetchResult{}, &StatusError{Code: resp.StatusCode, URL: target}
	}
	metrics.ObserveFetch(resp.StatusCode, len(data), time.Since(start))

	if r.Verify && int64(len(data)) != r.Length {
		return crawler.FetchResult{}, &LengthError{Want: r.Length, Got: int64(len(data))}
	}

	f.logger.Debug("range fetched",
		zap.String("segment", r.Path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
	)
	return crawler.FetchResult{
		Source:     r.Path,
		URL:        target,
		StatusCode: resp.StatusCode,
		Requested:  requested,
		Received:   received,
		Data:       data,
	}, nil
}

func (f *Fetcher) client(p *proxy.Identity) *http.Client {
	key := "direct"
	if p != nil {
		key = p.Key()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}
	transport := newHTTPTransport()
	if p != nil {
		transport.Proxy = http.ProxyURL(p.URL())
		transport.DisableKeepAlives = true
	}
	c := &http.Client{Transport: transport, Timeout: f.cfg.Timeout}
	f.clients[key] = c
	return c
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// parseContentRange reads "bytes start-end/total".
func parseContentRange(v string) (crawler.ByteRange, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return crawler.ByteRange{}, false
	}
	span, _, _ := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return crawler.ByteRange{}, false
	}
	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return crawler.ByteRange{}, false
	}
	return crawler.ByteRange{Start: start, End: end}, true
}
