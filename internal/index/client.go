// Package index queries a CDX capture index for WARC record locations.
package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Defaults for the public capture index.
const (
	DefaultURL       = "https://index.commoncrawl.org"
	DefaultTimeout   = 30 * time.Second
	DefaultMatchType = "domain"
	maxBodySize      = 64 << 20
)

// ErrNoCollections is returned when the collection listing is empty.
var ErrNoCollections = errors.New("index lists no collections")

// Config controls the index client.
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// Query selects captures from one collection. An empty Collection resolves to
// the latest one.
type Query struct {
	Pattern    string
	Collection string
	MatchType  string
	Limit      int
}

// Record is one capture location. CDX servers emit every field as a string.
type Record struct {
	URLKey    string `json:"urlkey"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	MIME      string `json:"mime"`
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Length    string `json:"length"`
	Offset    string `json:"offset"`
	Filename  string `json:"filename"`
}

// Range parses the record's byte offset and length within Filename.
func (r Record) Range() (offset int64, length int64, err error) {
	offset, err = strconv.ParseInt(r.Offset, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse offset %q: %w", r.Offset, err)
	}
	length, err = strconv.ParseInt(r.Length, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse length %q: %w", r.Length, err)
	}
	if offset < 0 || length <= 0 {
		return 0, 0, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	return offset, length, nil
}

// Collection is an entry of the index's collinfo.json.
type Collection struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CDXAPI string `json:"cdx-api"`
}

// StatusError reports a non-success index response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("index returned HTTP %d for %s", e.Code, e.URL)
}

// Client talks to a CDX server through a colly collector.
type Client struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger
}

// New builds a Client, filling in defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = maxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Client{cfg: cfg, collector: c, logger: logger}
}

// Collections lists the index's collections, newest first.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	target := c.cfg.URL + "/collinfo.json"
	status, body, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, URL: target}
	}
	var cols []Collection
	if err := json.Unmarshal(body, &cols); err != nil {
		return nil, fmt.Errorf("decode collinfo: %w", err)
	}
	return cols, nil
}

// LatestCollection returns the id of the newest collection.
func (c *Client) LatestCollection(ctx context.Context) (string, error) {
	cols, err := c.Collections(ctx)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 || cols[0].ID == "" {
		return "", ErrNoCollections
	}
	return cols[0].ID, nil
}

// Search returns the successful captures matching q. A 404 from the index
// means no captures and yields an empty result.
func (c *Client) Search(ctx context.Context, q Query) ([]Record, error) {
	if strings.TrimSpace(q.Pattern) == "" {
		return nil, fmt.Errorf("search pattern is required")
	}
	collection := q.Collection
	if collection == "" {
		latest, err := c.LatestCollection(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve latest collection: %w", err)
		}
		collection = latest
		c.logger.Info("using latest collection", zap.String("collection", collection))
	}

	target := c.searchURL(collection, q)
	status, body, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		c.logger.Info("no captures found", zap.String("pattern", q.Pattern), zap.String("collection", collection))
		return nil, nil
	default:
		return nil, &StatusError{Code: status, URL: target}
	}

	records := c.decode(body)
	c.logger.Info("index search complete",
		zap.String("pattern", q.Pattern),
		zap.String("collection", collection),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (c *Client) searchURL(collection string, q Query) string {
	matchType := q.MatchType
	if matchType == "" {
		matchType = DefaultMatchType
	}
	params := url.Values{}
	params.Set("url", q.Pattern)
	params.Set("output", "json")
	params.Set("matchType", matchType)
	params.Set("filter", "status:200")
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return fmt.Sprintf("%s/%s-index?%s", c.cfg.URL, collection, params.Encode())
}

// decode reads newline-delimited JSON, skipping lines that do not decode.
func (c *Client) decode(body []byte) []Record {
	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			c.logger.Debug("skip undecodable index line", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records
}

// get visits target on a cloned collector. Non-2xx answers are returned as a
// status, not an error.
func (c *Client) get(ctx context.Context, target string) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, fmt.Errorf("index request canceled: %w", err)
	}
	collector := c.collector.Clone()

	var (
		status   int
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			status = r.StatusCode
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("index request canceled: %w", ctx.Err())
	case err := <-done:
		if status != 0 {
			return status, body, nil
		}
		if fetchErr != nil {
			return 0, nil, fmt.Errorf("index request failed: %w", fetchErr)
		}
		if err != nil {
			return 0, nil, fmt.Errorf("index visit failed: %w", err)
		}
		return 0, nil, fmt.Errorf("index request returned no response")
	}
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
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
