package crawler

import (
	"fmt"
	"strings"
	"time"
)

// WorkItem references one archive segment to sample.
type WorkItem struct {
	Path string `json:"path"`
}

// ByteRange is an inclusive byte range within a remote file.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Header renders the range as an HTTP Range header value.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// FetchResult carries the bytes pulled from a segment plus provenance.
type FetchResult struct {
	Source     string
	URL        string
	StatusCode int
	Requested  ByteRange
	Received   ByteRange
	Data       []byte
}

// CaptureRecord is one decoded response record from a segment.
type CaptureRecord struct {
	URL         string
	ContentType string
	Raw         []byte
	Body        string
}

// Confidence is the strength-of-evidence tier of a detection.
type Confidence string

// Confidence tiers, weakest first.
const (
	ConfidenceNone   Confidence = ""
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders tiers so filters can compare them.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is as strong as min.
func (c Confidence) AtLeast(minimum Confidence) bool {
	return c.Rank() >= minimum.Rank()
}

// ParseConfidence converts a config value into a tier.
func ParseConfidence(raw string) (Confidence, error) {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(raw))); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c, nil
	default:
		return ConfidenceNone, fmt.Errorf("unknown confidence %q", raw)
	}
}

// DetectionResult is the output of a signature scan over one HTML body.
type DetectionResult struct {
	IsMatch    bool              `json:"is_match"`
	Confidence Confidence        `json:"confidence,omitempty"`
	Indicators []string          `json:"indicators"`
	BuildID    string            `json:"build_id,omitempty"`
	Version    string            `json:"version,omitempty"`
	MetaTags   map[string]string `json:"meta_tags,omitempty"`
}

// Finding is a qualifying detection surfaced to the result sinks.
type Finding struct {
	Domain       string     `json:"domain"`
	URL          string     `json:"url"`
	Scheme       string     `json:"scheme"`
	Confidence   Confidence `json:"confidence"`
	Indicators   []string   `json:"indicators"`
	BuildID      string     `json:"build_id,omitempty"`
	Version      string     `json:"nextjs_version,omitempty"`
	Source       string     `json:"warc_source"`
	ContentHash  string     `json:"content_hash,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
}
