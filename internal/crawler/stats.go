package crawler

import (
	"sort"
	"sync"
)

// Stats aggregates run-wide counters and the domain/URL sets used for
// end-of-run reporting. Safe for concurrent use.
type Stats struct {
	mu           sync.Mutex
	processed    int
	succeeded    int
	failed       int
	abandoned    int
	records      int
	findings     int
	byConfidence map[Confidence]int
	domains      map[string]struct{}
	urls         map[string]struct{}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Processed     int            `json:"processed"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Abandoned     int            `json:"abandoned"`
	RecordsParsed int            `json:"records_parsed"`
	Findings      int            `json:"findings"`
	UniqueDomains int            `json:"unique_domains"`
	UniqueURLs    int            `json:"unique_urls"`
	ByConfidence  map[string]int `json:"by_confidence"`
}

// NewStats returns zeroed statistics.
func NewStats() *Stats {
	return &Stats{
		byConfidence: make(map[Confidence]int),
		domains:      make(map[string]struct{}),
		urls:         make(map[string]struct{}),
	}
}

// RecordSucceeded counts a completed segment and folds in its findings.
// It returns the processed count after the update.
func (s *Stats) RecordSucceeded(records int, findings []Finding) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.succeeded++
	s.records += records
	for _, f := range findings {
		s.findings++
		s.byConfidence[f.Confidence]++
		if f.Domain != "" {
			s.domains[f.Domain] = struct{}{}
		}
		s.urls[f.URL] = struct{}{}
	}
	return s.processed
}

// RecordFailed counts a segment that reached the failed state.
func (s *Stats) RecordFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.failed++
	return s.processed
}

// RecordAbandoned counts a segment interrupted by shutdown. Abandoned
// segments are not part of the processed total.
func (s *Stats) RecordAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned++
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byConf := make(map[string]int, len(s.byConfidence))
	for c, n := range s.byConfidence {
		byConf[string(c)] = n
	}
	return StatsSnapshot{
		Processed:     s.processed,
		Succeeded:     s.succeeded,
		Failed:        s.failed,
		Abandoned:     s.abandoned,
		RecordsParsed: s.records,
		Findings:      s.findings,
		UniqueDomains: len(s.domains),
		UniqueURLs:    len(s.urls),
		ByConfidence:  byConf,
	}
}

// Domains returns the distinct domains seen so far, sorted.
func (s *Stats) Domains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
