// Package failure tracks work items that exhausted their retries and persists
// them so a later run can resume from the failure list.
package failure

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
)

// Record describes one failed work item.
type Record struct {
	Ref          string    `json:"segment_path"`
	Kind         Kind      `json:"failure_kind"`
	AttemptCount int       `json:"attempt_count"`
	FirstFailed  time.Time `json:"first_failed"`
	LastAttempt  time.Time `json:"last_attempt"`
	LastError    string    `json:"last_error"`
}

// Report is the structured failure document written by Persist.
type Report struct {
	SessionID     string       `json:"session_id"`
	RunID         string       `json:"run_id,omitempty"`
	TotalFailures int          `json:"total_failures"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Summary       map[Kind]int `json:"summary"`
	Failures      []Record     `json:"failures"`
}

// Config controls where failure reports are written.
type Config struct {
	Dir       string
	SessionID string
	RunID     string
}

// Tracker upserts failure records keyed by work reference.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	clock   crawler.Clock
	records map[string]*Record
	logger  *zap.Logger
}

// NewTracker builds a Tracker. An empty SessionID is derived from the clock,
// suffixed with RunID when set so runs started in the same second do not
// share report files.
func NewTracker(cfg Config, clock crawler.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = clock.Now().Format("20060102_150405")
		if cfg.RunID != "" {
			cfg.SessionID += "_" + cfg.RunID
		}
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clock,
		records: make(map[string]*Record),
		logger:  logger,
	}
}

// SessionID returns the identifier used in report file names.
func (t *Tracker) SessionID() string {
	return t.cfg.SessionID
}

// Record upserts the failure for ref. FirstFailed is set once; AttemptCount
// never decreases.
func (t *Tracker) Record(ref string, kind Kind, err error, attempt int) {
	now := t.clock.Now()
	errText := ""
	if err != nil {
		errText = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[ref]
	if !ok {
		rec = &Record{Ref: ref, FirstFailed: now}
		t.records[ref] = rec
	}
	rec.Kind = kind
	rec.AttemptCount = max(rec.AttemptCount, attempt)
	rec.LastAttempt = now
	rec.LastError = errText
	t.logger.Debug("failure recorded",
		zap.String("segment", ref),
		zap.String("kind", string(kind)),
		zap.Int("attempt", rec.AttemptCount),
	)
}

// Len returns the number of failed references.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Records returns copies of all records sorted by reference.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// Summary counts records by kind.
func (t *Tracker) Summary() map[Kind]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Kind]int)
	for _, rec := range t.records {
		out[rec.Kind]++
	}
	return out
}

// Persist writes failed_segments_<session>.json and .txt to the failure
// directory and returns the JSON path. It returns "" when nothing failed.
func (t *Tracker) Persist() (string, error) {
	records := t.Records()
	if len(records) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(t.cfg.Dir, 0o750); err != nil {
		return "", fmt.Errorf("create failure dir: %w", err)
	}

	report := Report{
		SessionID:     t.cfg.SessionID,
		RunID:         t.cfg.RunID,
		TotalFailures: len(records),
		GeneratedAt:   t.clock.Now(),
		Summary:       t.Summary(),
		Failures:      records,
	}
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal failure report: %w", err)
	}

	base := filepath.Join(t.cfg.Dir, "failed_segments_"+t.cfg.SessionID)
	jsonPath := base + ".json"
	if err := writeFileAtomic(jsonPath, payload); err != nil {
		return "", err
	}

	var list bytes.Buffer
	for _, rec := range records {
		list.WriteString(rec.Ref)
		list.WriteByte('\n')
	}
	if err := writeFileAtomic(base+".txt", list.Bytes()); err != nil {
		return "", err
	}

	t.logger.Info("failure report written",
		zap.String("path", jsonPath),
		zap.Int("failures", len(records)),
	)
	return jsonPath, nil
}

// ErrNotFailureReport is returned by Load for JSON documents without a
// failures array.
var ErrNotFailureReport = errors.New("not a failure report")

// Load reads a failure list written by Persist, either the structured .json
// report or a plain one-reference-per-line file.
func Load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read failure list: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var report struct {
			Failures *[]Record `json:"failures"`
		}
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("decode failure report %s: %w", path, err)
		}
		if report.Failures == nil {
			return nil, fmt.Errorf("decode failure report %s: %w", path, ErrNotFailureReport)
		}
		refs := make([]string, 0, len(*report.Failures))
		for _, rec := range *report.Failures {
			if rec.Ref != "" {
				refs = append(refs, rec.Ref)
			}
		}
		return refs, nil
	}

	var refs []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			refs = append(refs, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan failure list %s: %w", path, err)
	}
	return refs, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
