package failure

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewTracker(Config{Dir: t.TempDir(), SessionID: "test", RunID: "run-1"}, clock, zap.NewNop())
}

func TestRecordUpsertKeepsFirstFailedAndMaxAttempts(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	tr.Record("seg-a", KindTimeout, errors.New("first"), 2)
	first := tr.Records()[0]

	tr.Record("seg-a", KindHTTP, errors.New("second"), 1)
	tr.Record("seg-a", KindHTTP, errors.New("third"), 5)

	recs := tr.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, first.FirstFailed, rec.FirstFailed)
	require.Equal(t, 5, rec.AttemptCount)
	require.Equal(t, "third", rec.LastError)
	require.Equal(t, KindHTTP, rec.Kind)
	require.True(t, rec.LastAttempt.After(rec.FirstFailed))
}

func TestAttemptCountNeverDecreases(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	prev := 0
	for _, attempt := range []int{1, 3, 2, 2, 4, 1} {
		tr.Record("seg", KindUnknown, nil, attempt)
		got := tr.Records()[0].AttemptCount
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
	require.Equal(t, 4, prev)
}

func TestPersistNoopWithoutFailures(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	path, err := tr.Persist()
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	refs := []string{"crawl-data/c.warc.gz", "crawl-data/a.warc.gz", "crawl-data/b.warc.gz"}
	for i, ref := range refs {
		tr.Record(ref, KindConnection, errors.New("refused"), i+1)
	}

	jsonPath, err := tr.Persist()
	require.NoError(t, err)
	require.Equal(t, "failed_segments_test.json", filepath.Base(jsonPath))

	fromJSON, err := Load(jsonPath)
	require.NoError(t, err)
	require.ElementsMatch(t, refs, fromJSON)

	txtPath := jsonPath[:len(jsonPath)-len(".json")] + ".txt"
	fromTxt, err := Load(txtPath)
	require.NoError(t, err)
	require.ElementsMatch(t, refs, fromTxt)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsJSONWithoutFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	findings := filepath.Join(dir, "nextjs_sites.json")
	require.NoError(t, os.WriteFile(findings, []byte(`[{"domain":"a.example"}]`), 0o600))
	_, err := Load(findings)
	require.Error(t, err)

	object := filepath.Join(dir, "summary.json")
	require.NoError(t, os.WriteFile(object, []byte(`{"total_failures":0}`), 0o600))
	_, err = Load(object)
	require.ErrorIs(t, err, ErrNotFailureReport)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"failures":[]}`), 0o600))
	refs, err := Load(empty)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestSummaryGroupsByKind(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	tr.Record("a", KindTimeout, nil, 1)
	tr.Record("b", KindTimeout, nil, 1)
	tr.Record("c", KindParse, nil, 1)

	require.Equal(t, map[Kind]int{KindTimeout: 2, KindParse: 1}, tr.Summary())
	require.Equal(t, 3, tr.Len())
}

func TestSessionIDDefaultsFromClock(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Config{Dir: t.TempDir()}, clock, nil)
	require.Equal(t, "20240301_120001", tr.SessionID())
}

func TestRunsInSameSecondWriteSeparateReports(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := NewTracker(Config{Dir: dir, RunID: "run-a"}, &stepClock{now: start}, nil)
	second := NewTracker(Config{Dir: dir, RunID: "run-b"}, &stepClock{now: start}, nil)
	require.Equal(t, "20240301_120001_run-a", first.SessionID())

	first.Record("crawl-data/a.warc.gz", KindTimeout, nil, 1)
	second.Record("crawl-data/b.warc.gz", KindTimeout, nil, 1)
	firstPath, err := first.Persist()
	require.NoError(t, err)
	secondPath, err := second.Persist()
	require.NoError(t, err)
	require.NotEqual(t, firstPath, secondPath)

	refs, err := Load(firstPath)
	require.NoError(t, err)
	require.Equal(t, []string{"crawl-data/a.warc.gz"}, refs)
}
