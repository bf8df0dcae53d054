package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/clock/system"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/storage/memory"
)

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

var reportTime = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

func findings() []crawler.Finding {
	return []crawler.Finding{
		{
			Domain:       "a.example",
			URL:          "https://a.example/?q=1,2",
			Scheme:       "https",
			Confidence:   crawler.ConfidenceHigh,
			Indicators:   []string{"__NEXT_DATA__"},
			BuildID:      "abc",
			Source:       "seg-1",
			DiscoveredAt: reportTime,
		},
		{
			Domain:       "b.example",
			URL:          "http://b.example/",
			Scheme:       "http",
			Confidence:   crawler.ConfidenceMedium,
			Indicators:   []string{"/_next/static/"},
			Source:       "seg-2",
			DiscoveredAt: reportTime,
		},
	}
}

func TestDefaultName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "nextjs_sites_20240203_040506", DefaultName(reportTime))
}

func TestWriteJSONAndCSV(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := NewWriter(store, system.NewFixed(reportTime), zap.NewNop())

	res, err := w.Write(context.Background(), findings(), "")
	require.NoError(t, err)
	assert.Equal(t, "memory://nextjs_sites_20240203_040506.json", res.JSON)
	assert.Equal(t, "memory://nextjs_sites_20240203_040506.csv", res.CSV)

	jsonObj, ok := store.Get("nextjs_sites_20240203_040506.json")
	require.True(t, ok)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(jsonObj.Data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "a.example", decoded[0]["domain"])
	assert.Equal(t, "seg-1", decoded[0]["warc_source"])
	assert.Equal(t, "abc", decoded[0]["build_id"])

	csvObj, ok := store.Get("nextjs_sites_20240203_040506.csv")
	require.True(t, ok)
	assert.Equal(t, "text/csv", csvObj.ContentType)
	rows, err := csv.NewReader(strings.NewReader(string(csvObj.Data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{
		"a.example", "https://a.example/?q=1,2", "https", "high", "abc", "seg-1", "2024-02-03T04:05:06Z",
	}, rows[1])
	assert.Equal(t, "", rows[2][4])
}

func TestWriteNamedReport(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	_, err := NewWriter(store, system.NewFixed(reportTime), nil).Write(context.Background(), findings(), "search_run")
	require.NoError(t, err)
	assert.Equal(t, []string{"search_run.csv", "search_run.json"}, store.Paths())
}

func TestWriteNoFindingsWarns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	store := memory.NewBlobStore()
	res, err := NewWriter(store, system.NewFixed(reportTime), zap.New(core)).Write(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, store.Paths())
	assert.Equal(t, 1, logs.FilterMessage("no findings to save").Len())
}

func TestWriteStoreError(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(failingStore{}, system.NewFixed(reportTime), nil).Write(context.Background(), findings(), "x")
	require.ErrorContains(t, err, "bucket gone")
}
