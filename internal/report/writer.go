// Package report writes run findings as JSON and CSV artifacts.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
)

// NamePrefix starts every default report name.
const NamePrefix = "nextjs_sites"

// CSVHeader is the column order of the CSV report.
var CSVHeader = []string{"domain", "url", "scheme", "confidence", "build_id", "warc_source", "discovered_at"}

// DefaultName returns nextjs_sites_YYYYMMDD_HHMMSS for t.
func DefaultName(t time.Time) string {
	return fmt.Sprintf("%s_%s", NamePrefix, t.Format("20060102_150405"))
}

// Result lists the URIs written by Write.
type Result struct {
	JSON string
	CSV  string
}

// Writer renders findings into a BlobStore.
type Writer struct {
	store  crawler.BlobStore
	clock  crawler.Clock
	logger *zap.Logger
}

// NewWriter builds a Writer.
func NewWriter(store crawler.BlobStore, clock crawler.Clock, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, clock: clock, logger: logger}
}

// Write stores <name>.json and <name>.csv. An empty name uses DefaultName.
// With no findings nothing is written and the zero Result is returned.
func (w *Writer) Write(ctx context.Context, findings []crawler.Finding, name string) (Result, error) {
	if len(findings) == 0 {
		w.logger.Warn("no findings to save")
		return Result{}, nil
	}
	if name == "" {
		name = DefaultName(w.clock.Now())
	}

	jsonData, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal findings: %w", err)
	}
	jsonURI, err := w.store.PutObject(ctx, name+".json", "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("write json report: %w", err)
	}

	csvData, err := EncodeCSV(findings)
	if err != nil {
		return Result{}, err
	}
	csvURI, err := w.store.PutObject(ctx, name+".csv", "text/csv", bytes.NewReader(csvData))
	if err != nil {
		return Result{}, fmt.Errorf("write csv report: %w", err)
	}

	w.logger.Info("results saved",
		zap.Int("findings", len(findings)),
		zap.String("json", jsonURI),
		zap.String("csv", csvURI),
	)
	return Result{JSON: jsonURI, CSV: csvURI}, nil
}

// EncodeCSV renders findings under CSVHeader with RFC 3339 timestamps.
func EncodeCSV(findings []crawler.Finding) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, f := range findings {
		row := []string{
			f.Domain,
			f.URL,
			f.Scheme,
			string(f.Confidence),
			f.BuildID,
			f.Source,
			f.DiscoveredAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
