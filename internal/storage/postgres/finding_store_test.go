package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
)

func sampleFindings() []crawler.Finding {
	now := time.Unix(1700000000, 0).UTC()
	return []crawler.Finding{
		{
			Domain:       "a.example",
			URL:          "https://a.example/",
			Scheme:       "https",
			Confidence:   crawler.ConfidenceHigh,
			Indicators:   []string{"__NEXT_DATA__", "build_id:abc"},
			BuildID:      "abc",
			Source:       "crawl-data/seg-1.warc.gz",
			ContentHash:  "deadbeef",
			DiscoveredAt: now,
		},
		{
			Domain:       "b.example",
			URL:          "http://b.example/x",
			Scheme:       "http",
			Confidence:   crawler.ConfidenceMedium,
			Indicators:   []string{"/_next/static/"},
			Version:      "13.4.2",
			Source:       "crawl-data/seg-1.warc.gz",
			DiscoveredAt: now,
		},
	}
}

func expectInsert(mock pgxmock.PgxPoolIface, f crawler.Finding) *pgxmock.ExpectedExec {
	return mock.ExpectExec("INSERT INTO nextjs_findings").
		WithArgs(
			f.Domain,
			f.URL,
			f.Scheme,
			string(f.Confidence),
			f.Indicators,
			f.BuildID,
			f.Version,
			f.Source,
			f.ContentHash,
			f.DiscoveredAt,
		)
}

func TestConsumeInsertsBatchInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFindingStoreWithPool(mock, "")
	require.NoError(t, err)

	findings := sampleFindings()
	mock.ExpectBegin()
	for _, f := range findings {
		expectInsert(mock, f).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.Consume(context.Background(), findings))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeRollsBackOnInsertError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFindingStoreWithPool(mock, "nextjs_findings")
	require.NoError(t, err)

	findings := sampleFindings()
	mock.ExpectBegin()
	expectInsert(mock, findings[0]).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.Consume(context.Background(), findings)
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFindingStoreWithPool(mock, "")
	require.NoError(t, err)
	require.NoError(t, store.Consume(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFindingStoreWithPool(mock, "findings_2024")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS findings_2024").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFindingStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewFindingStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewFindingStoreWithPool(mock, "bad-name;")
	require.Error(t, err)

	_, err = NewFindingStore(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn is required")
}
