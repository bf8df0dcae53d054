// Package postgres persists findings to Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "nextjs_findings"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for findings.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// FindingStore writes findings into Postgres. It satisfies crawler.FindingSink.
type FindingStore struct {
	pool  pool
	table string
}

// NewFindingStore connects a pool using cfg.
func NewFindingStore(ctx context.Context, cfg Config) (*FindingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &FindingStore{pool: p, table: table}, nil
}

// NewFindingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFindingStoreWithPool(p pool, table string) (*FindingStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &FindingStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *FindingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the findings table when it does not exist.
func (s *FindingStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	domain         TEXT NOT NULL,
	url            TEXT NOT NULL,
	scheme         TEXT NOT NULL,
	confidence     TEXT NOT NULL,
	indicators     TEXT[] NOT NULL,
	build_id       TEXT,
	nextjs_version TEXT,
	warc_source    TEXT NOT NULL,
	content_hash   TEXT,
	discovered_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (url, warc_source)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create findings table: %w", err)
	}
	return nil
}

// Consume inserts one segment's findings in a single transaction. Rows that
// already exist for the same URL and segment are left untouched.
func (s *FindingStore) Consume(ctx context.Context, findings []crawler.Finding) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("finding store is not configured")
	}
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin findings tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	domain,
	url,
	scheme,
	confidence,
	indicators,
	build_id,
	nextjs_version,
	warc_source,
	content_hash,
	discovered_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) ON CONFLICT (url, warc_source) DO NOTHING`, s.table)

	for _, f := range findings {
		if _, err = tx.Exec(ctx, query,
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
		); err != nil {
			return fmt.Errorf("insert finding %s: %w", f.URL, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit findings: %w", err)
	}
	return nil
}
