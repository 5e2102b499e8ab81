// Package postgres records crawl visit history in Postgres.
//
// The history table is expected to exist:
//
//	CREATE TABLE crawl_history (
//	    id          BIGSERIAL PRIMARY KEY,
//	    session_id  TEXT        NOT NULL,
//	    worker      INTEGER     NOT NULL,
//	    job_rank    INTEGER     NOT NULL,
//	    target      TEXT        NOT NULL,
//	    attempt     INTEGER     NOT NULL,
//	    success     BOOLEAN     NOT NULL,
//	    elapsed_ms  BIGINT      NOT NULL,
//	    error       TEXT,
//	    record_uri  TEXT,
//	    disposition TEXT        NOT NULL,
//	    finished_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

const defaultTable = "crawl_history"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// HistoryStoreConfig controls the Postgres connection pool used for history rows.
type HistoryStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// HistoryStore writes one row per processed lease.
type HistoryStore struct {
	pool  execCloser
	table string
}

var _ crawler.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore connects a pool using cfg.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &HistoryStore{pool: pool, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool.
func NewHistoryStoreWithPool(pool execCloser, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordVisit inserts a history row for report.
func (s *HistoryStore) RecordVisit(ctx context.Context, report crawler.VisitReport) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	if report.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session_id,
	worker,
	job_rank,
	target,
	attempt,
	success,
	elapsed_ms,
	error,
	record_uri,
	disposition,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	args := []any{
		report.SessionID,
		report.Worker,
		report.Rank,
		report.Target,
		report.Attempt,
		report.Success,
		report.ElapsedMs,
		report.Error,
		report.RecordURI,
		string(report.Disposition),
		report.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert visit history: %w", err)
	}
	return nil
}
