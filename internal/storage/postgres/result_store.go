// Package postgres provides Postgres-backed persistence implementations.
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

	"github.com/scoutdata/pipeline/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls a Postgres connection pool shared by the stores.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return pool, nil
}

// ResultStore writes result-cache rows into Postgres.
type ResultStore struct {
	pool  dbPool
	table string
}

// NewResultStore constructs a store over an existing pool.
func NewResultStore(pool dbPool, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "result_cache"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: pool, table: table}, nil
}

// Upsert inserts or replaces the row for (source, resource).
func (s *ResultStore) Upsert(ctx context.Context, entry pipeline.ResultEntry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	source, resource, http_status, etag, last_modified,
	fingerprint, parse_status, parse_note, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (source, resource) DO UPDATE SET
	http_status = EXCLUDED.http_status,
	etag = EXCLUDED.etag,
	last_modified = EXCLUDED.last_modified,
	fingerprint = EXCLUDED.fingerprint,
	parse_status = EXCLUDED.parse_status,
	parse_note = EXCLUDED.parse_note,
	fetched_at = EXCLUDED.fetched_at`, s.table)

	_, err := s.pool.Exec(ctx, query,
		entry.Source, entry.Resource, entry.HTTPStatus, entry.ETag, entry.LastModified,
		entry.Fingerprint, entry.ParseStatus, entry.ParseNote, entry.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert result entry: %w", err)
	}
	return nil
}

const resultColumns = `source, resource, http_status, etag, last_modified,
fingerprint, parse_status, parse_note, fetched_at`

func scanResult(row pgx.Row) (pipeline.ResultEntry, error) {
	var e pipeline.ResultEntry
	err := row.Scan(
		&e.Source, &e.Resource, &e.HTTPStatus, &e.ETag, &e.LastModified,
		&e.Fingerprint, &e.ParseStatus, &e.ParseNote, &e.FetchedAt,
	)
	return e, err
}

// Get fetches an entry, nil on miss.
func (s *ResultStore) Get(ctx context.Context, source, resource string) (*pipeline.ResultEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source=$1 AND resource=$2`, resultColumns, s.table)
	e, err := scanResult(s.pool.QueryRow(ctx, query, source, resource))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result entry: %w", err)
	}
	return &e, nil
}

// Scan streams every entry to fn.
func (s *ResultStore) Scan(ctx context.Context, fn func(pipeline.ResultEntry) error) error {
	query := fmt.Sprintf(`SELECT %s FROM %s`, resultColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("scan result cache: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanResult(rows)
		if err != nil {
			return fmt.Errorf("scan result row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate result cache: %w", err)
	}
	return nil
}
