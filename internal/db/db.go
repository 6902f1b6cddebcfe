// Package db is the PostgreSQL event log: pipeline transitions, validator
// runs and approval decisions, queried by the stats command.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pool for advanced queries.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const schemaV1 = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    id          BIGSERIAL PRIMARY KEY,
    request_id  TEXT NOT NULL,
    event       TEXT NOT NULL,
    stage       TEXT NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_request ON pipeline_events(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_event ON pipeline_events(event, created_at);

CREATE TABLE IF NOT EXISTS validator_runs (
    id          BIGSERIAL PRIMARY KEY,
    request_id  TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    validator   TEXT NOT NULL,
    ran         BOOLEAN NOT NULL,
    findings    INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_validator_runs_request ON validator_runs(request_id, attempt);

CREATE TABLE IF NOT EXISTS approval_decisions (
    id          BIGSERIAL PRIMARY KEY,
    request_id  TEXT NOT NULL,
    gate        TEXT NOT NULL CHECK (gate IN ('plan', 'deploy')),
    granted     BOOLEAN NOT NULL,
    approver    TEXT NOT NULL,
    note        TEXT NOT NULL DEFAULT '',
    decided_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_decisions_request ON approval_decisions(request_id, decided_at);
`

// Migrate applies the database schema.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var count int
	if err := d.pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	tables := []string{"approval_decisions", "validator_runs", "pipeline_events", "schema_version"}
	for _, t := range tables {
		if _, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}
