package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens and validates a pgx connection pool tuned for a
// scheduler's access pattern: frequent short claim queries from many
// goroutines, plus occasional long-lived admin queries.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the jobs/job_attempts tables and the indexes the
// claim queries rely on, if they don't already exist. Intended for
// local development and tests; production deployments should manage
// schema via migrations instead.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			type               TEXT NOT NULL,
			priority           INTEGER NOT NULL DEFAULT 0,
			data               BYTEA,
			next_run_at        TIMESTAMPTZ,
			last_run_at        TIMESTAMPTZ,
			last_finished_at   TIMESTAMPTZ,
			failed_at          TIMESTAMPTZ,
			locked_at          TIMESTAMPTZ,
			fail_count         INTEGER NOT NULL DEFAULT 0,
			fail_reason        TEXT,
			repeat_interval    TEXT,
			repeat_timezone    TEXT,
			repeat_at          TEXT,
			start_date         TIMESTAMPTZ,
			end_date           TIMESTAMPTZ,
			skip_days          TEXT,
			disabled           BOOLEAN NOT NULL DEFAULT FALSE,
			unique_key         TEXT,
			insert_only        BOOLEAN NOT NULL DEFAULT FALSE,
			should_save_result BOOLEAN NOT NULL DEFAULT FALSE,
			result             BYTEA,
			progress           INTEGER NOT NULL DEFAULT 0,
			last_modified_by   TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (name, next_run_at) WHERE locked_at IS NULL;
		CREATE INDEX IF NOT EXISTS jobs_reclaim_idx ON jobs (name, locked_at) WHERE locked_at IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS jobs_single_idx ON jobs (name) WHERE type = 'single';
		CREATE UNIQUE INDEX IF NOT EXISTS jobs_unique_idx ON jobs (name, unique_key) WHERE unique_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS job_attempts (
			id            TEXT PRIMARY KEY,
			job_id        TEXT NOT NULL,
			attempt_num   INTEGER NOT NULL,
			instance_id   TEXT,
			started_at    TIMESTAMPTZ NOT NULL,
			completed_at  TIMESTAMPTZ,
			succeeded     BOOLEAN,
			error         TEXT,
			duration_ms   BIGINT
		);
		CREATE INDEX IF NOT EXISTS job_attempts_job_idx ON job_attempts (job_id, attempt_num);

		CREATE TABLE IF NOT EXISTS magic_tokens (
			id          TEXT PRIMARY KEY,
			email       TEXT NOT NULL,
			token_hash  TEXT NOT NULL UNIQUE,
			expires_at  TIMESTAMPTZ NOT NULL,
			used_at     TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
