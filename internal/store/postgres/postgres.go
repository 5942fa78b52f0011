// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres provides the PostgreSQL-backed store.Store
// implementation used in production. It drives the schema from DDL issued
// at startup and leans on row-level locking (SELECT ... FOR UPDATE SKIP
// LOCKED) and a unique constraint for the coordination primitives C2 needs
// (single active run, single active lock, single reactivation per update).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

var _ store.Store = (*Backend)(nil)

// Backend is a PostgreSQL storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// New opens a connection pool, pings it, and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, &tferrors.ConfigError{Key: "DATABASE_URL", Reason: "failed to open database", Cause: err}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// DB exposes the underlying connection pool for components that need raw
// database/sql access alongside the Store interface, namely
// internal/leader's advisory-lock elector.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		source VARCHAR(64) NOT NULL,
		external_item_id VARCHAR(255) NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		repository_url TEXT NOT NULL,
		default_branch VARCHAR(255) NOT NULL DEFAULT 'main',
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		previous_status VARCHAR(32),
		tracker_status VARCHAR(64),
		creator_id VARCHAR(255),
		creator_name VARCHAR(255),
		creator_email VARCHAR(255),
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		locked_at TIMESTAMPTZ,
		lock_owner VARCHAR(255),
		cooldown_until TIMESTAMPTZ,
		reactivation_count INTEGER NOT NULL DEFAULT 0,
		failed_reactivation_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(source, external_item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_lock_cooldown ON tasks(is_locked, cooldown_until)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		run_number INTEGER NOT NULL,
		status VARCHAR(32) NOT NULL,
		executor_id VARCHAR(255),
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at TIMESTAMPTZ,
		duration_ms BIGINT,
		result_blob JSONB,
		error_blob JSONB,
		branch_name VARCHAR(255),
		pr_url TEXT,
		is_reactivation BOOLEAN NOT NULL DEFAULT FALSE,
		parent_run_id BIGINT REFERENCES runs(id),
		reactivation_count INTEGER NOT NULL DEFAULT 0,
		current_node VARCHAR(255),
		debug_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(task_id, run_number)
	)`,
	// Invariant #1 of §8: at most one run per task with status in
	// {started, running}. A partial unique index enforces it at the store
	// layer, not just in application logic.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active_per_task
		ON runs(task_id) WHERE status IN ('started', 'running')`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		node_name VARCHAR(255) NOT NULL,
		"order" INTEGER NOT NULL,
		status VARCHAR(32) NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		input_blob JSONB,
		output_blob JSONB,
		error_blob JSONB,
		checkpoint_blob JSONB,
		checkpoint_version INTEGER NOT NULL DEFAULT 1,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		checkpoint_saved_at TIMESTAMPTZ,
		UNIQUE(run_id, "order")
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, "order")`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id BIGSERIAL PRIMARY KEY,
		source VARCHAR(64) NOT NULL,
		event_type VARCHAR(64),
		payload JSONB NOT NULL,
		headers JSONB,
		signature VARCHAR(128),
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		processing_status VARCHAR(32),
		related_task_id BIGINT REFERENCES tasks(id),
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_unprocessed ON webhook_events(processed, received_at) WHERE processed = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id BIGSERIAL PRIMARY KEY,
		external_item_id VARCHAR(255) NOT NULL,
		task_id BIGINT REFERENCES tasks(id),
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		trigger VARCHAR(32) NOT NULL DEFAULT 'start',
		payload JSONB,
		executor_task_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		leased_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_entries(status, priority DESC, created_at)`,
	// Invariant #2 / §3 "QueueEntry": only one entry per external_item_id
	// may be running.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_running_per_item
		ON queue_entries(external_item_id) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS cooldowns (
		task_id BIGINT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		until TIMESTAMPTZ NOT NULL,
		type VARCHAR(16) NOT NULL,
		failed_attempts INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS reactivation_records (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		update_id VARCHAR(255),
		trigger VARCHAR(32) NOT NULL,
		update_data JSONB,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		fail_reason VARCHAR(64),
		run_id BIGINT REFERENCES runs(id),
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	// Invariant #3 of §8: at most one ReactivationRecord per (task,
	// update_id). NULL update_id (manual trigger) is exempt.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_reactivation_unique_update
		ON reactivation_records(task_id, update_id) WHERE update_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS human_validations (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		run_id BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_id BIGINT REFERENCES steps(id),
		title TEXT,
		generated_code JSONB,
		summary TEXT,
		files_modified JSONB,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		rejection_count INTEGER NOT NULL DEFAULT 0,
		is_retry BOOLEAN NOT NULL DEFAULT FALSE,
		parent_validation_id BIGINT REFERENCES human_validations(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		tracker_update_id VARCHAR(255),
		creator_id VARCHAR(255),
		creator_email VARCHAR(255),
		creator_name VARCHAR(255),
		reminder_sent_at TIMESTAMPTZ,
		unauthorized_attempts INTEGER NOT NULL DEFAULT 0,
		response_status VARCHAR(32),
		comments TEXT,
		modification_instructions TEXT,
		should_merge BOOLEAN NOT NULL DEFAULT FALSE,
		should_continue_workflow BOOLEAN NOT NULL DEFAULT FALSE,
		should_retry_workflow BOOLEAN NOT NULL DEFAULT FALSE,
		validation_duration_seconds DOUBLE PRECISION,
		response_author_id VARCHAR(255),
		response_author_email VARCHAR(255)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_pending ON human_validations(status) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS ai_usage (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		provider VARCHAR(64),
		model VARCHAR(128),
		operation VARCHAR(64),
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_ms BIGINT,
		success BOOLEAN NOT NULL DEFAULT TRUE,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_usage_run ON ai_usage(run_id)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		actor_id VARCHAR(255),
		action VARCHAR(128) NOT NULL,
		resource VARCHAR(255),
		severity VARCHAR(16) NOT NULL DEFAULT 'info',
		detail TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at)`,
}

func jsonEncode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func jsonDecode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// isUniqueViolation detects a Postgres unique-constraint error without
// importing pgconn directly, matching on SQLSTATE 23505 through any wrapped
// error exposing a SQLState() method -- kept narrow and only used for the
// dedup paths named in
// §4.1/§8.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
