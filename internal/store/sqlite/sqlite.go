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

// Package sqlite provides a store.Store implementation backed by
// modernc.org/sqlite, for local development and tests that want a durable
// backend without a live Postgres server. It implements the same schema
// shape and coordination primitives as internal/store/postgres, adapted to
// SQLite's dialect: no SELECT ... FOR UPDATE SKIP LOCKED (a process-wide
// mutex serializes the lease/lock critical sections instead, appropriate
// for the single-instance use this backend targets -- it is not meant to
// back the leader-elected, horizontally replicated deployment postgres is),
// no TIMESTAMPTZ (timestamps are stamped in Go and stored as RFC3339Nano
// text), and INTEGER PRIMARY KEY AUTOINCREMENT in place of BIGSERIAL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ticketflow/ticketflow/internal/store"
)

var _ store.Store = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
	// mu serializes the multi-statement critical sections that postgres
	// guards with FOR UPDATE SKIP LOCKED: Lease, TryAcquireLock,
	// UpdateTaskStatus. SQLite itself serializes writers at the file level,
	// but without this mutex two goroutines racing the same check-then-act
	// sequence could both observe the pre-update state before either
	// commits.
	mu sync.Mutex
}

// Config configures a Backend.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database.
	Path string
}

// New opens the database, enables foreign keys and WAL journaling, and runs
// migrations.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows only one writer at a time; a single connection avoids
	// SQLITE_BUSY from the pool itself and makes the mu above sufficient.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// DB exposes the underlying connection for callers that need raw
// database/sql access. internal/leader's Postgres advisory lock has no
// SQLite equivalent, so this backend is never paired with a leader
// election; the accessor exists purely for symmetry with postgres.Backend.
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
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		external_item_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		repository_url TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT 'main',
		status TEXT NOT NULL DEFAULT 'pending',
		previous_status TEXT,
		tracker_status TEXT,
		creator_id TEXT,
		creator_name TEXT,
		creator_email TEXT,
		is_locked INTEGER NOT NULL DEFAULT 0,
		locked_at TEXT,
		lock_owner TEXT,
		cooldown_until TEXT,
		reactivation_count INTEGER NOT NULL DEFAULT 0,
		failed_reactivation_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(source, external_item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_lock_cooldown ON tasks(is_locked, cooldown_until)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		run_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		executor_id TEXT,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		duration_ms INTEGER,
		result_blob BLOB,
		error_blob BLOB,
		branch_name TEXT,
		pr_url TEXT,
		is_reactivation INTEGER NOT NULL DEFAULT 0,
		parent_run_id INTEGER REFERENCES runs(id),
		reactivation_count INTEGER NOT NULL DEFAULT 0,
		current_node TEXT,
		debug_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(task_id, run_number)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active_per_task
		ON runs(task_id) WHERE status IN ('started', 'running')`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		node_name TEXT NOT NULL,
		"order" INTEGER NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		input_blob BLOB,
		output_blob BLOB,
		error_blob BLOB,
		checkpoint_blob BLOB,
		checkpoint_version INTEGER NOT NULL DEFAULT 1,
		started_at TEXT,
		completed_at TEXT,
		checkpoint_saved_at TEXT,
		UNIQUE(run_id, "order")
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, "order")`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		event_type TEXT,
		payload BLOB NOT NULL,
		headers BLOB,
		signature TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		processing_status TEXT,
		related_task_id INTEGER REFERENCES tasks(id),
		received_at TEXT NOT NULL,
		processed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_unprocessed ON webhook_events(processed, received_at) WHERE processed = 0`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_item_id TEXT NOT NULL,
		task_id INTEGER REFERENCES tasks(id),
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		trigger TEXT NOT NULL DEFAULT 'start',
		payload BLOB,
		executor_task_id TEXT,
		created_at TEXT NOT NULL,
		leased_at TEXT,
		heartbeat_at TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_entries(status, priority DESC, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_running_per_item
		ON queue_entries(external_item_id) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS cooldowns (
		task_id INTEGER PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		until TEXT NOT NULL,
		type TEXT NOT NULL,
		failed_attempts INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS reactivation_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		update_id TEXT,
		trigger TEXT NOT NULL,
		update_data BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		fail_reason TEXT,
		run_id INTEGER REFERENCES runs(id),
		started_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_reactivation_unique_update
		ON reactivation_records(task_id, update_id) WHERE update_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS human_validations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_id INTEGER REFERENCES steps(id),
		title TEXT,
		generated_code BLOB,
		summary TEXT,
		files_modified BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		rejection_count INTEGER NOT NULL DEFAULT 0,
		is_retry INTEGER NOT NULL DEFAULT 0,
		parent_validation_id INTEGER REFERENCES human_validations(id),
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		tracker_update_id TEXT,
		creator_id TEXT,
		creator_email TEXT,
		creator_name TEXT,
		reminder_sent_at TEXT,
		unauthorized_attempts INTEGER NOT NULL DEFAULT 0,
		response_status TEXT,
		comments TEXT,
		modification_instructions TEXT,
		should_merge INTEGER NOT NULL DEFAULT 0,
		should_continue_workflow INTEGER NOT NULL DEFAULT 0,
		should_retry_workflow INTEGER NOT NULL DEFAULT 0,
		validation_duration_seconds REAL,
		response_author_id TEXT,
		response_author_email TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_pending ON human_validations(status) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS ai_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		provider TEXT,
		model TEXT,
		operation TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		success INTEGER NOT NULL DEFAULT 1,
		error TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_usage_run ON ai_usage(run_id)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id TEXT,
		action TEXT NOT NULL,
		resource TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		detail TEXT,
		created_at TEXT NOT NULL
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

// isUniqueViolation detects SQLite's unique-constraint error by message,
// mirroring postgres.Backend's SQLSTATE check. modernc.org/sqlite does
// surface a typed *sqlite.Error with a numeric code, but matching on the
// standard message text avoids an import of the driver's internal error
// package for a single comparison.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeTextPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeText(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
