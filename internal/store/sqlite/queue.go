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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ticketflow/ticketflow/internal/model"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

// lockStaleAge mirrors the 30 minute lock-staleness window postgres.Backend
// bakes into its Lease query.
const lockStaleAge = 30 * time.Minute

func (b *Backend) Enqueue(ctx context.Context, entry *model.QueueEntry) (int64, error) {
	if entry.Status == "" {
		entry.Status = model.QueuePending
	}
	now := time.Now()
	const q = `
		INSERT INTO queue_entries (external_item_id, task_id, status, priority, trigger, payload, executor_task_id, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		RETURNING id`
	err := b.db.QueryRowContext(ctx, q, entry.ExternalItemID, entry.TaskID, entry.Status, entry.Priority,
		entry.Trigger, nullableBlob(entry.Payload), nullableString(entry.ExecutorTaskID), timeText(now),
	).Scan(&entry.ID)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	entry.CreatedAt = now
	return entry.ID, nil
}

// Lease picks the highest-priority pending entry whose task has no running
// entry and is neither locked nor in cooldown, marks it running, and
// acquires the task lock, all inside one transaction. SQLite has no SELECT
// ... FOR UPDATE SKIP LOCKED, so b.mu serializes this whole sequence against
// any other goroutine in this process attempting the same thing.
func (b *Backend) Lease(ctx context.Context, workerID string) (*model.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	lockCutoff := timeText(now.Add(-lockStaleAge))

	const selectQ = `
		SELECT q.id FROM queue_entries q
		LEFT JOIN tasks t ON t.id = q.task_id
		WHERE q.status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries q2
				WHERE q2.external_item_id = q.external_item_id AND q2.status = 'running'
			)
			AND (t.id IS NULL OR NOT (t.is_locked = 1 AND t.locked_at > ?))
			AND (t.id IS NULL OR t.cooldown_until IS NULL OR t.cooldown_until <= ?)
		ORDER BY q.priority DESC, q.created_at ASC
		LIMIT 1`

	var queueID int64
	err = tx.QueryRowContext(ctx, selectQ, lockCutoff, timeText(now)).Scan(&queueID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select lease candidate: %w", err)
	}

	const updateQ = `
		UPDATE queue_entries SET status = 'running', executor_task_id = ?, leased_at = ?, heartbeat_at = ?
		WHERE id = ?
		RETURNING id, external_item_id, task_id, status, priority, trigger, payload, executor_task_id,
			created_at, leased_at, heartbeat_at, completed_at`

	entry, err := scanQueueEntryRow(tx.QueryRowContext(ctx, updateQ, workerID, timeText(now), timeText(now), queueID))
	if err != nil {
		return nil, fmt.Errorf("mark lease running: %w", err)
	}

	if entry.TaskID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET is_locked = 1, locked_at = ?, lock_owner = ? WHERE id = ?`,
			timeText(now), workerID, *entry.TaskID); err != nil {
			return nil, fmt.Errorf("acquire task lock on lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return entry, nil
}

func scanQueueEntryRow(row interface{ Scan(...any) error }) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var taskID sql.NullInt64
	var payload []byte
	var executorTaskID sql.NullString
	var createdAt string
	var leasedAt, heartbeatAt, completedAt sql.NullString
	err := row.Scan(&e.ID, &e.ExternalItemID, &taskID, &e.Status, &e.Priority, &e.Trigger, &payload,
		&executorTaskID, &createdAt, &leasedAt, &heartbeatAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.ExecutorTaskID = executorTaskID.String
	if taskID.Valid {
		v := taskID.Int64
		e.TaskID = &v
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if leasedAt.Valid {
		v, err := parseTime(leasedAt.String)
		if err != nil {
			return nil, err
		}
		e.LeasedAt = &v
	}
	if heartbeatAt.Valid {
		v, err := parseTime(heartbeatAt.String)
		if err != nil {
			return nil, err
		}
		e.HeartbeatAt = &v
	}
	if completedAt.Valid {
		v, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		e.CompletedAt = &v
	}
	return &e, nil
}

func (b *Backend) Complete(ctx context.Context, queueID int64, terminal model.QueueEntryStatus) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback()

	var taskID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		UPDATE queue_entries SET status = ?, completed_at = ? WHERE id = ? RETURNING task_id`,
		terminal, timeText(time.Now()), queueID).Scan(&taskID); err != nil {
		if err == sql.ErrNoRows {
			return &tferrors.NotFoundError{Resource: "queue_entry", ID: fmt.Sprint(queueID)}
		}
		return fmt.Errorf("complete queue entry: %w", err)
	}

	if taskID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET is_locked = 0, locked_at = NULL, lock_owner = NULL WHERE id = ?`,
			taskID.Int64); err != nil {
			return fmt.Errorf("release lock on complete: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) Heartbeat(ctx context.Context, queueID int64) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE queue_entries SET heartbeat_at = ? WHERE id = ? AND status = 'running'`, timeText(time.Now()), queueID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "queue_entry", ID: fmt.Sprint(queueID)}
	}
	return nil
}

// ReleaseStaleLeases marks entries running with no heartbeat for staleAfter
// as timed out and releases their task locks, one transaction per entry via
// Complete.
func (b *Backend) ReleaseStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := timeText(time.Now().Add(-staleAfter))
	rows, err := b.db.QueryContext(ctx, `
		SELECT id FROM queue_entries
		WHERE status = 'running' AND heartbeat_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale leases: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale lease: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		if err := b.Complete(ctx, id, model.QueueTimeout); err != nil {
			return n, fmt.Errorf("release stale lease %d: %w", id, err)
		}
		n++
	}
	return n, nil
}

func (b *Backend) GetQueueEntry(ctx context.Context, id int64) (*model.QueueEntry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, external_item_id, task_id, status, priority, trigger, payload, executor_task_id,
			created_at, leased_at, heartbeat_at, completed_at
		FROM queue_entries WHERE id = ?`, id)
	e, err := scanQueueEntryRow(row)
	if err == sql.ErrNoRows {
		return nil, &tferrors.NotFoundError{Resource: "queue_entry", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}
