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

func (b *Backend) CreateTask(ctx context.Context, task *model.Task) error {
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	if task.DefaultBranch == "" {
		task.DefaultBranch = "main"
	}
	now := time.Now()
	const q = `
		INSERT INTO tasks (source, external_item_id, title, description, priority,
			repository_url, default_branch, status, tracker_status,
			creator_id, creator_name, creator_email, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`
	if err := b.db.QueryRowContext(ctx, q, task.Source, task.ExternalItemID, task.Title, task.Description,
		task.Priority, task.RepositoryURL, task.DefaultBranch, task.Status, task.TrackerStatus,
		task.CreatorID, task.CreatorName, task.CreatorEmail, timeText(now), timeText(now),
	).Scan(&task.ID); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	task.CreatedAt, task.UpdatedAt = now, now
	return nil
}

const taskColumns = `id, source, external_item_id, title, description, priority, repository_url,
	default_branch, status, previous_status, tracker_status, creator_id, creator_name, creator_email,
	is_locked, locked_at, lock_owner, cooldown_until, reactivation_count, failed_reactivation_attempts,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var previousStatus, trackerStatus, lockOwner sql.NullString
	var lockedAt, cooldownUntil sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Source, &t.ExternalItemID, &t.Title, &t.Description, &t.Priority,
		&t.RepositoryURL, &t.DefaultBranch, &t.Status, &previousStatus, &trackerStatus,
		&t.CreatorID, &t.CreatorName, &t.CreatorEmail, &t.IsLocked, &lockedAt, &lockOwner,
		&cooldownUntil, &t.ReactivationCount, &t.FailedReactivationAttempts, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.PreviousStatus = model.TaskStatus(previousStatus.String)
	t.TrackerStatus = trackerStatus.String
	t.LockOwner = lockOwner.String
	if lockedAt.Valid {
		v, err := parseTime(lockedAt.String)
		if err != nil {
			return nil, err
		}
		t.LockedAt = &v
	}
	if cooldownUntil.Valid {
		v, err := parseTime(cooldownUntil.String)
		if err != nil {
			return nil, err
		}
		t.CooldownUntil = &v
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *Backend) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &tferrors.NotFoundError{Resource: "task", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (b *Backend) GetTaskBySource(ctx context.Context, source, externalItemID string) (*model.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source = ? AND external_item_id = ?`,
		source, externalItemID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &tferrors.NotFoundError{Resource: "task", ID: source + ":" + externalItemID}
	}
	if err != nil {
		return nil, fmt.Errorf("get task by source: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus validates the transition against model.AllowedTransitions
// inside the same transaction as the write, guarded by b.mu so a racing
// caller in this process can never observe an illegal transition.
func (b *Backend) UpdateTaskStatus(ctx context.Context, id int64, to model.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	var from model.TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&from); err != nil {
		if err == sql.ErrNoRows {
			return &tferrors.NotFoundError{Resource: "task", ID: fmt.Sprint(id)}
		}
		return fmt.Errorf("lock task for transition: %w", err)
	}

	if !model.IsAllowedTransition(from, to) {
		return &tferrors.TransitionError{Entity: "task", From: string(from), To: string(to)}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET previous_status = status, status = ?, updated_at = ? WHERE id = ?`,
		to, timeText(time.Now()), id,
	); err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}

	return tx.Commit()
}

func (b *Backend) UpdateTask(ctx context.Context, task *model.Task) error {
	const q = `
		UPDATE tasks SET title=?, description=?, priority=?, repository_url=?, default_branch=?,
			tracker_status=?, creator_id=?, creator_name=?, creator_email=?,
			is_locked=?, locked_at=?, lock_owner=?, cooldown_until=?,
			reactivation_count=?, failed_reactivation_attempts=?, updated_at=?
		WHERE id=?`
	res, err := b.db.ExecContext(ctx, q, task.Title, task.Description, task.Priority, task.RepositoryURL,
		task.DefaultBranch, task.TrackerStatus, task.CreatorID, task.CreatorName, task.CreatorEmail,
		boolToInt(task.IsLocked), timeTextPtr(task.LockedAt), nullableString(task.LockOwner),
		timeTextPtr(task.CooldownUntil), task.ReactivationCount, task.FailedReactivationAttempts,
		timeText(time.Now()), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "task", ID: fmt.Sprint(task.ID)}
	}
	return nil
}
