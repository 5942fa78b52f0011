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

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ticketflow/ticketflow/internal/model"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

func (b *Backend) CreateTask(ctx context.Context, task *model.Task) error {
	const q = `
		INSERT INTO tasks (source, external_item_id, title, description, priority,
			repository_url, default_branch, status, tracker_status,
			creator_id, creator_name, creator_email)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, created_at, updated_at`
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	if task.DefaultBranch == "" {
		task.DefaultBranch = "main"
	}
	err := b.db.QueryRowContext(ctx, q, task.Source, task.ExternalItemID, task.Title, task.Description,
		task.Priority, task.RepositoryURL, task.DefaultBranch, task.Status, task.TrackerStatus,
		task.CreatorID, task.CreatorName, task.CreatorEmail,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, source, external_item_id, title, description, priority, repository_url,
	default_branch, status, previous_status, tracker_status, creator_id, creator_name, creator_email,
	is_locked, locked_at, lock_owner, cooldown_until, reactivation_count, failed_reactivation_attempts,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var previousStatus, trackerStatus, lockOwner sql.NullString
	var lockedAt, cooldownUntil sql.NullTime
	err := row.Scan(&t.ID, &t.Source, &t.ExternalItemID, &t.Title, &t.Description, &t.Priority,
		&t.RepositoryURL, &t.DefaultBranch, &t.Status, &previousStatus, &trackerStatus,
		&t.CreatorID, &t.CreatorName, &t.CreatorEmail, &t.IsLocked, &lockedAt, &lockOwner,
		&cooldownUntil, &t.ReactivationCount, &t.FailedReactivationAttempts, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.PreviousStatus = model.TaskStatus(previousStatus.String)
	t.TrackerStatus = trackerStatus.String
	t.LockOwner = lockOwner.String
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	if cooldownUntil.Valid {
		t.CooldownUntil = &cooldownUntil.Time
	}
	return &t, nil
}

func (b *Backend) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
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
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source = $1 AND external_item_id = $2`,
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
// inside the same transaction as the write, so a racing caller can never
// observe (or persist) an illegal transition -- §7 "Logical" errors reject
// the write atomically.
func (b *Backend) UpdateTaskStatus(ctx context.Context, id int64, to model.TaskStatus) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	var from model.TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
		if err == sql.ErrNoRows {
			return &tferrors.NotFoundError{Resource: "task", ID: fmt.Sprint(id)}
		}
		return fmt.Errorf("lock task for transition: %w", err)
	}

	if !model.IsAllowedTransition(from, to) {
		return &tferrors.TransitionError{Entity: "task", From: string(from), To: string(to)}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET previous_status = status, status = $1, updated_at = NOW() WHERE id = $2`,
		to, id,
	); err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}

	return tx.Commit()
}

func (b *Backend) UpdateTask(ctx context.Context, task *model.Task) error {
	const q = `
		UPDATE tasks SET title=$1, description=$2, priority=$3, repository_url=$4, default_branch=$5,
			tracker_status=$6, creator_id=$7, creator_name=$8, creator_email=$9,
			is_locked=$10, locked_at=$11, lock_owner=$12, cooldown_until=$13,
			reactivation_count=$14, failed_reactivation_attempts=$15, updated_at=NOW()
		WHERE id=$16`
	res, err := b.db.ExecContext(ctx, q, task.Title, task.Description, task.Priority, task.RepositoryURL,
		task.DefaultBranch, task.TrackerStatus, task.CreatorID, task.CreatorName, task.CreatorEmail,
		task.IsLocked, task.LockedAt, nullableString(task.LockOwner), task.CooldownUntil,
		task.ReactivationCount, task.FailedReactivationAttempts, task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "task", ID: fmt.Sprint(task.ID)}
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
