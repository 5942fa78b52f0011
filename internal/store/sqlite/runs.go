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

// CreateRun relies on idx_runs_one_active_per_task to enforce at most one
// run per task in {started, running} even under concurrent leases; a
// violation surfaces as a unique-constraint error.
func (b *Backend) CreateRun(ctx context.Context, run *model.Run) error {
	if run.RunNumber == 0 {
		var max sql.NullInt32
		if err := b.db.QueryRowContext(ctx, `SELECT MAX(run_number) FROM runs WHERE task_id = ?`, run.TaskID).Scan(&max); err != nil {
			return fmt.Errorf("determine run number: %w", err)
		}
		run.RunNumber = int(max.Int32) + 1
	}
	if run.Status == "" {
		run.Status = model.RunStarted
	}
	now := time.Now()
	const q = `
		INSERT INTO runs (task_id, run_number, status, executor_id, result_blob, error_blob,
			branch_name, pr_url, is_reactivation, parent_run_id, reactivation_count, current_node,
			started_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`
	qErr := b.db.QueryRowContext(ctx, q, run.TaskID, run.RunNumber, run.Status, run.ExecutorID,
		nullableBlob(run.ResultBlob), nullableBlob(run.ErrorBlob), run.BranchName, run.PRURL,
		boolToInt(run.IsReactivation), run.ParentRunID, run.ReactivationCount, run.CurrentNode,
		timeText(now), timeText(now), timeText(now),
	).Scan(&run.ID)
	if qErr != nil {
		if isUniqueViolation(qErr) {
			return &tferrors.InvariantError{Invariant: "single_active_run", Detail: fmt.Sprintf("task %d", run.TaskID)}
		}
		return fmt.Errorf("create run: %w", qErr)
	}
	run.StartedAt, run.CreatedAt, run.UpdatedAt = now, now, now
	return nil
}

const runColumns = `id, task_id, run_number, status, executor_id, started_at, ended_at, duration_ms,
	result_blob, error_blob, branch_name, pr_url, is_reactivation, parent_run_id, reactivation_count,
	current_node, debug_attempts, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var r model.Run
	var executorID, branchName, prURL, currentNode sql.NullString
	var startedAt, createdAt, updatedAt string
	var endedAt sql.NullString
	var durationMS sql.NullInt64
	var resultBlob, errorBlob []byte
	var parentRunID sql.NullInt64
	err := row.Scan(&r.ID, &r.TaskID, &r.RunNumber, &r.Status, &executorID, &startedAt, &endedAt,
		&durationMS, &resultBlob, &errorBlob, &branchName, &prURL, &r.IsReactivation, &parentRunID,
		&r.ReactivationCount, &currentNode, &r.DebugAttempts, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.ExecutorID, r.BranchName, r.PRURL, r.CurrentNode = executorID.String, branchName.String, prURL.String, currentNode.String
	r.ResultBlob, r.ErrorBlob = resultBlob, errorBlob
	if durationMS.Valid {
		r.DurationMS = durationMS.Int64
	}
	if parentRunID.Valid {
		v := parentRunID.Int64
		r.ParentRunID = &v
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		v, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		r.EndedAt = &v
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (b *Backend) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &tferrors.NotFoundError{Resource: "run", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (b *Backend) GetActiveRun(ctx context.Context, taskID int64) (*model.Run, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? AND status IN ('started','running') LIMIT 1`, taskID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active run: %w", err)
	}
	return r, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *model.Run) error {
	const q = `
		UPDATE runs SET status=?, executor_id=?, ended_at=?, duration_ms=?, result_blob=?,
			error_blob=?, branch_name=?, pr_url=?, reactivation_count=?, current_node=?,
			debug_attempts=?, updated_at=?
		WHERE id=?`
	res, err := b.db.ExecContext(ctx, q, run.Status, nullableString(run.ExecutorID), timeTextPtr(run.EndedAt),
		nullableInt(run.DurationMS), nullableBlob(run.ResultBlob), nullableBlob(run.ErrorBlob),
		nullableString(run.BranchName), nullableString(run.PRURL), run.ReactivationCount,
		nullableString(run.CurrentNode), run.DebugAttempts, timeText(time.Now()), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "run", ID: fmt.Sprint(run.ID)}
	}
	return nil
}

func (b *Backend) ListRunsByTask(ctx context.Context, taskID int64) ([]*model.Run, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY run_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
