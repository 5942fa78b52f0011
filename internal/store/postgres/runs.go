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

// CreateRun relies on idx_runs_one_active_per_task to enforce §8 invariant
// #1 (at most one run per task in {started, running}) even under
// concurrent leases; a violation surfaces as a unique-constraint error.
func (b *Backend) CreateRun(ctx context.Context, run *model.Run) error {
	if run.RunNumber == 0 {
		var max sql.NullInt32
		if err := b.db.QueryRowContext(ctx, `SELECT MAX(run_number) FROM runs WHERE task_id = $1`, run.TaskID).Scan(&max); err != nil {
			return fmt.Errorf("determine run number: %w", err)
		}
		run.RunNumber = int(max.Int32) + 1
	}
	resultBlob := nullableBlob(run.ResultBlob)
	errorBlob := nullableBlob(run.ErrorBlob)

	const q = `
		INSERT INTO runs (task_id, run_number, status, executor_id, result_blob, error_blob,
			branch_name, pr_url, is_reactivation, parent_run_id, reactivation_count, current_node)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, started_at, created_at, updated_at`
	if run.Status == "" {
		run.Status = model.RunStarted
	}
	qErr := b.db.QueryRowContext(ctx, q, run.TaskID, run.RunNumber, run.Status, run.ExecutorID,
		resultBlob, errorBlob, run.BranchName, run.PRURL, run.IsReactivation, run.ParentRunID,
		run.ReactivationCount, run.CurrentNode,
	).Scan(&run.ID, &run.StartedAt, &run.CreatedAt, &run.UpdatedAt)
	if qErr != nil {
		if isUniqueViolation(qErr) {
			return &tferrors.InvariantError{Invariant: "single_active_run", Detail: fmt.Sprintf("task %d", run.TaskID)}
		}
		return fmt.Errorf("create run: %w", qErr)
	}
	return nil
}

const runColumns = `id, task_id, run_number, status, executor_id, started_at, ended_at, duration_ms,
	result_blob, error_blob, branch_name, pr_url, is_reactivation, parent_run_id, reactivation_count,
	current_node, debug_attempts, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var r model.Run
	var executorID, branchName, prURL, currentNode sql.NullString
	var endedAt sql.NullTime
	var durationMS sql.NullInt64
	var resultBlob, errorBlob []byte
	var parentRunID sql.NullInt64
	err := row.Scan(&r.ID, &r.TaskID, &r.RunNumber, &r.Status, &executorID, &r.StartedAt, &endedAt,
		&durationMS, &resultBlob, &errorBlob, &branchName, &prURL, &r.IsReactivation, &parentRunID,
		&r.ReactivationCount, &currentNode, &r.DebugAttempts, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ExecutorID, r.BranchName, r.PRURL, r.CurrentNode = executorID.String, branchName.String, prURL.String, currentNode.String
	r.ResultBlob, r.ErrorBlob = resultBlob, errorBlob
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	if durationMS.Valid {
		r.DurationMS = durationMS.Int64
	}
	if parentRunID.Valid {
		v := parentRunID.Int64
		r.ParentRunID = &v
	}
	return &r, nil
}

func (b *Backend) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
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
		`SELECT `+runColumns+` FROM runs WHERE task_id = $1 AND status IN ('started','running') LIMIT 1`, taskID)
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
	resultBlob := nullableBlob(run.ResultBlob)
	errorBlob := nullableBlob(run.ErrorBlob)
	const q = `
		UPDATE runs SET status=$1, executor_id=$2, ended_at=$3, duration_ms=$4, result_blob=$5,
			error_blob=$6, branch_name=$7, pr_url=$8, reactivation_count=$9, current_node=$10,
			debug_attempts=$11, updated_at=NOW()
		WHERE id=$12`
	res, err := b.db.ExecContext(ctx, q, run.Status, nullableString(run.ExecutorID), run.EndedAt,
		nullableInt(run.DurationMS), resultBlob, errorBlob, nullableString(run.BranchName),
		nullableString(run.PRURL), run.ReactivationCount, nullableString(run.CurrentNode),
		run.DebugAttempts, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "run", ID: fmt.Sprint(run.ID)}
	}
	return nil
}

func (b *Backend) ListRunsByTask(ctx context.Context, taskID int64) ([]*model.Run, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE task_id = $1 ORDER BY run_number`, taskID)
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
