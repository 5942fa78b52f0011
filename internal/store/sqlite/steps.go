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

	"github.com/ticketflow/ticketflow/internal/model"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

// CreateStep relies on UNIQUE(run_id, "order") so step order stays strictly
// increasing and never skipped, enforced by the schema rather than just the
// engine's bookkeeping.
func (b *Backend) CreateStep(ctx context.Context, step *model.Step) error {
	if step.CheckpointVersion == 0 {
		step.CheckpointVersion = 1
	}
	const q = `
		INSERT INTO steps (run_id, node_name, "order", status, retry_count, max_retries,
			input_blob, started_at)
		VALUES (?,?,?,?,?,?,?,?)
		RETURNING id`
	err := b.db.QueryRowContext(ctx, q, step.RunID, step.NodeName, step.Order, step.Status,
		step.RetryCount, step.MaxRetries, nullableBlob(step.InputBlob), timeTextPtr(step.StartedAt),
	).Scan(&step.ID)
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

const stepColumns = `id, run_id, node_name, "order", status, retry_count, max_retries, input_blob,
	output_blob, error_blob, checkpoint_blob, checkpoint_version, started_at, completed_at, checkpoint_saved_at`

func scanStep(row interface{ Scan(...any) error }) (*model.Step, error) {
	var s model.Step
	var startedAt, completedAt, checkpointSavedAt sql.NullString
	err := row.Scan(&s.ID, &s.RunID, &s.NodeName, &s.Order, &s.Status, &s.RetryCount, &s.MaxRetries,
		&s.InputBlob, &s.OutputBlob, &s.ErrorBlob, &s.CheckpointBlob, &s.CheckpointVersion,
		&startedAt, &completedAt, &checkpointSavedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		v, err := parseTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		s.StartedAt = &v
	}
	if completedAt.Valid {
		v, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		s.CompletedAt = &v
	}
	if checkpointSavedAt.Valid {
		v, err := parseTime(checkpointSavedAt.String)
		if err != nil {
			return nil, err
		}
		s.CheckpointSavedAt = &v
	}
	return &s, nil
}

func (b *Backend) GetStep(ctx context.Context, id int64) (*model.Step, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &tferrors.NotFoundError{Resource: "step", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return s, nil
}

func (b *Backend) UpdateStep(ctx context.Context, step *model.Step) error {
	const q = `
		UPDATE steps SET status=?, retry_count=?, output_blob=?, error_blob=?, checkpoint_blob=?,
			checkpoint_version=?, completed_at=?, checkpoint_saved_at=?
		WHERE id=?`
	res, err := b.db.ExecContext(ctx, q, step.Status, step.RetryCount, nullableBlob(step.OutputBlob),
		nullableBlob(step.ErrorBlob), nullableBlob(step.CheckpointBlob), step.CheckpointVersion,
		timeTextPtr(step.CompletedAt), timeTextPtr(step.CheckpointSavedAt), step.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "step", ID: fmt.Sprint(step.ID)}
	}
	return nil
}

func (b *Backend) ListStepsByRun(ctx context.Context, runID int64) ([]*model.Step, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY "order"`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []*model.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) LatestStep(ctx context.Context, runID int64) (*model.Step, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY "order" DESC LIMIT 1`, runID)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest step: %w", err)
	}
	return s, nil
}
