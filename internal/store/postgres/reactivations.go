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

// CreateReactivationRecord relies on idx_reactivation_unique_update for §8
// invariant #3. A unique-violation is not an error to the caller: §4.1
// "Deduplication" calls for a silent drop with a log line, which the
// caller (C1's classifier) emits when this returns (false, nil).
func (b *Backend) CreateReactivationRecord(ctx context.Context, rec *model.ReactivationRecord) (bool, error) {
	updateData := nullableBlob(rec.UpdateData)
	if rec.Status == "" {
		rec.Status = model.ReactivationPending
	}
	const q = `
		INSERT INTO reactivation_records (task_id, update_id, trigger, update_data, status, fail_reason, run_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, started_at`
	qErr := b.db.QueryRowContext(ctx, q, rec.TaskID, nullableString(rec.UpdateID), rec.Trigger, updateData,
		rec.Status, nullableString(rec.FailReason), rec.RunID,
	).Scan(&rec.ID, &rec.StartedAt)
	if qErr != nil {
		if isUniqueViolation(qErr) {
			return false, nil
		}
		return false, fmt.Errorf("create reactivation record: %w", qErr)
	}
	return true, nil
}

func (b *Backend) UpdateReactivationRecord(ctx context.Context, rec *model.ReactivationRecord) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE reactivation_records SET status = $1, fail_reason = $2, run_id = $3, completed_at = $4
		WHERE id = $5`,
		rec.Status, nullableString(rec.FailReason), rec.RunID, rec.CompletedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update reactivation record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "reactivation_record", ID: fmt.Sprint(rec.ID)}
	}
	return nil
}

func (b *Backend) ListReactivationsByTask(ctx context.Context, taskID int64) ([]*model.ReactivationRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, update_id, trigger, update_data, status, fail_reason, run_id, started_at, completed_at
		FROM reactivation_records WHERE task_id = $1 ORDER BY started_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reactivations: %w", err)
	}
	defer rows.Close()

	var out []*model.ReactivationRecord
	for rows.Next() {
		var r model.ReactivationRecord
		var updateID, failReason sql.NullString
		var updateData []byte
		var runID sql.NullInt64
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &updateID, &r.Trigger, &updateData, &r.Status, &failReason,
			&runID, &r.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan reactivation record: %w", err)
		}
		r.UpdateID, r.FailReason, r.UpdateData = updateID.String, failReason.String, updateData
		if runID.Valid {
			v := runID.Int64
			r.RunID = &v
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
