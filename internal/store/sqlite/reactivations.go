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

// CreateReactivationRecord relies on idx_reactivation_unique_update. A
// unique-violation is not an error to the caller: deduplication calls for a
// silent drop with a log line, which the caller emits when this returns
// (false, nil).
func (b *Backend) CreateReactivationRecord(ctx context.Context, rec *model.ReactivationRecord) (bool, error) {
	if rec.Status == "" {
		rec.Status = model.ReactivationPending
	}
	now := time.Now()
	const q = `
		INSERT INTO reactivation_records (task_id, update_id, trigger, update_data, status, fail_reason, run_id, started_at)
		VALUES (?,?,?,?,?,?,?,?)
		RETURNING id`
	qErr := b.db.QueryRowContext(ctx, q, rec.TaskID, nullableString(rec.UpdateID), rec.Trigger,
		nullableBlob(rec.UpdateData), rec.Status, nullableString(rec.FailReason), rec.RunID, timeText(now),
	).Scan(&rec.ID)
	if qErr != nil {
		if isUniqueViolation(qErr) {
			return false, nil
		}
		return false, fmt.Errorf("create reactivation record: %w", qErr)
	}
	rec.StartedAt = now
	return true, nil
}

func (b *Backend) UpdateReactivationRecord(ctx context.Context, rec *model.ReactivationRecord) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE reactivation_records SET status = ?, fail_reason = ?, run_id = ?, completed_at = ?
		WHERE id = ?`,
		rec.Status, nullableString(rec.FailReason), rec.RunID, timeTextPtr(rec.CompletedAt), rec.ID)
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
		FROM reactivation_records WHERE task_id = ? ORDER BY started_at`, taskID)
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
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &updateID, &r.Trigger, &updateData, &r.Status, &failReason,
			&runID, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan reactivation record: %w", err)
		}
		r.UpdateID, r.FailReason, r.UpdateData = updateID.String, failReason.String, updateData
		if runID.Valid {
			v := runID.Int64
			r.RunID = &v
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			v, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			r.CompletedAt = &v
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
