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

func (b *Backend) CreateValidation(ctx context.Context, v *model.HumanValidation) error {
	generatedCode, err := jsonEncode(v.GeneratedCode)
	if err != nil {
		return fmt.Errorf("encode generated_code: %w", err)
	}
	filesModified, err := jsonEncode(v.FilesModified)
	if err != nil {
		return fmt.Errorf("encode files_modified: %w", err)
	}
	if v.Status == "" {
		v.Status = model.ValidationPending
	}
	now := time.Now()
	const q = `
		INSERT INTO human_validations (task_id, run_id, step_id, title, generated_code, summary,
			files_modified, status, is_retry, parent_validation_id, created_at, expires_at, tracker_update_id,
			creator_id, creator_email, creator_name)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`
	qErr := b.db.QueryRowContext(ctx, q, v.TaskID, v.RunID, nullableInt(v.StepID), v.Title,
		generatedCode, v.Summary, filesModified, v.Status, boolToInt(v.IsRetry), v.ParentValidationID,
		timeText(now), timeText(v.ExpiresAt), v.TrackerUpdateID, v.CreatorID, v.CreatorEmail, v.CreatorName,
	).Scan(&v.ID)
	if qErr != nil {
		return fmt.Errorf("create human validation: %w", qErr)
	}
	v.CreatedAt = now
	return nil
}

const validationColumns = `id, task_id, run_id, step_id, title, generated_code, summary, files_modified,
	status, rejection_count, is_retry, parent_validation_id, created_at, expires_at, tracker_update_id,
	creator_id, creator_email, creator_name, reminder_sent_at, unauthorized_attempts,
	response_status, comments, modification_instructions, should_merge, should_continue_workflow,
	should_retry_workflow, validation_duration_seconds, response_author_id, response_author_email`

func scanValidation(row interface{ Scan(...any) error }) (*model.HumanValidation, error) {
	var v model.HumanValidation
	var stepID, parentValidationID sql.NullInt64
	var generatedCode, filesModified []byte
	var createdAt, expiresAt string
	var reminderSentAt sql.NullString
	var responseStatus, comments, modInstructions, responseAuthorID, responseAuthorEmail sql.NullString
	var validationDuration sql.NullFloat64

	err := row.Scan(&v.ID, &v.TaskID, &v.RunID, &stepID, &v.Title, &generatedCode, &v.Summary, &filesModified,
		&v.Status, &v.RejectionCount, &v.IsRetry, &parentValidationID, &createdAt, &expiresAt,
		&v.TrackerUpdateID, &v.CreatorID, &v.CreatorEmail, &v.CreatorName, &reminderSentAt,
		&v.UnauthorizedAttempts, &responseStatus, &comments, &modInstructions, &v.ShouldMerge,
		&v.ShouldContinueWorkflow, &v.ShouldRetryWorkflow, &validationDuration, &responseAuthorID,
		&responseAuthorEmail)
	if err != nil {
		return nil, err
	}
	if stepID.Valid {
		v.StepID = stepID.Int64
	}
	if parentValidationID.Valid {
		pv := parentValidationID.Int64
		v.ParentValidationID = &pv
	}
	if len(generatedCode) > 0 {
		_ = jsonDecode(generatedCode, &v.GeneratedCode)
	}
	if len(filesModified) > 0 {
		_ = jsonDecode(filesModified, &v.FilesModified)
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if v.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if reminderSentAt.Valid {
		t, err := parseTime(reminderSentAt.String)
		if err != nil {
			return nil, err
		}
		v.ReminderSentAt = &t
	}
	v.ResponseStatus, v.Comments, v.ModificationInstructions = responseStatus.String, comments.String, modInstructions.String
	v.ResponseAuthorID, v.ResponseAuthorEmail = responseAuthorID.String, responseAuthorEmail.String
	v.ValidationDurationSeconds = validationDuration.Float64
	return &v, nil
}

func (b *Backend) GetValidation(ctx context.Context, id int64) (*model.HumanValidation, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM human_validations WHERE id = ?`, id)
	v, err := scanValidation(row)
	if err == sql.ErrNoRows {
		return nil, &tferrors.NotFoundError{Resource: "human_validation", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get human validation: %w", err)
	}
	return v, nil
}

func (b *Backend) UpdateValidation(ctx context.Context, v *model.HumanValidation) error {
	const q = `
		UPDATE human_validations SET status=?, rejection_count=?, reminder_sent_at=?,
			unauthorized_attempts=?, response_status=?, comments=?, modification_instructions=?,
			should_merge=?, should_continue_workflow=?, should_retry_workflow=?,
			validation_duration_seconds=?, response_author_id=?, response_author_email=?
		WHERE id=?`
	res, err := b.db.ExecContext(ctx, q, v.Status, v.RejectionCount, timeTextPtr(v.ReminderSentAt),
		v.UnauthorizedAttempts, nullableString(v.ResponseStatus), nullableString(v.Comments),
		nullableString(v.ModificationInstructions), boolToInt(v.ShouldMerge), boolToInt(v.ShouldContinueWorkflow),
		boolToInt(v.ShouldRetryWorkflow), v.ValidationDurationSeconds,
		nullableString(v.ResponseAuthorID), nullableString(v.ResponseAuthorEmail), v.ID)
	if err != nil {
		return fmt.Errorf("update human validation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "human_validation", ID: fmt.Sprint(v.ID)}
	}
	return nil
}

func (b *Backend) PendingValidations(ctx context.Context) ([]*model.HumanValidation, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+validationColumns+` FROM human_validations WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending validations: %w", err)
	}
	defer rows.Close()
	var out []*model.HumanValidation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan human validation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LineageRejectionCount walks parent_validation_id to sum rejection_count
// across the lineage, used to enforce the "never a 4th rejection" invariant
// before a new rejection is recorded. SQLite's WITH RECURSIVE carries over
// unchanged from the postgres dialect.
func (b *Backend) LineageRejectionCount(ctx context.Context, validationID int64) (int, error) {
	const q = `
		WITH RECURSIVE lineage AS (
			SELECT id, parent_validation_id, rejection_count FROM human_validations WHERE id = ?
			UNION ALL
			SELECT h.id, h.parent_validation_id, h.rejection_count
			FROM human_validations h
			JOIN lineage l ON h.id = l.parent_validation_id
		)
		SELECT COALESCE(SUM(rejection_count), 0) FROM lineage`
	var total int
	if err := b.db.QueryRowContext(ctx, q, validationID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum lineage rejections: %w", err)
	}
	return total, nil
}
