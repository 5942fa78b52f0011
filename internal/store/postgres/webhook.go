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
	"time"

	"github.com/ticketflow/ticketflow/internal/model"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

func (b *Backend) CreateWebhookEvent(ctx context.Context, evt *model.WebhookEvent) error {
	headers, err := jsonEncode(evt.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	const q = `
		INSERT INTO webhook_events (source, event_type, payload, headers, signature, processed, processing_status, related_task_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, received_at`
	err = b.db.QueryRowContext(ctx, q, evt.Source, evt.EventType, evt.Payload, headers, evt.Signature,
		evt.Processed, nullableString(evt.ProcessingStatus), evt.RelatedTaskID,
	).Scan(&evt.ID, &evt.ReceivedAt)
	if err != nil {
		return fmt.Errorf("create webhook event: %w", err)
	}
	return nil
}

func (b *Backend) MarkWebhookProcessed(ctx context.Context, id int64, status string, relatedTaskID *int64) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = TRUE, processing_status = $1, related_task_id = $2, processed_at = NOW() WHERE id = $3`,
		status, relatedTaskID, id)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "webhook_event", ID: fmt.Sprint(id)}
	}
	return nil
}

func (b *Backend) UnprocessedEvents(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, source, event_type, payload, headers, signature, processed, processing_status,
			related_task_id, received_at, processed_at
		FROM webhook_events WHERE processed = FALSE ORDER BY received_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*model.WebhookEvent
	for rows.Next() {
		var e model.WebhookEvent
		var eventType, processingStatus sql.NullString
		var headers []byte
		var relatedTaskID sql.NullInt64
		var processedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Source, &eventType, &e.Payload, &headers, &e.Signature, &e.Processed,
			&processingStatus, &relatedTaskID, &e.ReceivedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		e.EventType, e.ProcessingStatus = eventType.String, processingStatus.String
		if len(headers) > 0 {
			if err := jsonDecode(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("decode headers: %w", err)
			}
		}
		if relatedTaskID.Valid {
			v := relatedTaskID.Int64
			e.RelatedTaskID = &v
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (b *Backend) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return res.RowsAffected()
}
