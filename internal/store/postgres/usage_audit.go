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
	"fmt"
	"time"

	"github.com/ticketflow/ticketflow/internal/model"
)

func (b *Backend) RecordAIUsage(ctx context.Context, usage *model.AIUsage) error {
	const q = `
		INSERT INTO ai_usage (run_id, task_id, provider, model, operation, input_tokens, output_tokens,
			estimated_cost, duration_ms, success, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at`
	err := b.db.QueryRowContext(ctx, q, usage.RunID, usage.TaskID, usage.Provider, usage.Model,
		usage.Operation, usage.InputTokens, usage.OutputTokens, usage.EstimatedCost, usage.DurationMS,
		usage.Success, nullableString(usage.Error),
	).Scan(&usage.ID, &usage.CreatedAt)
	if err != nil {
		return fmt.Errorf("record AI usage: %w", err)
	}
	return nil
}

func (b *Backend) SumCostByRun(ctx context.Context, runID int64) (float64, error) {
	var total float64
	if err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_cost), 0) FROM ai_usage WHERE run_id = $1`, runID,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum AI usage cost: %w", err)
	}
	return total, nil
}

func (b *Backend) RecordAudit(ctx context.Context, entry *model.AuditEntry) error {
	if entry.Severity == "" {
		entry.Severity = model.AuditInfo
	}
	const q = `
		INSERT INTO audit_log (actor_id, action, resource, severity, detail)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`
	err := b.db.QueryRowContext(ctx, q, entry.ActorID, entry.Action, entry.Resource, entry.Severity,
		entry.Detail,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

func (b *Backend) PurgeAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return res.RowsAffected()
}
