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
)

func (b *Backend) GetCooldown(ctx context.Context, taskID int64) (*model.Cooldown, error) {
	var c model.Cooldown
	var until string
	err := b.db.QueryRowContext(ctx,
		`SELECT task_id, until, type, failed_attempts FROM cooldowns WHERE task_id = ?`, taskID,
	).Scan(&c.TaskID, &until, &c.Type, &c.FailedAttempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}
	if c.Until, err = parseTime(until); err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *Backend) SetCooldown(ctx context.Context, cooldown *model.Cooldown) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cooldowns (task_id, until, type, failed_attempts)
		VALUES (?,?,?,?)
		ON CONFLICT (task_id) DO UPDATE SET until = excluded.until, type = excluded.type,
			failed_attempts = excluded.failed_attempts`,
		cooldown.TaskID, timeText(cooldown.Until), cooldown.Type, cooldown.FailedAttempts)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

func (b *Backend) ClearCooldown(ctx context.Context, taskID int64) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}
