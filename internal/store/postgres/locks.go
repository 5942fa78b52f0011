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

	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

// TryAcquireLock performs the single compare-and-set described in §4.2
// "Locking": is_locked=false OR locked_at < now-maxAge. The UPDATE's WHERE
// clause encodes the CAS so two concurrent callers can never both see
// RowsAffected()==1.
func (b *Backend) TryAcquireLock(ctx context.Context, taskID int64, owner string, maxAge time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET is_locked = TRUE, locked_at = NOW(), lock_owner = $1
		WHERE id = $2 AND (is_locked = FALSE OR locked_at < NOW() - $3::interval)`,
		owner, taskID, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return false, fmt.Errorf("try acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *Backend) ReleaseLock(ctx context.Context, taskID int64) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET is_locked = FALSE, locked_at = NULL, lock_owner = NULL WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.NotFoundError{Resource: "task", ID: fmt.Sprint(taskID)}
	}
	return nil
}

func (b *Backend) RefreshLock(ctx context.Context, taskID int64, owner string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET locked_at = NOW() WHERE id = $1 AND is_locked = TRUE AND lock_owner = $2`,
		taskID, owner)
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &tferrors.InvariantError{Invariant: "lock_ownership", Detail: fmt.Sprintf("task %d not held by %s", taskID, owner)}
	}
	return nil
}
