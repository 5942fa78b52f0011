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

package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store/memory"
)

func newGuard(t *testing.T) (*Guard, *memory.Backend) {
	t.Helper()
	be := memory.New()
	return New(be, slog.New(slog.NewTextHandler(io.Discard, nil))), be
}

func seedCompletedTask(t *testing.T, be *memory.Backend) int64 {
	t.Helper()
	task := &model.Task{Source: "github", ExternalItemID: "100", Status: model.TaskPending}
	require.NoError(t, be.CreateTask(context.Background(), task))
	require.NoError(t, be.UpdateTaskStatus(context.Background(), task.ID, model.TaskProcessing))
	require.NoError(t, be.UpdateTaskStatus(context.Background(), task.ID, model.TaskCompleted))
	return task.ID
}

func TestTryReactivate_Allowed(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)

	res, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{
		Trigger: model.TriggerUpdate, UpdateID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, res.Decision)
	require.NotNil(t, res.NewRun)
	require.True(t, res.NewRun.IsReactivation)

	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskProcessing, task.Status)
	require.Equal(t, 1, task.ReactivationCount)
}

func TestTryReactivate_InCooldown(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	require.NoError(t, be.SetCooldown(context.Background(), &model.Cooldown{
		TaskID: taskID, Until: time.Now().Add(5 * time.Minute), Type: model.CooldownNormal,
	}))

	res, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "u2"})
	require.NoError(t, err)
	require.Equal(t, DecisionInCooldown, res.Decision)
	require.Greater(t, res.RemainingSeconds, 0)

	recs, err := be.ListReactivationsByTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.ReactivationFailed, recs[0].Status)
	require.Equal(t, "cooldown", recs[0].FailReason)
}

func TestTryReactivate_CooldownZeroRemainingPermitsLease(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	require.NoError(t, be.SetCooldown(context.Background(), &model.Cooldown{
		TaskID: taskID, Until: time.Now().Add(-time.Second), Type: model.CooldownNormal,
	}))

	res, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "u3"})
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, res.Decision)
}

func TestTryReactivate_MaxReached(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	task.ReactivationCount = 5
	require.NoError(t, be.UpdateTask(context.Background(), task))

	res, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "u4"})
	require.NoError(t, err)
	require.Equal(t, DecisionMaxReached, res.Decision)

	recs, err := be.ListReactivationsByTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.ReactivationFailed, recs[0].Status)
	require.Equal(t, "max_reached", recs[0].FailReason)
}

func TestTryReactivate_CountOneBelowMaxAllowed(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	task.ReactivationCount = 4
	require.NoError(t, be.UpdateTask(context.Background(), task))

	res, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "u5"})
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, res.Decision)

	task, err = be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, 5, task.ReactivationCount)
}

func TestTryReactivate_Locked(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	ok, err := be.TryAcquireLock(context.Background(), taskID, "other-worker", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "u6"})
	require.NoError(t, err)
	require.Equal(t, DecisionLocked, res.Decision)

	recs, err := be.ListReactivationsByTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.ReactivationFailed, recs[0].Status)
	require.Equal(t, "locked", recs[0].FailReason)
}

func TestTryReactivate_LockOlderThan30MinIsSweepable(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	past := time.Now().Add(-31 * time.Minute)
	task.IsLocked = true
	task.LockedAt = &past
	require.NoError(t, be.UpdateTask(context.Background(), task))

	res, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "u7"})
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, res.Decision)
}

func TestTryReactivate_DuplicateUpdateIDDropped(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)

	res1, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "dup"})
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, res1.Decision)

	// Force the task back into a reactivable state so only dedup is
	// exercised, not the reactivable-status check.
	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	task.Status = model.TaskCompleted
	require.NoError(t, be.UpdateTask(context.Background(), task))
	require.NoError(t, be.ReleaseLock(context.Background(), taskID))

	res2, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "dup"})
	require.NoError(t, err)
	require.Equal(t, DecisionAlreadyActive, res2.Decision)
}

// TestTryReactivate_DuplicateLeavesNoDanglingState covers Open Question
// #2's loser: the dedup check runs before the lock/count/Run mutations, so
// refusing a same-(task_id,update_id) duplicate must not bump the
// reactivation count, leave the task locked, or leave an extra Run behind.
func TestTryReactivate_DuplicateLeavesNoDanglingState(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)

	res1, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "dup2"})
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, res1.Decision)

	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	task.Status = model.TaskCompleted
	require.NoError(t, be.UpdateTask(context.Background(), task))
	require.NoError(t, be.ReleaseLock(context.Background(), taskID))

	runsBefore, err := be.ListRunsByTask(context.Background(), taskID)
	require.NoError(t, err)

	res2, err := g.TryReactivate(context.Background(), taskID, TriggerRequest{Trigger: model.TriggerUpdate, UpdateID: "dup2"})
	require.NoError(t, err)
	require.Equal(t, DecisionAlreadyActive, res2.Decision)

	runsAfter, err := be.ListRunsByTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, runsAfter, len(runsBefore), "the deduped attempt must not create a second Run")

	reloaded, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, task.ReactivationCount, reloaded.ReactivationCount, "the deduped attempt must not bump the count")
	require.False(t, reloaded.IsLocked, "the deduped attempt must not leave the lock held")
}

func TestRecordReactivationOutcome_CooldownEscalation(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)

	require.NoError(t, g.RecordReactivationOutcome(context.Background(), taskID, false))
	require.NoError(t, g.RecordReactivationOutcome(context.Background(), taskID, false))
	cooldown, err := be.GetCooldown(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.CooldownNormal, cooldown.Type)

	require.NoError(t, g.RecordReactivationOutcome(context.Background(), taskID, false))
	require.NoError(t, g.RecordReactivationOutcome(context.Background(), taskID, false))
	cooldown, err = be.GetCooldown(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.CooldownAggressive, cooldown.Type)

	require.NoError(t, g.RecordReactivationOutcome(context.Background(), taskID, false))
	cooldown, err = be.GetCooldown(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.CooldownBackoff, cooldown.Type)
}

func TestRecordReactivationOutcome_SuccessClearsCooldown(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	require.NoError(t, g.RecordReactivationOutcome(context.Background(), taskID, false))

	require.NoError(t, g.RecordReactivationOutcome(context.Background(), taskID, true))
	cooldown, err := be.GetCooldown(context.Background(), taskID)
	require.NoError(t, err)
	require.Nil(t, cooldown)

	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, 0, task.FailedReactivationAttempts)
}
