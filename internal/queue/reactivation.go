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
	"log/slog"
	"math"
	"time"

	"github.com/ticketflow/ticketflow/internal/metrics"
	"github.com/ticketflow/ticketflow/internal/model"
)

// Decision is the outcome of TryReactivate, per §4.2's enumerated return
// values.
type Decision string

const (
	DecisionAllowed       Decision = "allowed"
	DecisionLocked        Decision = "locked"
	DecisionInCooldown    Decision = "in_cooldown"
	DecisionMaxReached    Decision = "max_reached"
	DecisionAlreadyActive Decision = "already_active"
)

const maxReactivationDefault = 5

// ReactivationResult carries the decision plus whatever context the caller
// needs to act on it (remaining cooldown seconds, the new run if allowed).
type ReactivationResult struct {
	Decision         Decision
	RemainingSeconds int
	NewRun           *model.Run
}

// TriggerRequest carries the classification context needed to evaluate a
// reactivation (§4.1/§4.2).
type TriggerRequest struct {
	Trigger            model.TriggerType
	UpdateID           string
	UpdateData         []byte
	ExplicitReopen     bool // status_change event explicitly requests reopening
	MaxReactivations   int  // 0 uses maxReactivationDefault
}

// TryReactivate implements the decision algorithm of §4.2, evaluated in
// the order the spec lists: reactivable status, lock, cooldown, max count,
// then the atomic acquire-and-start.
//
// Open Question #1 (§9): whether a status_change-triggered reactivation
// from completed -> in_progress should bypass cooldown. This
// implementation does NOT bypass cooldown for any trigger type -- a
// reopened ticket still respects the cooldown window, since nothing in the
// spec's cooldown policy (§4.2) scopes it to trigger_type=update only, and
// bypassing it would let a flapping tracker status reopen a ticket faster
// than a comment could. See DESIGN.md for the recorded rationale.
func (g *Guard) TryReactivate(ctx context.Context, taskID int64, req TriggerRequest) (*ReactivationResult, error) {
	maxReactivations := req.MaxReactivations
	if maxReactivations <= 0 {
		maxReactivations = maxReactivationDefault
	}

	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	reactivable := task.Status == model.TaskCompleted || task.Status == model.TaskFailed
	if !reactivable && !req.ExplicitReopen {
		metrics.ReactivationsTotal.WithLabelValues(string(DecisionAlreadyActive)).Inc()
		return &ReactivationResult{Decision: DecisionAlreadyActive}, nil
	}

	if task.IsLocked && task.LockedAt != nil && time.Since(*task.LockedAt) < staleLeaseAge {
		g.recordRefusal(ctx, taskID, req, "locked")
		metrics.ReactivationsTotal.WithLabelValues(string(DecisionLocked)).Inc()
		return &ReactivationResult{Decision: DecisionLocked}, nil
	}

	cooldown, err := g.store.GetCooldown(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cooldown != nil && cooldown.Until.After(time.Now()) {
		g.recordRefusal(ctx, taskID, req, "cooldown")
		metrics.ReactivationsTotal.WithLabelValues(string(DecisionInCooldown)).Inc()
		return &ReactivationResult{
			Decision:         DecisionInCooldown,
			RemainingSeconds: int(math.Ceil(time.Until(cooldown.Until).Seconds())),
		}, nil
	}

	if task.ReactivationCount >= maxReactivations {
		g.recordRefusal(ctx, taskID, req, "max_reached")
		metrics.ReactivationsTotal.WithLabelValues(string(DecisionMaxReached)).Inc()
		return &ReactivationResult{Decision: DecisionMaxReached}, nil
	}

	// §4.1 "Deduplication": the (task_id, update_id) dedup insert happens
	// before any lock or task/run mutation, so the loser of a same-second
	// duplicate (Open Question #2) returns already_active having touched no
	// state at all -- no lock taken, no count bumped, no dangling Run (§8
	// invariant #1).
	rec := &model.ReactivationRecord{
		TaskID:     taskID,
		UpdateID:   req.UpdateID,
		Trigger:    req.Trigger,
		UpdateData: req.UpdateData,
		Status:     model.ReactivationProcessing,
	}
	created, err := g.store.CreateReactivationRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		g.logger.Warn("dropped duplicate reactivation", slog.Int64("task_id", taskID), slog.String("update_id", req.UpdateID))
		metrics.ReactivationsTotal.WithLabelValues(string(DecisionAlreadyActive)).Inc()
		return &ReactivationResult{Decision: DecisionAlreadyActive}, nil
	}

	acquired, err := g.store.TryAcquireLock(ctx, taskID, "reactivation", staleLeaseAge)
	if err != nil {
		return nil, err
	}
	if !acquired {
		rec.Status, rec.FailReason = model.ReactivationFailed, "locked"
		if err := g.store.UpdateReactivationRecord(ctx, rec); err != nil {
			g.logger.Warn("failed to record refused reactivation", slog.Int64("task_id", taskID), slog.Any("error", err))
		}
		metrics.ReactivationsTotal.WithLabelValues(string(DecisionLocked)).Inc()
		return &ReactivationResult{Decision: DecisionLocked}, nil
	}

	task.ReactivationCount++
	task.PreviousStatus = task.Status
	if err := g.store.UpdateTaskStatus(ctx, taskID, model.TaskProcessing); err != nil {
		_ = g.store.ReleaseLock(ctx, taskID)
		rec.Status, rec.FailReason = model.ReactivationFailed, "error"
		_ = g.store.UpdateReactivationRecord(ctx, rec)
		return nil, err
	}
	task.Status = model.TaskProcessing
	if err := g.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	runs, err := g.store.ListRunsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var parentRunID *int64
	if len(runs) > 0 {
		id := runs[len(runs)-1].ID
		parentRunID = &id
	}

	newRun := &model.Run{
		TaskID:            taskID,
		Status:            model.RunStarted,
		IsReactivation:    true,
		ParentRunID:       parentRunID,
		ReactivationCount: task.ReactivationCount,
	}
	if err := g.store.CreateRun(ctx, newRun); err != nil {
		return nil, err
	}

	rec.RunID = &newRun.ID
	if err := g.store.UpdateReactivationRecord(ctx, rec); err != nil {
		g.logger.Warn("failed to attach run to reactivation record", slog.Int64("task_id", taskID), slog.Any("error", err))
	}

	metrics.ReactivationsTotal.WithLabelValues(string(DecisionAllowed)).Inc()
	return &ReactivationResult{Decision: DecisionAllowed, NewRun: newRun}, nil
}

// recordRefusal persists the audit row §3 requires for a reactivation
// attempt refused before the lock/dedup stage (locked, cooldown,
// max_reached). Logged, not returned: a failure to write the audit row
// must not change the caller's decision.
func (g *Guard) recordRefusal(ctx context.Context, taskID int64, req TriggerRequest, reason string) {
	rec := &model.ReactivationRecord{
		TaskID:     taskID,
		UpdateID:   req.UpdateID,
		Trigger:    req.Trigger,
		UpdateData: req.UpdateData,
		Status:     model.ReactivationFailed,
		FailReason: reason,
	}
	if _, err := g.store.CreateReactivationRecord(ctx, rec); err != nil {
		g.logger.Warn("failed to record refused reactivation", slog.Int64("task_id", taskID), slog.String("reason", reason), slog.Any("error", err))
	}
}

// RecordReactivationOutcome applies the cooldown policy of §4.2 after a
// reactivation's run reaches a terminal state.
//
// On failure: failed_reactivation_attempts += 1; cooldown = normal (5 min)
// if attempts <= 2, aggressive (15 min) if attempts <= 4, otherwise
// exponential backoff capped at 60 min.
//
// On success: failed_reactivation_attempts resets to 0 and any cooldown is
// cleared.
func (g *Guard) RecordReactivationOutcome(ctx context.Context, taskID int64, succeeded bool) error {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if succeeded {
		task.FailedReactivationAttempts = 0
		if err := g.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		return g.store.ClearCooldown(ctx, taskID)
	}

	task.FailedReactivationAttempts++
	attempts := task.FailedReactivationAttempts

	var cooldownType model.CooldownType
	var duration time.Duration
	switch {
	case attempts <= 2:
		cooldownType, duration = model.CooldownNormal, 5*time.Minute
	case attempts <= 4:
		cooldownType, duration = model.CooldownAggressive, 15*time.Minute
	default:
		cooldownType = model.CooldownBackoff
		minutes := math.Min(60, 5*math.Pow(2, float64(attempts)))
		duration = time.Duration(minutes) * time.Minute
	}

	if err := g.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	return g.store.SetCooldown(ctx, &model.Cooldown{
		TaskID:         taskID,
		Until:          time.Now().Add(duration),
		Type:           cooldownType,
		FailedAttempts: attempts,
	})
}
