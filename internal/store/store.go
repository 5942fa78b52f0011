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

// Package store defines the ledger (C5) interfaces ticketflow's other
// components depend on.
//
// # Interface hierarchy
//
// Segregated per entity so a component that only touches Tasks and Runs
// (the workflow engine) does not need to depend on the validation or audit
// surface. Concrete backends (memory, postgres) implement every interface;
// the composite Store embeds them for callers that need the full surface.
package store

import (
	"context"
	"io"
	"time"

	"github.com/ticketflow/ticketflow/internal/model"
)

// TaskStore is the core interface for Task persistence.
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	GetTaskBySource(ctx context.Context, source, externalItemID string) (*model.Task, error)
	// UpdateTaskStatus applies a status transition, validated against
	// model.AllowedTransitions, in the same transaction as the Task row
	// update. Returns a *tferrors.TransitionError if illegal.
	UpdateTaskStatus(ctx context.Context, id int64, to model.TaskStatus) error
	UpdateTask(ctx context.Context, task *model.Task) error
}

// RunStore is the core interface for Run persistence.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id int64) (*model.Run, error)
	// GetActiveRun returns the task's run with status in {started, running},
	// or nil if none (invariant #1 of §8).
	GetActiveRun(ctx context.Context, taskID int64) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRunsByTask(ctx context.Context, taskID int64) ([]*model.Run, error)
}

// StepStore is the core interface for Step persistence. Steps are
// append-only; UpdateStep only changes status/output/checkpoint fields of
// an already-inserted row.
type StepStore interface {
	CreateStep(ctx context.Context, step *model.Step) error
	GetStep(ctx context.Context, id int64) (*model.Step, error)
	UpdateStep(ctx context.Context, step *model.Step) error
	ListStepsByRun(ctx context.Context, runID int64) ([]*model.Step, error)
	// LatestStep returns the most recently created step of a run, or nil.
	LatestStep(ctx context.Context, runID int64) (*model.Step, error)
}

// WebhookEventStore persists raw ingress events (C1).
type WebhookEventStore interface {
	CreateWebhookEvent(ctx context.Context, evt *model.WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id int64, status string, relatedTaskID *int64) error
	// UnprocessedEvents returns events with processed=false for the retry
	// sweeper (§4.1 "Failure semantics").
	UnprocessedEvents(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
	// PurgeOlderThan deletes WebhookEvents received before cutoff (§4.5
	// "Retention").
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueStore is the durable per-ticket queue (C2).
type QueueStore interface {
	Enqueue(ctx context.Context, entry *model.QueueEntry) (int64, error)
	// Lease atomically claims the highest-priority pending entry whose task
	// is leasable (no running entry, not locked, not in cooldown) and marks
	// it running. Returns nil, nil when nothing is leasable.
	Lease(ctx context.Context, workerID string) (*model.QueueEntry, error)
	Complete(ctx context.Context, queueID int64, terminal model.QueueEntryStatus) error
	Heartbeat(ctx context.Context, queueID int64) error
	// ReleaseStaleLeases marks entries running with no heartbeat for
	// longer than staleAfter as timeout, releasing their task locks.
	ReleaseStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error)
	GetQueueEntry(ctx context.Context, id int64) (*model.QueueEntry, error)
}

// LockStore manages the per-task advisory lock of §4.2.
type LockStore interface {
	// TryAcquireLock performs the CAS described in §4.2 "Locking":
	// is_locked=false OR locked_at < now-maxAge. Returns true if acquired.
	TryAcquireLock(ctx context.Context, taskID int64, owner string, maxAge time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, taskID int64) error
	RefreshLock(ctx context.Context, taskID int64, owner string) error
}

// CooldownStore manages §4.2's cooldown policy.
type CooldownStore interface {
	GetCooldown(ctx context.Context, taskID int64) (*model.Cooldown, error)
	SetCooldown(ctx context.Context, cooldown *model.Cooldown) error
	ClearCooldown(ctx context.Context, taskID int64) error
}

// ReactivationStore records reactivation attempts and enforces the §8
// invariant #3 uniqueness of (task_id, update_id).
type ReactivationStore interface {
	// CreateReactivationRecord inserts a row; returns (false, nil) instead
	// of an error when the (task_id, update_id) pair already exists, per
	// §4.1 "Deduplication" ("insertion failure -> drop silently with log").
	CreateReactivationRecord(ctx context.Context, rec *model.ReactivationRecord) (bool, error)
	UpdateReactivationRecord(ctx context.Context, rec *model.ReactivationRecord) error
	ListReactivationsByTask(ctx context.Context, taskID int64) ([]*model.ReactivationRecord, error)
}

// ValidationStore manages HumanValidation lifecycle (C4).
type ValidationStore interface {
	CreateValidation(ctx context.Context, v *model.HumanValidation) error
	GetValidation(ctx context.Context, id int64) (*model.HumanValidation, error)
	UpdateValidation(ctx context.Context, v *model.HumanValidation) error
	// PendingValidations returns validations with status=pending for the
	// C4 polling loop.
	PendingValidations(ctx context.Context) ([]*model.HumanValidation, error)
	// LineageRejectionCount sums rejection_count across a validation
	// lineage linked by parent_validation_id.
	LineageRejectionCount(ctx context.Context, validationID int64) (int, error)
}

// AIUsageStore persists LLM call records.
type AIUsageStore interface {
	RecordAIUsage(ctx context.Context, usage *model.AIUsage) error
	// SumCostByRun returns the total estimated cost of a run, used to
	// verify §8 invariant #8.
	SumCostByRun(ctx context.Context, runID int64) (float64, error)
}

// AuditStore persists the audit log (§4.5).
type AuditStore interface {
	RecordAudit(ctx context.Context, entry *model.AuditEntry) error
	PurgeAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store composes every segregated interface plus io.Closer. Concrete
// backends (memory, postgres) implement this in full; most components
// accept only the narrower interface they need.
type Store interface {
	TaskStore
	RunStore
	StepStore
	WebhookEventStore
	QueueStore
	LockStore
	CooldownStore
	ReactivationStore
	ValidationStore
	AIUsageStore
	AuditStore
	io.Closer
}
