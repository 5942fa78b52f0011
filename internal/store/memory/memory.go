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

// Package memory provides an in-memory store.Store implementation used by
// unit tests and local development, so C2/C3/C4 logic can be exercised
// without a live Postgres.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

var _ store.Store = (*Backend)(nil)

// Backend is an in-memory, mutex-protected Store.
type Backend struct {
	mu sync.Mutex

	nextID int64

	tasks        map[int64]*model.Task
	runs         map[int64]*model.Run
	steps        map[int64]*model.Step
	events       map[int64]*model.WebhookEvent
	queue        map[int64]*model.QueueEntry
	cooldowns    map[int64]*model.Cooldown
	reactivations map[int64]*model.ReactivationRecord
	reactivationKeys map[string]bool // task_id:update_id
	validations  map[int64]*model.HumanValidation
	usage        map[int64]*model.AIUsage
	audit        map[int64]*model.AuditEntry
}

// New returns an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		tasks:            make(map[int64]*model.Task),
		runs:             make(map[int64]*model.Run),
		steps:            make(map[int64]*model.Step),
		events:           make(map[int64]*model.WebhookEvent),
		queue:            make(map[int64]*model.QueueEntry),
		cooldowns:        make(map[int64]*model.Cooldown),
		reactivations:    make(map[int64]*model.ReactivationRecord),
		reactivationKeys: make(map[string]bool),
		validations:      make(map[int64]*model.HumanValidation),
		usage:            make(map[int64]*model.AIUsage),
		audit:            make(map[int64]*model.AuditEntry),
	}
}

func (b *Backend) id() int64 {
	b.nextID++
	return b.nextID
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

// --- TaskStore ---

func (b *Backend) CreateTask(_ context.Context, task *model.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	task.ID = b.id()
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	cp := *task
	b.tasks[task.ID] = &cp
	return nil
}

func (b *Backend) GetTask(_ context.Context, id int64) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, &tferrors.NotFoundError{Resource: "task", ID: itoa(id)}
	}
	cp := *t
	return &cp, nil
}

func (b *Backend) GetTaskBySource(_ context.Context, source, externalItemID string) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tasks {
		if t.Source == source && t.ExternalItemID == externalItemID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, &tferrors.NotFoundError{Resource: "task", ID: source + ":" + externalItemID}
}

func (b *Backend) UpdateTaskStatus(_ context.Context, id int64, to model.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return &tferrors.NotFoundError{Resource: "task", ID: itoa(id)}
	}
	if !model.IsAllowedTransition(t.Status, to) {
		return &tferrors.TransitionError{Entity: "task", From: string(t.Status), To: string(to)}
	}
	t.PreviousStatus = t.Status
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) UpdateTask(_ context.Context, task *model.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[task.ID]; !ok {
		return &tferrors.NotFoundError{Resource: "task", ID: itoa(task.ID)}
	}
	task.UpdatedAt = time.Now()
	cp := *task
	b.tasks[task.ID] = &cp
	return nil
}

// --- RunStore ---

func (b *Backend) CreateRun(_ context.Context, run *model.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run.ID = b.id()
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	cp := *run
	b.runs[run.ID] = &cp
	return nil
}

func (b *Backend) GetRun(_ context.Context, id int64) (*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok {
		return nil, &tferrors.NotFoundError{Resource: "run", ID: itoa(id)}
	}
	cp := *r
	return &cp, nil
}

func (b *Backend) GetActiveRun(_ context.Context, taskID int64) (*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.runs {
		if r.TaskID == taskID && (r.Status == model.RunStarted || r.Status == model.RunRunning) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (b *Backend) UpdateRun(_ context.Context, run *model.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runs[run.ID]; !ok {
		return &tferrors.NotFoundError{Resource: "run", ID: itoa(run.ID)}
	}
	run.UpdatedAt = time.Now()
	cp := *run
	b.runs[run.ID] = &cp
	return nil
}

func (b *Backend) ListRunsByTask(_ context.Context, taskID int64) ([]*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Run
	for _, r := range b.runs {
		if r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunNumber < out[j].RunNumber })
	return out, nil
}

// --- StepStore ---

func (b *Backend) CreateStep(_ context.Context, step *model.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	step.ID = b.id()
	cp := *step
	b.steps[step.ID] = &cp
	return nil
}

func (b *Backend) GetStep(_ context.Context, id int64) (*model.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return nil, &tferrors.NotFoundError{Resource: "step", ID: itoa(id)}
	}
	cp := *s
	return &cp, nil
}

func (b *Backend) UpdateStep(_ context.Context, step *model.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.steps[step.ID]; !ok {
		return &tferrors.NotFoundError{Resource: "step", ID: itoa(step.ID)}
	}
	cp := *step
	b.steps[step.ID] = &cp
	return nil
}

func (b *Backend) ListStepsByRun(_ context.Context, runID int64) ([]*model.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Step
	for _, s := range b.steps {
		if s.RunID == runID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (b *Backend) LatestStep(_ context.Context, runID int64) (*model.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var latest *model.Step
	for _, s := range b.steps {
		if s.RunID != runID {
			continue
		}
		if latest == nil || s.Order > latest.Order {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// --- WebhookEventStore ---

func (b *Backend) CreateWebhookEvent(_ context.Context, evt *model.WebhookEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt.ID = b.id()
	evt.ReceivedAt = time.Now()
	cp := *evt
	b.events[evt.ID] = &cp
	return nil
}

func (b *Backend) MarkWebhookProcessed(_ context.Context, id int64, status string, relatedTaskID *int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.events[id]
	if !ok {
		return &tferrors.NotFoundError{Resource: "webhook_event", ID: itoa(id)}
	}
	e.Processed = true
	e.ProcessingStatus = status
	e.RelatedTaskID = relatedTaskID
	now := time.Now()
	e.ProcessedAt = &now
	return nil
}

func (b *Backend) UnprocessedEvents(_ context.Context, limit int) ([]*model.WebhookEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.WebhookEvent
	for _, e := range b.events {
		if !e.Processed {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, e := range b.events {
		if e.ReceivedAt.Before(cutoff) {
			delete(b.events, id)
			n++
		}
	}
	return n, nil
}

// --- QueueStore ---

func (b *Backend) Enqueue(_ context.Context, entry *model.QueueEntry) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.ID = b.id()
	entry.CreatedAt = time.Now()
	if entry.Status == "" {
		entry.Status = model.QueuePending
	}
	cp := *entry
	b.queue[entry.ID] = &cp
	return entry.ID, nil
}

func (b *Backend) taskRunningEntry(taskID int64) bool {
	for _, e := range b.queue {
		if e.TaskID != nil && *e.TaskID == taskID && e.Status == model.QueueRunning {
			return true
		}
	}
	return false
}

func (b *Backend) Lease(_ context.Context, workerID string) (*model.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []*model.QueueEntry
	for _, e := range b.queue {
		if e.Status != model.QueuePending {
			continue
		}
		if e.TaskID != nil {
			if b.taskRunningEntry(*e.TaskID) {
				continue
			}
			t := b.tasks[*e.TaskID]
			if t != nil {
				if t.IsLocked && t.LockedAt != nil && time.Since(*t.LockedAt) < 30*time.Minute {
					continue
				}
				if t.CooldownUntil != nil && t.CooldownUntil.After(time.Now()) {
					continue
				}
			}
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	chosen := candidates[0]
	chosen.Status = model.QueueRunning
	chosen.ExecutorTaskID = workerID
	now := time.Now()
	chosen.LeasedAt = &now
	chosen.HeartbeatAt = &now

	if chosen.TaskID != nil {
		if t := b.tasks[*chosen.TaskID]; t != nil {
			t.IsLocked = true
			t.LockOwner = workerID
			lockedAt := time.Now()
			t.LockedAt = &lockedAt
		}
	}

	cp := *chosen
	return &cp, nil
}

func (b *Backend) Complete(_ context.Context, queueID int64, terminal model.QueueEntryStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.queue[queueID]
	if !ok {
		return &tferrors.NotFoundError{Resource: "queue_entry", ID: itoa(queueID)}
	}
	e.Status = terminal
	now := time.Now()
	e.CompletedAt = &now
	if e.TaskID != nil {
		if t := b.tasks[*e.TaskID]; t != nil {
			t.IsLocked = false
			t.LockedAt = nil
			t.LockOwner = ""
		}
	}
	return nil
}

func (b *Backend) Heartbeat(_ context.Context, queueID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.queue[queueID]
	if !ok {
		return &tferrors.NotFoundError{Resource: "queue_entry", ID: itoa(queueID)}
	}
	now := time.Now()
	e.HeartbeatAt = &now
	return nil
}

func (b *Backend) ReleaseStaleLeases(_ context.Context, staleAfter time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.queue {
		if e.Status != model.QueueRunning || e.HeartbeatAt == nil {
			continue
		}
		if time.Since(*e.HeartbeatAt) <= staleAfter {
			continue
		}
		e.Status = model.QueueTimeout
		now := time.Now()
		e.CompletedAt = &now
		if e.TaskID != nil {
			if t := b.tasks[*e.TaskID]; t != nil {
				t.IsLocked = false
				t.LockedAt = nil
				t.LockOwner = ""
			}
		}
		n++
	}
	return n, nil
}

func (b *Backend) GetQueueEntry(_ context.Context, id int64) (*model.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.queue[id]
	if !ok {
		return nil, &tferrors.NotFoundError{Resource: "queue_entry", ID: itoa(id)}
	}
	cp := *e
	return &cp, nil
}

// --- LockStore ---

func (b *Backend) TryAcquireLock(_ context.Context, taskID int64, owner string, maxAge time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return false, &tferrors.NotFoundError{Resource: "task", ID: itoa(taskID)}
	}
	if t.IsLocked && t.LockedAt != nil && time.Since(*t.LockedAt) < maxAge {
		return false, nil
	}
	now := time.Now()
	t.IsLocked = true
	t.LockedAt = &now
	t.LockOwner = owner
	return true, nil
}

func (b *Backend) ReleaseLock(_ context.Context, taskID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return &tferrors.NotFoundError{Resource: "task", ID: itoa(taskID)}
	}
	t.IsLocked = false
	t.LockedAt = nil
	t.LockOwner = ""
	return nil
}

func (b *Backend) RefreshLock(_ context.Context, taskID int64, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return &tferrors.NotFoundError{Resource: "task", ID: itoa(taskID)}
	}
	if !t.IsLocked || t.LockOwner != owner {
		return &tferrors.InvariantError{Invariant: "lock_ownership", Detail: "refresh by non-owner"}
	}
	now := time.Now()
	t.LockedAt = &now
	return nil
}

// --- CooldownStore ---

func (b *Backend) GetCooldown(_ context.Context, taskID int64) (*model.Cooldown, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cooldowns[taskID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (b *Backend) SetCooldown(_ context.Context, cooldown *model.Cooldown) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *cooldown
	b.cooldowns[cooldown.TaskID] = &cp
	return nil
}

func (b *Backend) ClearCooldown(_ context.Context, taskID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cooldowns, taskID)
	return nil
}

// --- ReactivationStore ---

func reactivationKey(taskID int64, updateID string) string {
	return itoa(taskID) + ":" + updateID
}

func (b *Backend) CreateReactivationRecord(_ context.Context, rec *model.ReactivationRecord) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := reactivationKey(rec.TaskID, rec.UpdateID)
	if rec.UpdateID != "" && b.reactivationKeys[key] {
		return false, nil
	}
	rec.ID = b.id()
	rec.StartedAt = time.Now()
	if rec.UpdateID != "" {
		b.reactivationKeys[key] = true
	}
	cp := *rec
	b.reactivations[rec.ID] = &cp
	return true, nil
}

func (b *Backend) UpdateReactivationRecord(_ context.Context, rec *model.ReactivationRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reactivations[rec.ID]; !ok {
		return &tferrors.NotFoundError{Resource: "reactivation_record", ID: itoa(rec.ID)}
	}
	cp := *rec
	b.reactivations[rec.ID] = &cp
	return nil
}

func (b *Backend) ListReactivationsByTask(_ context.Context, taskID int64) ([]*model.ReactivationRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.ReactivationRecord
	for _, r := range b.reactivations {
		if r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- ValidationStore ---

func (b *Backend) CreateValidation(_ context.Context, v *model.HumanValidation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v.ID = b.id()
	v.CreatedAt = time.Now()
	cp := *v
	b.validations[v.ID] = &cp
	return nil
}

func (b *Backend) GetValidation(_ context.Context, id int64) (*model.HumanValidation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.validations[id]
	if !ok {
		return nil, &tferrors.NotFoundError{Resource: "human_validation", ID: itoa(id)}
	}
	cp := *v
	return &cp, nil
}

func (b *Backend) UpdateValidation(_ context.Context, v *model.HumanValidation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.validations[v.ID]; !ok {
		return &tferrors.NotFoundError{Resource: "human_validation", ID: itoa(v.ID)}
	}
	cp := *v
	b.validations[v.ID] = &cp
	return nil
}

func (b *Backend) PendingValidations(_ context.Context) ([]*model.HumanValidation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.HumanValidation
	for _, v := range b.validations {
		if v.Status == model.ValidationPending {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) LineageRejectionCount(_ context.Context, validationID int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.validations[validationID]
	if !ok {
		return 0, &tferrors.NotFoundError{Resource: "human_validation", ID: itoa(validationID)}
	}
	total := v.RejectionCount
	cur := v
	for cur.ParentValidationID != nil {
		parent, ok := b.validations[*cur.ParentValidationID]
		if !ok {
			break
		}
		total += parent.RejectionCount
		cur = parent
	}
	return total, nil
}

// --- AIUsageStore ---

func (b *Backend) RecordAIUsage(_ context.Context, usage *model.AIUsage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	usage.ID = b.id()
	usage.CreatedAt = time.Now()
	cp := *usage
	b.usage[usage.ID] = &cp
	return nil
}

func (b *Backend) SumCostByRun(_ context.Context, runID int64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total float64
	for _, u := range b.usage {
		if u.RunID == runID {
			total += u.EstimatedCost
		}
	}
	return total, nil
}

// --- AuditStore ---

func (b *Backend) RecordAudit(_ context.Context, entry *model.AuditEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.ID = b.id()
	entry.CreatedAt = time.Now()
	cp := *entry
	b.audit[entry.ID] = &cp
	return nil
}

func (b *Backend) PurgeAuditOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, e := range b.audit {
		if e.CreatedAt.Before(cutoff) {
			delete(b.audit, id)
			n++
		}
	}
	return n, nil
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
