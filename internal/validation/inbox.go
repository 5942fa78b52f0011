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

// Package validation implements C4, the bridge between tracker-side human
// replies and runs parked at human_validation (§4.4). Inbox polls pending
// HumanValidation rows, matches replies against the authorized creator
// identity, classifies intent, and resumes the suspended engine run.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ticketflow/ticketflow/internal/engine"
	"github.com/ticketflow/ticketflow/internal/metrics"
	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

// Resumer is the narrow slice of *engine.Executor the inbox depends on,
// mirroring store's interface-segregation so tests can fake the engine
// side without pulling in a whole graph.
type Resumer interface {
	Resume(ctx context.Context, taskID int64, decision engine.Decision) error
}

// Config tunes the polling loop. Zero values take the defaults noted below.
type Config struct {
	// ScanInterval is how often Run wakes up to check which pending
	// validations are due for a poll. It is not the per-validation poll
	// cadence; that is governed by MinBackoff/MaxBackoff below. Default 5s.
	ScanInterval time.Duration
	// MinBackoff is the starting per-validation poll interval. Default 10s.
	MinBackoff time.Duration
	// MaxBackoff is the cap a validation's backoff doubles up to. Default 2m.
	MaxBackoff time.Duration
	// ReminderFraction is the fraction of the 24h window after which an
	// unanswered validation gets a reminder comment. Default 0.8.
	ReminderFraction float64
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.ReminderFraction <= 0 {
		c.ReminderFraction = 0.8
	}
	return c
}

type pollState struct {
	interval time.Duration
	nextPoll time.Time
}

// Inbox drives the C4 polling loop. One Inbox per process, analogous to
// one Executor per process for C3.
type Inbox struct {
	store      store.Store
	tracker    clients.TrackerClient
	notifier   clients.Notifier
	resumer    Resumer
	classifier *Classifier
	cfg        Config
	logger     *slog.Logger

	mu    sync.Mutex
	state map[int64]*pollState
	seen  map[int64]map[string]bool
}

// New builds an Inbox. classifier must be non-nil; construct one with
// NewClassifier(nil) to get the default keyword rules.
func New(s store.Store, tracker clients.TrackerClient, notifier clients.Notifier, resumer Resumer, classifier *Classifier, logger *slog.Logger, cfg Config) *Inbox {
	return &Inbox{
		store:      s,
		tracker:    tracker,
		notifier:   notifier,
		resumer:    resumer,
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(slog.String("component", "validation")),
		state:      make(map[int64]*pollState),
		seen:       make(map[int64]map[string]bool),
	}
}

// Run scans pending validations every ScanInterval until ctx is cancelled.
// Intended to run in its own goroutine alongside the engine's Executor.Run.
func (i *Inbox) Run(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.poll(ctx)
		}
	}
}

func (i *Inbox) poll(ctx context.Context) {
	pending, err := i.store.PendingValidations(ctx)
	if err != nil {
		i.logger.Error("failed to list pending validations", slog.Any("error", err))
		return
	}
	metrics.ValidationsOutstanding.Set(float64(len(pending)))

	now := time.Now()
	for _, v := range pending {
		if !i.due(v.ID, now) {
			continue
		}
		if err := i.handle(ctx, v, now); err != nil {
			i.logger.Error("failed to process validation", slog.Int64("validation_id", v.ID), slog.Any("error", err))
		}
	}
}

func (i *Inbox) due(validationID int64, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	st, ok := i.state[validationID]
	if !ok {
		i.state[validationID] = &pollState{interval: i.cfg.MinBackoff, nextPoll: now}
		return true
	}
	return !now.Before(st.nextPoll)
}

// recordActivity resets a validation's backoff to the floor, per §4.4's
// "poll cadence ... reset on any activity".
func (i *Inbox) recordActivity(validationID int64, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state[validationID] = &pollState{interval: i.cfg.MinBackoff, nextPoll: now}
}

func (i *Inbox) recordQuiet(validationID int64, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	st, ok := i.state[validationID]
	if !ok {
		st = &pollState{interval: i.cfg.MinBackoff}
		i.state[validationID] = st
	}
	st.nextPoll = now.Add(st.interval)
	st.interval *= 2
	if st.interval > i.cfg.MaxBackoff {
		st.interval = i.cfg.MaxBackoff
	}
}

func (i *Inbox) clearState(validationID int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.state, validationID)
	delete(i.seen, validationID)
}

func (i *Inbox) alreadySeen(validationID int64, updateID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seen[validationID][updateID]
}

func (i *Inbox) markSeen(validationID int64, updateID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen[validationID] == nil {
		i.seen[validationID] = make(map[string]bool)
	}
	i.seen[validationID][updateID] = true
}

func (i *Inbox) handle(ctx context.Context, v *model.HumanValidation, now time.Time) error {
	if !now.Before(v.ExpiresAt) {
		return i.expire(ctx, v)
	}

	task, err := i.store.GetTask(ctx, v.TaskID)
	if err != nil {
		return err
	}

	if err := i.maybeSendReminder(ctx, v, task, now); err != nil {
		i.logger.Warn("failed to send validation reminder", slog.Int64("validation_id", v.ID), slog.Any("error", err))
	}

	updates, err := i.tracker.ListUpdates(ctx, task.ExternalItemID)
	if err != nil {
		i.recordQuiet(v.ID, now)
		return err
	}

	activity := false
	for _, u := range repliesTo(v, updates) {
		if i.alreadySeen(v.ID, u.ID) {
			continue
		}
		i.markSeen(v.ID, u.ID)
		activity = true

		if !authorize(v, u, i.logger) {
			if err := i.handleUnauthorized(ctx, v, task, u); err != nil {
				i.logger.Error("failed to record unauthorized reply", slog.Int64("validation_id", v.ID), slog.Any("error", err))
			}
			continue
		}

		resolved, err := i.handleAuthorized(ctx, v, u)
		if err != nil {
			i.logger.Error("failed to resolve validation", slog.Int64("validation_id", v.ID), slog.Any("error", err))
			continue
		}
		if resolved {
			i.clearState(v.ID)
			return nil
		}
	}

	if activity {
		i.recordActivity(v.ID, now)
	} else {
		i.recordQuiet(v.ID, now)
	}
	return nil
}

func (i *Inbox) expire(ctx context.Context, v *model.HumanValidation) error {
	v.Status = model.ValidationExpired
	v.ResponseStatus = "expired"
	if err := i.store.UpdateValidation(ctx, v); err != nil {
		return err
	}
	i.clearState(v.ID)
	return i.resumer.Resume(ctx, v.TaskID, engine.Decision{ValidationID: v.ID, Outcome: "timeout"})
}

// Cancel implements the administrative cancel path: mark cancelled and
// resume the run as a failure (§5 "Cancellation").
func (i *Inbox) Cancel(ctx context.Context, validationID int64, actorID string) error {
	v, err := i.store.GetValidation(ctx, validationID)
	if err != nil {
		return err
	}
	v.Status = model.ValidationCancelled
	v.ResponseStatus = "cancelled"
	if err := i.store.UpdateValidation(ctx, v); err != nil {
		return err
	}
	i.clearState(v.ID)

	if err := i.store.RecordAudit(ctx, &model.AuditEntry{
		ActorID:   actorID,
		Action:    "cancel_validation",
		Resource:  fmt.Sprintf("validation:%d", v.ID),
		Severity:  model.AuditHigh,
		Detail:    "administrative cancel",
		CreatedAt: time.Now(),
	}); err != nil {
		i.logger.Warn("failed to record cancel audit entry", slog.Int64("validation_id", v.ID), slog.Any("error", err))
	}

	return i.resumer.Resume(ctx, v.TaskID, engine.Decision{ValidationID: v.ID, Outcome: "abandon"})
}

func (i *Inbox) maybeSendReminder(ctx context.Context, v *model.HumanValidation, task *model.Task, now time.Time) error {
	if v.ReminderSentAt != nil {
		return nil
	}
	window := v.ExpiresAt.Sub(v.CreatedAt)
	reminderAt := v.CreatedAt.Add(time.Duration(float64(window) * i.cfg.ReminderFraction))
	if now.Before(reminderAt) {
		return nil
	}

	msg := fmt.Sprintf("Reminder for %s: this validation request is still awaiting your review and expires at %s.",
		v.CreatorName, v.ExpiresAt.Format(time.RFC3339))
	if err := i.tracker.PostUpdate(ctx, task.ExternalItemID, msg); err != nil {
		return err
	}
	v.ReminderSentAt = &now
	return i.store.UpdateValidation(ctx, v)
}

func (i *Inbox) handleUnauthorized(ctx context.Context, v *model.HumanValidation, task *model.Task, u clients.TrackerUpdate) error {
	v.UnauthorizedAttempts++
	if err := i.store.UpdateValidation(ctx, v); err != nil {
		return err
	}

	replier := u.AuthorName
	if replier == "" {
		replier = u.AuthorID
	}
	msg := fmt.Sprintf(
		"%s, another user (%s) is attempting to reply on your behalf to this validation request. %s, you are not the creator of this validation request and your reply was not applied.",
		v.CreatorName, replier, replier,
	)
	if err := i.tracker.PostUpdate(ctx, task.ExternalItemID, msg); err != nil {
		i.logger.Warn("failed to post unauthorized-reply notice", slog.Int64("validation_id", v.ID), slog.Any("error", err))
	}
	if err := i.notifier.Notify(ctx, v.CreatorID, fmt.Sprintf("unauthorized reply on validation %d from %s", v.ID, replier)); err != nil {
		i.logger.Warn("failed to notify creator of unauthorized reply", slog.Int64("validation_id", v.ID), slog.Any("error", err))
	}

	metrics.UnauthorizedReplyAttemptsTotal.Inc()
	return i.store.RecordAudit(ctx, &model.AuditEntry{
		ActorID:   u.AuthorID,
		Action:    "unauthorized_validation_reply",
		Resource:  fmt.Sprintf("validation:%d", v.ID),
		Severity:  model.AuditMedium,
		Detail:    fmt.Sprintf("reply from %s attempted to resolve validation owned by %s", replier, v.CreatorName),
		CreatedAt: time.Now(),
	})
}

// handleAuthorized classifies u's body and, if it resolves to a known
// intent, persists the outcome and resumes the run. The bool return
// reports whether the validation was resolved (true) or the reply was
// authorized but unrecognized and polling should continue (false).
func (i *Inbox) handleAuthorized(ctx context.Context, v *model.HumanValidation, u clients.TrackerUpdate) (bool, error) {
	switch i.classifier.Classify(u.Body) {
	case IntentApprove:
		return true, i.resolveApprove(ctx, v, u)
	case IntentReject:
		return true, i.resolveReject(ctx, v, u)
	case IntentAbandon:
		return true, i.resolveAbandon(ctx, v, u)
	default:
		i.logger.Debug("authorized reply did not match a known intent",
			slog.Int64("validation_id", v.ID), slog.String("update_id", u.ID))
		return false, nil
	}
}

func (i *Inbox) resolveApprove(ctx context.Context, v *model.HumanValidation, u clients.TrackerUpdate) error {
	v.Status = model.ValidationApproved
	v.ResponseStatus = "approved"
	v.Comments = u.Body
	v.ShouldMerge = i.classifier.ShouldMerge(u.Body)
	v.ShouldContinueWorkflow = true
	v.ResponseAuthorID = u.AuthorID
	v.ResponseAuthorEmail = u.AuthorEmail
	v.ValidationDurationSeconds = time.Since(v.CreatedAt).Seconds()
	if err := i.store.UpdateValidation(ctx, v); err != nil {
		return err
	}
	return i.resumer.Resume(ctx, v.TaskID, engine.Decision{
		ValidationID: v.ID,
		Outcome:      "approve",
		ShouldMerge:  v.ShouldMerge,
	})
}

// resolveReject implements §4.4's "Rejection handling": rejection_count is
// summed across the lineage linked by parent_validation_id, and a third
// rejection forces abandonment instead of another implement_task retry.
func (i *Inbox) resolveReject(ctx context.Context, v *model.HumanValidation, u clients.TrackerUpdate) error {
	priorRejections, err := i.store.LineageRejectionCount(ctx, v.ID)
	if err != nil {
		return err
	}
	count := priorRejections + 1

	v.RejectionCount = count
	v.ResponseAuthorID = u.AuthorID
	v.ResponseAuthorEmail = u.AuthorEmail
	v.Comments = u.Body
	v.ValidationDurationSeconds = time.Since(v.CreatedAt).Seconds()

	if count >= 3 {
		v.Status = model.ValidationAbandoned
		v.ResponseStatus = "abandoned"
		v.ShouldRetryWorkflow = false
		if err := i.store.UpdateValidation(ctx, v); err != nil {
			return err
		}
		return i.resumer.Resume(ctx, v.TaskID, engine.Decision{ValidationID: v.ID, Outcome: "abandon"})
	}

	v.Status = model.ValidationRejected
	v.ResponseStatus = "rejected"
	v.ShouldRetryWorkflow = true
	v.ModificationInstructions = u.Body
	if err := i.store.UpdateValidation(ctx, v); err != nil {
		return err
	}
	return i.resumer.Resume(ctx, v.TaskID, engine.Decision{
		ValidationID:             v.ID,
		Outcome:                  "reject",
		ModificationInstructions: u.Body,
	})
}

func (i *Inbox) resolveAbandon(ctx context.Context, v *model.HumanValidation, u clients.TrackerUpdate) error {
	v.Status = model.ValidationAbandoned
	v.ResponseStatus = "abandoned"
	v.ShouldRetryWorkflow = false
	v.ResponseAuthorID = u.AuthorID
	v.ResponseAuthorEmail = u.AuthorEmail
	v.Comments = u.Body
	v.ValidationDurationSeconds = time.Since(v.CreatedAt).Seconds()
	if err := i.store.UpdateValidation(ctx, v); err != nil {
		return err
	}
	return i.resumer.Resume(ctx, v.TaskID, engine.Decision{ValidationID: v.ID, Outcome: "abandon"})
}
