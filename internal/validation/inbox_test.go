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

package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/engine"
	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store/memory"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

type fakeTracker struct {
	updates []clients.TrackerUpdate
	posts   []string
}

func (f *fakeTracker) GetItem(context.Context, string) (*clients.TrackerItem, error) { return nil, nil }
func (f *fakeTracker) ListUpdates(context.Context, string) ([]clients.TrackerUpdate, error) {
	return f.updates, nil
}
func (f *fakeTracker) PostUpdate(_ context.Context, _, body string) error {
	f.posts = append(f.posts, body)
	return nil
}
func (f *fakeTracker) SetColumn(context.Context, string, string, string) error { return nil }

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(_ context.Context, userRef, message string) error {
	f.notified = append(f.notified, userRef+": "+message)
	return nil
}

type fakeResumer struct {
	decisions []engine.Decision
}

func (f *fakeResumer) Resume(_ context.Context, taskID int64, decision engine.Decision) error {
	f.decisions = append(f.decisions, decision)
	return nil
}

func newTestInbox(t *testing.T) (*Inbox, *memory.Backend, *fakeTracker, *fakeNotifier, *fakeResumer) {
	t.Helper()
	be := memory.New()
	tracker := &fakeTracker{}
	notifier := &fakeNotifier{}
	resumer := &fakeResumer{}
	classifier, err := NewClassifier(nil)
	require.NoError(t, err)
	inbox := New(be, tracker, notifier, resumer, classifier, discardLogger(), Config{})
	return inbox, be, tracker, notifier, resumer
}

func createPendingValidation(t *testing.T, be *memory.Backend, task *model.Task, createdAt time.Time) *model.HumanValidation {
	t.Helper()
	v := &model.HumanValidation{
		TaskID:       task.ID,
		Title:        task.Title,
		Status:       model.ValidationPending,
		CreatorID:    task.CreatorID,
		CreatorEmail: task.CreatorEmail,
		CreatorName:  task.CreatorName,
		ExpiresAt:    createdAt.Add(24 * time.Hour),
	}
	require.NoError(t, be.CreateValidation(context.Background(), v))
	// CreateValidation stamps CreatedAt with time.Now(); override to the
	// caller's chosen instant so expiry/reminder math is deterministic.
	v.CreatedAt = createdAt
	v.ExpiresAt = createdAt.Add(24 * time.Hour)
	require.NoError(t, be.UpdateValidation(context.Background(), v))
	return v
}

func TestHandle_AuthorizedApproveResolvesAndResumes(t *testing.T) {
	inbox, be, tracker, _, resumer := newTestInbox(t)
	task := &model.Task{ExternalItemID: "42", CreatorID: "u1", CreatorName: "Dana"}
	require.NoError(t, be.CreateTask(context.Background(), task))

	now := time.Now()
	v := createPendingValidation(t, be, task, now.Add(-time.Hour))
	tracker.updates = []clients.TrackerUpdate{
		{ID: "r1", AuthorID: "u1", Body: "LGTM, please merge", CreatedAt: now.Add(-time.Minute)},
	}

	require.NoError(t, inbox.handle(context.Background(), v, now))

	require.Len(t, resumer.decisions, 1)
	require.Equal(t, "approve", resumer.decisions[0].Outcome)
	require.True(t, resumer.decisions[0].ShouldMerge)

	stored, err := be.GetValidation(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, model.ValidationApproved, stored.Status)
}

func TestHandle_UnauthorizedReplyDoesNotResume(t *testing.T) {
	inbox, be, tracker, notifier, resumer := newTestInbox(t)
	task := &model.Task{ExternalItemID: "42", CreatorID: "u1", CreatorName: "Dana"}
	require.NoError(t, be.CreateTask(context.Background(), task))

	now := time.Now()
	v := createPendingValidation(t, be, task, now.Add(-time.Hour))
	tracker.updates = []clients.TrackerUpdate{
		{ID: "r1", AuthorID: "intruder", AuthorName: "Mallory", Body: "approved!", CreatedAt: now.Add(-time.Minute)},
	}

	require.NoError(t, inbox.handle(context.Background(), v, now))

	require.Empty(t, resumer.decisions)
	require.Len(t, tracker.posts, 1)
	require.Contains(t, tracker.posts[0], "Dana")
	require.Contains(t, tracker.posts[0], "Mallory")
	require.Len(t, notifier.notified, 1)

	stored, err := be.GetValidation(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.UnauthorizedAttempts)
	require.Equal(t, model.ValidationPending, stored.Status)
}

func TestHandle_RejectBelowThresholdRetriesWorkflow(t *testing.T) {
	inbox, be, tracker, _, resumer := newTestInbox(t)
	task := &model.Task{ExternalItemID: "42", CreatorID: "u1", CreatorName: "Dana"}
	require.NoError(t, be.CreateTask(context.Background(), task))

	now := time.Now()
	v := createPendingValidation(t, be, task, now.Add(-time.Hour))
	tracker.updates = []clients.TrackerUpdate{
		{ID: "r1", AuthorID: "u1", Body: "needs work: fix the error handling", CreatedAt: now.Add(-time.Minute)},
	}

	require.NoError(t, inbox.handle(context.Background(), v, now))

	require.Len(t, resumer.decisions, 1)
	require.Equal(t, "reject", resumer.decisions[0].Outcome)
	require.Contains(t, resumer.decisions[0].ModificationInstructions, "fix the error handling")

	stored, err := be.GetValidation(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, model.ValidationRejected, stored.Status)
	require.Equal(t, 1, stored.RejectionCount)
}

func TestHandle_ThirdRejectionForcesAbandon(t *testing.T) {
	inbox, be, tracker, _, resumer := newTestInbox(t)
	task := &model.Task{ExternalItemID: "42", CreatorID: "u1", CreatorName: "Dana"}
	require.NoError(t, be.CreateTask(context.Background(), task))

	now := time.Now()

	parent := createPendingValidation(t, be, task, now.Add(-3*time.Hour))
	parent.RejectionCount = 2
	require.NoError(t, be.UpdateValidation(context.Background(), parent))

	v := createPendingValidation(t, be, task, now.Add(-time.Hour))
	v.ParentValidationID = &parent.ID
	require.NoError(t, be.UpdateValidation(context.Background(), v))

	tracker.updates = []clients.TrackerUpdate{
		{ID: "r1", AuthorID: "u1", Body: "needs work again", CreatedAt: now.Add(-time.Minute)},
	}

	require.NoError(t, inbox.handle(context.Background(), v, now))

	require.Len(t, resumer.decisions, 1)
	require.Equal(t, "abandon", resumer.decisions[0].Outcome)

	stored, err := be.GetValidation(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, model.ValidationAbandoned, stored.Status)
	require.False(t, stored.ShouldRetryWorkflow)
}

func TestHandle_ExpiresAndResumesWithTimeout(t *testing.T) {
	inbox, be, _, _, resumer := newTestInbox(t)
	task := &model.Task{ExternalItemID: "42", CreatorID: "u1", CreatorName: "Dana"}
	require.NoError(t, be.CreateTask(context.Background(), task))

	now := time.Now()
	v := createPendingValidation(t, be, task, now.Add(-25*time.Hour))

	require.NoError(t, inbox.handle(context.Background(), v, now))

	require.Len(t, resumer.decisions, 1)
	require.Equal(t, "timeout", resumer.decisions[0].Outcome)

	stored, err := be.GetValidation(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, model.ValidationExpired, stored.Status)
}

func TestHandle_SendsReminderPastFraction(t *testing.T) {
	inbox, be, tracker, _, _ := newTestInbox(t)
	task := &model.Task{ExternalItemID: "42", CreatorID: "u1", CreatorName: "Dana"}
	require.NoError(t, be.CreateTask(context.Background(), task))

	now := time.Now()
	// 20h into a 24h window is past the default 80% reminder fraction.
	v := createPendingValidation(t, be, task, now.Add(-20*time.Hour))

	require.NoError(t, inbox.handle(context.Background(), v, now))

	require.Len(t, tracker.posts, 1)
	require.Contains(t, tracker.posts[0], "Dana")

	stored, err := be.GetValidation(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReminderSentAt)
}

func TestCancel_MarksCancelledAndResumesAsFailure(t *testing.T) {
	inbox, be, _, _, resumer := newTestInbox(t)
	task := &model.Task{ExternalItemID: "42", CreatorID: "u1", CreatorName: "Dana"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	v := createPendingValidation(t, be, task, time.Now().Add(-time.Hour))

	require.NoError(t, inbox.Cancel(context.Background(), v.ID, "admin-1"))

	require.Len(t, resumer.decisions, 1)
	require.Equal(t, "abandon", resumer.decisions[0].Outcome)

	stored, err := be.GetValidation(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, model.ValidationCancelled, stored.Status)
}

func TestDue_BacksOffOnRepeatedQuiet(t *testing.T) {
	inbox, _, _, _, _ := newTestInbox(t)
	now := time.Now()

	require.True(t, inbox.due(1, now))
	inbox.recordQuiet(1, now)
	require.False(t, inbox.due(1, now.Add(time.Second)))
	require.True(t, inbox.due(1, now.Add(inbox.cfg.MinBackoff*2+time.Second)))
}
