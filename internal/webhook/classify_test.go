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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/store/memory"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

type fakeTracker struct {
	item    *clients.TrackerItem
	updates []clients.TrackerUpdate
}

func (f *fakeTracker) GetItem(_ context.Context, _ string) (*clients.TrackerItem, error) {
	return f.item, nil
}
func (f *fakeTracker) ListUpdates(_ context.Context, _ string) ([]clients.TrackerUpdate, error) {
	return f.updates, nil
}
func (f *fakeTracker) PostUpdate(context.Context, string, string) error        { return nil }
func (f *fakeTracker) SetColumn(context.Context, string, string, string) error { return nil }

func newTestClassifier(t *testing.T, tracker *fakeTracker) (*Classifier, *memory.Backend, *queue.Guard) {
	t.Helper()
	be := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(be, logger)
	return NewClassifier(be, q, tracker, "@ticketflow", logger), be, q
}

func TestClassify_CreatedEvent(t *testing.T) {
	tracker := &fakeTracker{item: &clients.TrackerItem{
		ID: "42", Title: "Fix the thing", RepositoryURL: "https://example.com/repo.git", CreatorID: "u1",
	}}
	c, be, _ := newTestClassifier(t, tracker)

	payload, _ := json.Marshal(ParsedEvent{ExternalItemID: "42", EventType: EventCreated})
	evt := &model.WebhookEvent{Source: "github", Payload: payload}
	require.NoError(t, be.CreateWebhookEvent(context.Background(), evt))

	require.NoError(t, c.Classify(context.Background(), evt))

	task, err := be.GetTaskBySource(context.Background(), "github", "42")
	require.NoError(t, err)
	require.Equal(t, "Fix the thing", task.Title)
	require.Equal(t, model.TaskPending, task.Status)

	// IDs are assigned from a single shared counter in the memory backend:
	// the webhook event took 1, the task took 2, so the queue entry is 3.
	got, err := be.GetQueueEntry(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, model.TriggerStart, got.Trigger)
}

func TestClassify_CommentMentionReactivates(t *testing.T) {
	tracker := &fakeTracker{updates: []clients.TrackerUpdate{
		{ID: "c1", AuthorID: "u2", AuthorName: "Dana", Body: "hey @ticketflow please look again", CreatedAt: time.Now()},
	}}
	c, be, _ := newTestClassifier(t, tracker)

	task := &model.Task{Source: "github", ExternalItemID: "42", Status: model.TaskPending}
	require.NoError(t, be.CreateTask(context.Background(), task))
	require.NoError(t, be.UpdateTaskStatus(context.Background(), task.ID, model.TaskProcessing))
	require.NoError(t, be.UpdateTaskStatus(context.Background(), task.ID, model.TaskCompleted))

	payload, _ := json.Marshal(ParsedEvent{ExternalItemID: "42", EventType: EventComment})
	evt := &model.WebhookEvent{Source: "github", Payload: payload}
	require.NoError(t, be.CreateWebhookEvent(context.Background(), evt))

	require.NoError(t, c.Classify(context.Background(), evt))

	reactivations, err := be.ListReactivationsByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, reactivations, 1)
	require.Equal(t, "c1", reactivations[0].UpdateID)
}

func TestClassify_CommentWithoutMentionDrops(t *testing.T) {
	tracker := &fakeTracker{updates: []clients.TrackerUpdate{
		{ID: "c1", AuthorID: "u2", Body: "unrelated comment", CreatedAt: time.Now()},
	}}
	c, be, _ := newTestClassifier(t, tracker)

	task := &model.Task{Source: "github", ExternalItemID: "42", Status: model.TaskCompleted}
	require.NoError(t, be.CreateTask(context.Background(), task))

	payload, _ := json.Marshal(ParsedEvent{ExternalItemID: "42", EventType: EventComment})
	evt := &model.WebhookEvent{Source: "github", Payload: payload}
	require.NoError(t, be.CreateWebhookEvent(context.Background(), evt))

	require.NoError(t, c.Classify(context.Background(), evt))

	reactivations, err := be.ListReactivationsByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Empty(t, reactivations)
}

func TestClassify_MalformedPayloadMarkedInvalid(t *testing.T) {
	c, be, _ := newTestClassifier(t, &fakeTracker{})
	evt := &model.WebhookEvent{Source: "github", Payload: []byte("not json")}
	require.NoError(t, be.CreateWebhookEvent(context.Background(), evt))

	require.NoError(t, c.Classify(context.Background(), evt))

	got, err := be.UnprocessedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, got, "invalid events must still be marked processed")
}
