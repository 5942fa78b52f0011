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
	"log/slog"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/store"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

// Classifier implements §4.1 "Classification": it turns a persisted
// WebhookEvent into either a new Task plus a start QueueEntry, a
// reactivation candidate, or a silent drop.
type Classifier struct {
	store       store.Store
	queue       *queue.Guard
	tracker     clients.TrackerClient
	agentHandle string
	logger      *slog.Logger
}

// NewClassifier builds a Classifier. agentHandle is the string a comment
// must contain to count as a trigger mention (e.g. "@ticketflow").
func NewClassifier(s store.Store, q *queue.Guard, tracker clients.TrackerClient, agentHandle string, logger *slog.Logger) *Classifier {
	return &Classifier{
		store:       s,
		queue:       q,
		tracker:     tracker,
		agentHandle: agentHandle,
		logger:      logger.With(slog.String("component", "classify")),
	}
}

// Classify processes one unprocessed WebhookEvent and marks it processed
// on return, whatever the outcome, except when the store write itself
// fails (§4.1 "Failure semantics": leave unprocessed for the sweeper to
// retry).
func (c *Classifier) Classify(ctx context.Context, evt *model.WebhookEvent) error {
	status, relatedTaskID, classifyErr := c.classify(ctx, evt)
	if classifyErr != nil && status == "" {
		// Persistence failure inside classify, not a content problem.
		// Leave the event unprocessed for the 30s sweeper (§4.1).
		return classifyErr
	}
	if err := c.store.MarkWebhookProcessed(ctx, evt.ID, status, relatedTaskID); err != nil {
		return err
	}
	return classifyErr
}

func (c *Classifier) classify(ctx context.Context, evt *model.WebhookEvent) (status string, relatedTaskID *int64, err error) {
	parsed, err := parseEnvelope(evt.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed webhook event", slog.Int64("event_id", evt.ID), slog.Any("error", err))
		return "invalid", nil, nil
	}

	task, err := c.store.GetTaskBySource(ctx, evt.Source, parsed.ExternalItemID)
	if err != nil && !tferrors.IsNotFound(err) {
		return "", nil, err
	}

	switch {
	case task == nil && parsed.EventType == EventCreated:
		return c.handleCreated(ctx, evt.Source, parsed)
	case task != nil && parsed.EventType == EventComment:
		return c.handleComment(ctx, task, parsed)
	case task != nil && parsed.EventType == EventStatusChange && parsed.IndicatesReopen:
		return c.handleStatusChange(ctx, task, parsed)
	default:
		return "dropped", nil, nil
	}
}

func (c *Classifier) handleCreated(ctx context.Context, source string, parsed *ParsedEvent) (string, *int64, error) {
	item, err := c.tracker.GetItem(ctx, parsed.ExternalItemID)
	if err != nil {
		return "", nil, err
	}

	task := &model.Task{
		Source:         source,
		ExternalItemID: parsed.ExternalItemID,
		Title:          item.Title,
		Description:    item.Description,
		RepositoryURL:  item.RepositoryURL,
		Status:         model.TaskPending,
		CreatorID:      item.CreatorID,
		CreatorName:    item.CreatorName,
		CreatorEmail:   item.CreatorEmail,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return "", nil, err
	}

	payload, _ := json.Marshal(parsed)
	if _, err := c.queue.Enqueue(ctx, &model.QueueEntry{
		ExternalItemID: parsed.ExternalItemID,
		TaskID:         &task.ID,
		Status:         model.QueuePending,
		Trigger:        model.TriggerStart,
		Payload:        payload,
	}); err != nil {
		return "", nil, err
	}

	return "created", &task.ID, nil
}

func (c *Classifier) handleComment(ctx context.Context, task *model.Task, parsed *ParsedEvent) (string, *int64, error) {
	updates, err := c.tracker.ListUpdates(ctx, parsed.ExternalItemID)
	if err != nil {
		return "", nil, err
	}

	match := matchTriggerUpdate(updates, c.agentHandle)
	if match == nil {
		return "dropped", &task.ID, nil
	}

	creatorID, creatorName := match.AuthorID, match.AuthorName
	if creatorID == "" {
		c.logger.Warn("trigger update has no author id, falling back to ticket owner",
			slog.Int64("task_id", task.ID), slog.String("update_id", match.ID))
		creatorID, creatorName = task.CreatorID, task.CreatorName
	}

	payload, _ := json.Marshal(struct {
		*ParsedEvent
		TriggerAuthorID   string `json:"trigger_author_id"`
		TriggerAuthorName string `json:"trigger_author_name"`
	}{parsed, creatorID, creatorName})

	result, err := c.queue.TryReactivate(ctx, task.ID, queue.TriggerRequest{
		Trigger:    model.TriggerUpdate,
		UpdateID:   match.ID,
		UpdateData: payload,
	})
	if err != nil {
		return "", nil, err
	}

	return string(result.Decision), &task.ID, nil
}

func (c *Classifier) handleStatusChange(ctx context.Context, task *model.Task, parsed *ParsedEvent) (string, *int64, error) {
	payload, _ := json.Marshal(parsed)
	result, err := c.queue.TryReactivate(ctx, task.ID, queue.TriggerRequest{
		Trigger:        model.TriggerStatusChange,
		UpdateID:       parsed.UpdateID,
		UpdateData:     payload,
		ExplicitReopen: true,
	})
	if err != nil {
		return "", nil, err
	}
	return string(result.Decision), &task.ID, nil
}
