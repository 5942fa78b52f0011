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

// Package webhook implements C1: the HTTP ingress that accepts tracker
// payloads and manual run requests, persists them, and hands
// classification off to an async path so the HTTP response stays within
// the bounded time §4.1 requires.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/runlog"
	"github.com/ticketflow/ticketflow/internal/store"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

const maxBodySize = 1 * 1024 * 1024 // 1MB; tracker payloads, not file uploads

// Drainer reports whether the daemon is shutting down gracefully, so the
// ingress handler can return 503 with Retry-After instead of accepting
// work it cannot finish (§9 "Graceful draining").
type Drainer interface {
	IsDraining() bool
}

// LogTailer serves a run's recent step log lines for the status endpoint
// (§12 "Run log aggregation / live tail"). Implemented by
// *engine.Executor; kept as a narrow interface for the same reason as
// Canceller -- internal/webhook does not import internal/engine.
type LogTailer interface {
	Tail(runID int64, n int) []runlog.Entry
}

// Router serves C1's HTTP surface.
type Router struct {
	store         store.Store
	queue         *queue.Guard
	classifier    *Classifier
	drainer       Drainer
	canceller     Canceller
	logTailer     LogTailer
	webhookSecret string
	secretKey     string
	logger        *slog.Logger
}

// Config configures a Router.
type Config struct {
	WebhookSecret string
	SecretKey     string
}

// New builds a Router.
func New(cfg Config, s store.Store, q *queue.Guard, classifier *Classifier, drainer Drainer, logger *slog.Logger) *Router {
	return &Router{
		store:         s,
		queue:         q,
		classifier:    classifier,
		drainer:       drainer,
		webhookSecret: cfg.WebhookSecret,
		secretKey:     cfg.SecretKey,
		logger:        logger.With(slog.String("component", "webhook")),
	}
}

// RegisterRoutes registers C1's routes on mux, per §6 "Ingress".
func (router *Router) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/{source}", router.handleWebhook)
	mux.HandleFunc("POST /workflow/run", router.handleManualTrigger)
	mux.HandleFunc("GET /workflow/status/{task_id}", router.handleStatus)
	mux.HandleFunc("GET /health", router.handleHealth)
	mux.HandleFunc("POST /admin/validations/{id}/cancel", router.handleCancelValidation)
}

// cancelRequest is the body of POST /admin/validations/{id}/cancel.
type cancelRequest struct {
	ActorID string `json:"actor_id"`
}

// handleCancelValidation lets an admin force-abandon a run parked on
// human_validation without waiting for a tracker reply (§9 supplement to
// §4.4's reply-driven resolution).
func (router *Router) handleCancelValidation(w http.ResponseWriter, r *http.Request) {
	if err := VerifyAdminBearer(r, router.secretKey); err != nil {
		writeError(w, http.StatusUnauthorized, "admin authentication required")
		return
	}
	if router.canceller == nil {
		writeError(w, http.StatusNotImplemented, "validation cancellation is not configured")
		return
	}

	id, err := parseTaskID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid validation id")
		return
	}

	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.ActorID == "" {
		req.ActorID = "admin"
	}

	if err := router.canceller.Cancel(r.Context(), id, req.ActorID); err != nil {
		if tferrors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "validation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel validation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "validation_id": id})
}

// handleWebhook implements §4.1's contract: verify signature, persist the
// raw event, return promptly, classify asynchronously.
func (router *Router) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if router.drainer != nil && router.drainer.IsDraining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "daemon is shutting down gracefully")
		return
	}

	source := r.PathValue("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, "source required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := VerifySignature(r, body, router.webhookSecret); err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	evt := &model.WebhookEvent{
		Source:    source,
		EventType: r.Header.Get("X-Event-Type"),
		Payload:   body,
		Headers:   headers,
		Signature: r.Header.Get("X-Signature"),
	}
	if err := router.store.CreateWebhookEvent(r.Context(), evt); err != nil {
		router.logger.Error("failed to persist webhook event", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to persist event")
		return
	}

	// Classification proceeds asynchronously; the response must not wait on
	// it (§4.1 "returns 200 within a bounded time (<=2s)"). Failures here
	// leave the event unprocessed for the retry sweeper to pick up.
	go func() {
		if err := router.classifier.Classify(context.Background(), evt); err != nil {
			router.logger.Warn("classification failed, leaving event for sweeper",
				slog.Int64("event_id", evt.ID), slog.Any("error", err))
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "event_id": evt.ID})
}

// manualTriggerRequest is the body of POST /workflow/run.
type manualTriggerRequest struct {
	ExternalItemID string `json:"external_item_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	RepositoryURL  string `json:"repository_url"`
	Priority       int    `json:"priority"`
	DryRun         bool   `json:"dry_run"`
}

// handleManualTrigger implements POST /workflow/run: admin-authenticated,
// creates a Task and queues a start entry (§6).
func (router *Router) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	if err := VerifyAdminBearer(r, router.secretKey); err != nil {
		writeError(w, http.StatusUnauthorized, "admin authentication required")
		return
	}
	if router.drainer != nil && router.drainer.IsDraining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "daemon is shutting down gracefully")
		return
	}

	var req manualTriggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExternalItemID == "" || req.RepositoryURL == "" {
		writeError(w, http.StatusBadRequest, "external_item_id and repository_url required")
		return
	}

	if req.DryRun {
		// §9 "Dry-run submission": report the node graph without creating
		// a Task.
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "dry_run",
			"graph":  dryRunGraphSummary(),
		})
		return
	}

	task := &model.Task{
		Source:         "manual",
		ExternalItemID: req.ExternalItemID,
		Title:          req.Title,
		Description:    req.Description,
		RepositoryURL:  req.RepositoryURL,
		Priority:       req.Priority,
		Status:         model.TaskPending,
	}
	if err := router.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	if _, err := router.queue.Enqueue(r.Context(), &model.QueueEntry{
		ExternalItemID: req.ExternalItemID,
		TaskID:         &task.ID,
		Status:         model.QueuePending,
		Trigger:        model.TriggerManual,
		Priority:       req.Priority,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered", "task_id": task.ID})
}

// handleStatus implements GET /workflow/status/{task_id} (§6).
func (router *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return
	}

	task, err := router.store.GetTask(r.Context(), id)
	if err != nil {
		if tferrors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	run, err := router.store.GetActiveRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	resp := map[string]any{"status": task.Status}
	if run != nil {
		resp["current_run_id"] = run.ID
		resp["current_node"] = run.CurrentNode
		resp["progress_pct"] = progressPercent(run.CurrentNode)
		if router.logTailer != nil {
			resp["recent_logs"] = router.logTailer.Tail(run.ID, 50)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth implements GET /health (§6 liveness).
func (router *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
