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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/runlog"
	"github.com/ticketflow/ticketflow/internal/store/memory"
)

type alwaysDraining bool

func (a alwaysDraining) IsDraining() bool { return bool(a) }

func newTestRouter(t *testing.T) (*Router, *memory.Backend) {
	t.Helper()
	be := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(be, logger)
	classifier := NewClassifier(be, q, &fakeTracker{}, "@ticketflow", logger)
	router := New(Config{WebhookSecret: "s3cr3t", SecretKey: "admin-secret"}, be, q, classifier, alwaysDraining(false), logger)
	return router, be
}

func TestHandleWebhook_ValidSignatureAccepted(t *testing.T) {
	router, be := newTestRouter(t)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	body := []byte(`{"external_item_id":"1","event_type":"other"}`)
	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Signature", "sha256="+sign(body, "s3cr3t"))
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Classification runs in a goroutine; give it a moment. The event may be
	// processed already or still pending, so only the listing call is checked.
	time.Sleep(20 * time.Millisecond)
	unprocessed, err := be.UnprocessedEvents(context.Background(), 10)
	require.NoError(t, err)
	_ = unprocessed // either processed already or still pending; both are valid races here
}

func TestHandleWebhook_BadSignatureRejected(t *testing.T) {
	router, _ := newTestRouter(t)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	body := []byte(`{"external_item_id":"1"}`)
	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Signature", "sha256=deadbeef")
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleWebhook_DrainingReturns503(t *testing.T) {
	be := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(be, logger)
	classifier := NewClassifier(be, q, &fakeTracker{}, "@ticketflow", logger)
	router := New(Config{WebhookSecret: "s3cr3t"}, be, q, classifier, alwaysDraining(true), logger)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader([]byte("{}")))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandleManualTrigger_RequiresAdminAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	body, _ := json.Marshal(manualTriggerRequest{ExternalItemID: "99", RepositoryURL: "https://example.com/r.git"})
	req := httptest.NewRequest("POST", "/workflow/run", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleManualTrigger_CreatesTask(t *testing.T) {
	router, be := newTestRouter(t)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString([]byte("admin-secret"))
	require.NoError(t, err)

	body, _ := json.Marshal(manualTriggerRequest{ExternalItemID: "99", RepositoryURL: "https://example.com/r.git", Title: "manual task"})
	req := httptest.NewRequest("POST", "/workflow/run", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	task, err := be.GetTaskBySource(context.Background(), "manual", "99")
	require.NoError(t, err)
	require.Equal(t, "manual task", task.Title)
}

func TestHandleStatus_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/workflow/status/404", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

type fakeCanceller struct {
	cancelled   int64
	actorID     string
	returnedErr error
}

func (f *fakeCanceller) Cancel(ctx context.Context, validationID int64, actorID string) error {
	f.cancelled, f.actorID = validationID, actorID
	return f.returnedErr
}

func TestHandleCancelValidation_RequiresAdminAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	router.SetCanceller(&fakeCanceller{})
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/admin/validations/1/cancel", bytes.NewReader([]byte("{}")))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCancelValidation_Unconfigured(t *testing.T) {
	router, _ := newTestRouter(t)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString([]byte("admin-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/admin/validations/1/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHandleCancelValidation_Cancels(t *testing.T) {
	router, _ := newTestRouter(t)
	canceller := &fakeCanceller{}
	router.SetCanceller(canceller)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString([]byte("admin-secret"))
	require.NoError(t, err)

	body, _ := json.Marshal(cancelRequest{ActorID: "ops"})
	req := httptest.NewRequest("POST", "/admin/validations/42/cancel", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(42), canceller.cancelled)
	require.Equal(t, "ops", canceller.actorID)
}

type fakeLogTailer struct {
	runID int64
	n     int
}

func (f *fakeLogTailer) Tail(runID int64, n int) []runlog.Entry {
	f.runID, f.n = runID, n
	return []runlog.Entry{{NodeName: "implement_task", Level: "info", Message: "started"}}
}

func TestHandleStatus_IncludesRecentLogsWhenTailerSet(t *testing.T) {
	router, be := newTestRouter(t)
	tailer := &fakeLogTailer{}
	router.SetLogTailer(tailer)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	task := &model.Task{Source: "github", ExternalItemID: "7", RepositoryURL: "https://example.com/r.git"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunRunning, CurrentNode: "implement_task", StartedAt: time.Now()}
	require.NoError(t, be.CreateRun(context.Background(), run))

	req := httptest.NewRequest("GET", fmt.Sprintf("/workflow/status/%d", task.ID), nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, run.ID, tailer.runID)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp, "recent_logs")
}

func TestHandleHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
