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

// Executor drives the node graph for leased queue entries. Concurrency
// control mirrors the teacher's Runner: a buffered channel semaphore caps
// simultaneous runs, a sync.WaitGroup tracks in-flight execute goroutines
// for clean shutdown, and an atomic.Bool flips the process into draining
// mode so webhook ingress can reject new work with 503 while in-flight
// runs finish.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ticketflow/ticketflow/internal/metrics"
	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/ratelimit"
	"github.com/ticketflow/ticketflow/internal/runlog"
	"github.com/ticketflow/ticketflow/internal/store"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

// Config holds executor tuning parameters.
type Config struct {
	MaxParallel        int
	PollInterval       time.Duration
	WorkerID           string
	DebugMaxIterations int
}

// Executor owns the node-graph drive loop: lease an entry, load or resume
// its Task/Run, walk nodes until the run suspends or terminates.
type Executor struct {
	graph  *Graph
	queue  *queue.Guard
	store  store.Store
	deps   *Deps
	cfg    Config
	logger *slog.Logger
	logs   *runlog.Aggregator

	semaphore chan struct{}
	draining  atomic.Bool
	wg        sync.WaitGroup
}

// New constructs an Executor. collab's fields are copied into the Deps
// passed to every node invocation, alongside deps-only fields from cfg.
func New(graph *Graph, q *queue.Guard, s store.Store, collab *Collaborators, limiter *ratelimit.Limiter, logger *slog.Logger, cfg Config) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DebugMaxIterations <= 0 {
		cfg.DebugMaxIterations = 3
	}
	logs := runlog.New()
	return &Executor{
		graph: graph, queue: q, store: s,
		deps: &Deps{
			Collaborators:      collab,
			Store:              s,
			Limiter:            limiter,
			Logger:             logger,
			Logs:               logs,
			DebugMaxIterations: cfg.DebugMaxIterations,
		},
		cfg: cfg, logger: logger.With(slog.String("component", "engine")),
		logs:      logs,
		semaphore: make(chan struct{}, cfg.MaxParallel),
	}
}

// Tail returns up to n of the most recent log lines recorded for runID,
// oldest first, for GET /workflow/status/{task_id} to report (§12 "Run log
// aggregation / live tail").
func (e *Executor) Tail(runID int64, n int) []runlog.Entry {
	return e.logs.Tail(runID, n)
}

// Run polls the queue for leasable entries until ctx is cancelled. Intended
// to be run in its own goroutine by cmd/ticketflowd; one Executor per
// process, shared across worker goroutines via the semaphore.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.draining.Load() {
				continue
			}
			e.leaseAndDispatch(ctx)
		}
	}
}

func (e *Executor) leaseAndDispatch(ctx context.Context) {
	entry, err := e.queue.Lease(ctx, e.cfg.WorkerID)
	if err != nil {
		e.logger.Error("lease failed", slog.Any("error", err))
		return
	}
	if entry == nil {
		return
	}

	select {
	case e.semaphore <- struct{}{}:
	case <-ctx.Done():
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.semaphore }()
		e.executeEntry(ctx, entry)
	}()
}

// StartDraining puts the executor into graceful-shutdown mode: no new
// leases are taken, but in-flight runs continue.
func (e *Executor) StartDraining() { e.draining.Store(true) }

// IsDraining reports whether the executor is draining. Satisfies
// internal/webhook.Drainer.
func (e *Executor) IsDraining() bool { return e.draining.Load() }

// ActiveRunCount returns the number of node-graph drives currently in
// flight.
func (e *Executor) ActiveRunCount() int { return len(e.semaphore) }

// WaitForDrain blocks until every in-flight run completes, ctx is
// cancelled, or timeout elapses.
func (e *Executor) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		if n := e.ActiveRunCount(); n > 0 {
			return fmt.Errorf("drain timeout: %d run(s) still active", n)
		}
		return nil
	}
}

func (e *Executor) executeEntry(ctx context.Context, entry *model.QueueEntry) {
	if entry.TaskID == nil {
		e.logger.Error("queue entry has no task_id", slog.Int64("queue_id", entry.ID))
		_ = e.queue.Complete(ctx, entry.ID, model.QueueFailed)
		return
	}

	task, err := e.store.GetTask(ctx, *entry.TaskID)
	if err != nil {
		e.logger.Error("failed to load task", slog.Int64("task_id", *entry.TaskID), slog.Any("error", err))
		_ = e.queue.Complete(ctx, entry.ID, model.QueueFailed)
		return
	}

	run, startNode, state, err := e.loadOrCreateRun(ctx, task, entry)
	if err != nil {
		e.logger.Error("failed to set up run", slog.Int64("task_id", task.ID), slog.Any("error", err))
		_ = e.queue.Complete(ctx, entry.ID, model.QueueFailed)
		return
	}

	terminal := e.drive(ctx, state, run, startNode)

	switch terminal {
	case model.RunWaitingValidation:
		_ = e.queue.Complete(ctx, entry.ID, model.QueueWaitingValidation)
	case model.RunCompleted:
		_ = e.queue.Complete(ctx, entry.ID, model.QueueCompleted)
	default:
		_ = e.queue.Complete(ctx, entry.ID, model.QueueFailed)
	}
}

// loadOrCreateRun implements crash recovery (spec scenario S6): if the task
// already has an active (started/running) run -- left behind by a worker
// that crashed mid-step -- resume it from its latest completed step instead
// of starting a new Run, so a re-driven node is never executed twice.
func (e *Executor) loadOrCreateRun(ctx context.Context, task *model.Task, entry *model.QueueEntry) (*model.Run, NodeName, *RunState, error) {
	state := &RunState{Task: task}

	active, err := e.store.GetActiveRun(ctx, task.ID)
	if err != nil {
		return nil, "", nil, err
	}
	if active != nil {
		steps, err := e.store.ListStepsByRun(ctx, active.ID)
		if err != nil {
			return nil, "", nil, err
		}
		next := e.graph.Start()
		if len(steps) > 0 {
			last := steps[len(steps)-1]
			if last.Status == model.StepCompleted {
				qualifier := NodeName("")
				if last.NodeName == string(NodeRunTests) {
					qualifier = qualFailed
					var out struct {
						Passed bool `json:"passed"`
					}
					if json.Unmarshal(last.OutputBlob, &out) == nil && out.Passed {
						qualifier = qualPassed
					}
				}
				if n, ok := e.graph.Next(NodeName(last.NodeName), qualifier); ok {
					next = n
				}
			} else {
				// The worker died before completing this step -- including
				// before it ever reached running (S6: a step inserted pending
				// but never started). Re-drive the same node against the same
				// Step row rather than the graph's successor, so recovery
				// produces exactly one Step for it, not two.
				next = NodeName(last.NodeName)
				state.ResumeStep = last
			}
		}
		state.Run = active
		state.WorkDir = fmt.Sprintf("/tmp/ticketflow/run-%d", active.ID)
		return active, next, state, nil
	}

	runs, err := e.store.ListRunsByTask(ctx, task.ID)
	if err != nil {
		return nil, "", nil, err
	}

	run := &model.Run{
		TaskID:         task.ID,
		RunNumber:      len(runs) + 1,
		Status:         model.RunStarted,
		ExecutorID:     e.cfg.WorkerID,
		StartedAt:      time.Now(),
		IsReactivation: entry.Trigger != model.TriggerStart && entry.Trigger != model.TriggerManual,
		CurrentNode:    string(e.graph.Start()),
	}
	if len(runs) > 0 {
		parent := runs[len(runs)-1].ID
		run.ParentRunID = &parent
		run.ReactivationCount = runs[len(runs)-1].ReactivationCount + 1
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, "", nil, err
	}

	if run.IsReactivation && len(entry.Payload) > 0 {
		var decoded struct {
			ModificationInstructions string `json:"modification_instructions"`
			ReactivationUpdate       string `json:"reactivation_update"`
		}
		if err := json.Unmarshal(entry.Payload, &decoded); err == nil {
			state.ReactivationUpdateText = decoded.ReactivationUpdate
		}
	}

	state.Run = run
	return run, e.graph.Start(), state, nil
}

// drive walks the node graph from startNode until the run suspends or
// reaches a terminal node, returning the run's terminal status.
func (e *Executor) drive(ctx context.Context, state *RunState, run *model.Run, node NodeName) model.RunStatus {
	run.Status = model.RunRunning
	_ = e.store.UpdateRun(ctx, run)

	for {
		if node == nodeFailRun {
			run.Status = model.RunFailed
			node = NodeUpdateTracker
		}
		run.CurrentNode = string(node)

		if err := e.transitionInto(ctx, state, node); err != nil {
			e.markFailed(run, err)
			node = nodeFailRun
			continue
		}

		handler := e.graph.Handler(node)
		if handler == nil {
			e.markFailed(run, fmt.Errorf("no handler for node %q", node))
			node = nodeFailRun
			continue
		}

		step := e.beginStep(ctx, run, node, state.ResumeStep)
		state.ResumeStep = nil
		state.Step = step

		// A retried node keeps its Step row -- RetryCount accumulates across
		// attempts of the same node, not across nodes -- so the bound below
		// is actually reachable instead of resetting on every attempt.
		var result NodeResult
		exceededRetries := false
		for {
			nodeCtx, cancel := context.WithTimeout(ctx, e.graph.Timeout(node))
			result = handler(nodeCtx, state, e.deps)
			cancel()

			if result.Outcome != OutcomeRetry {
				break
			}
			step.RetryCount++
			if step.RetryCount > step.MaxRetries {
				exceededRetries = true
				break
			}
			e.completeStep(ctx, step, result, model.StepRetry)
			metrics.StepsTotal.WithLabelValues(string(node), "retry").Inc()
			select {
			case <-time.After(result.RetryDelay):
			case <-ctx.Done():
				// Process is shutting down; no point driving update_tracker
				// through a context that is already dead.
				return e.failRun(ctx, run, ctx.Err())
			}
		}

		if exceededRetries {
			e.completeStep(ctx, step, result, model.StepFailed)
			metrics.StepsTotal.WithLabelValues(string(node), "failed").Inc()
			e.markFailed(run, fmt.Errorf("%s: %s", node, result.RetryReason))
			node = nodeFailRun
			continue
		}

		switch result.Outcome {
		case OutcomeCompleted:
			e.completeStep(ctx, step, result, model.StepCompleted)
			metrics.StepsTotal.WithLabelValues(string(node), "completed").Inc()

			if node == NodeDebugCode {
				run.DebugAttempts++
			}
			if node == NodeRunTests && result.NextNodeHint == qualFailed && run.DebugAttempts >= e.deps.DebugMaxIterations {
				e.markFailed(run, fmt.Errorf("debug loop exceeded %d iterations", e.deps.DebugMaxIterations))
				node = nodeFailRun
				continue
			}

			if e.graph.IsTerminal(node) {
				return e.completeRun(ctx, run)
			}

			next, ok := e.graph.Next(node, result.NextNodeHint)
			if !ok {
				return e.completeRun(ctx, run)
			}
			node = next

		case OutcomeSuspended:
			e.completeStep(ctx, step, result, model.StepCompleted)
			metrics.StepsTotal.WithLabelValues(string(node), "suspended").Inc()
			run.Status = model.RunWaitingValidation
			_ = e.store.UpdateRun(ctx, run)
			return model.RunWaitingValidation

		case OutcomeFailed:
			e.completeStep(ctx, step, result, model.StepFailed)
			metrics.StepsTotal.WithLabelValues(string(node), "failed").Inc()
			e.markFailed(run, result.Err)
			node = nodeFailRun
			continue
		}
	}
}

func (e *Executor) transitionInto(ctx context.Context, state *RunState, node NodeName) error {
	to := taskStatusForNode(node, state)
	if to == state.Task.Status {
		return nil
	}
	return applyTaskStatus(ctx, e.store, state.Task, to)
}

// beginStep implements §4.3's two-phase step persistence: insert pending,
// then flip to running once the engine is about to call the handler. Order
// is the count of steps already recorded for the run, so the durable
// backends' UNIQUE(run_id, "order") constraint enforces §8 invariant #4
// (strictly increasing, no-skip order) instead of rejecting every step past
// the run's first.
//
// resume is non-nil only for the first node driven after crash recovery
// found a dangling pending/running Step left by a worker that died before
// completing it (see loadOrCreateRun); that Step row is reused instead of
// inserting a new one, so the recovered node produces exactly one Step, not
// two.
func (e *Executor) beginStep(ctx context.Context, run *model.Run, node NodeName, resume *model.Step) *model.Step {
	if resume != nil {
		resume.Status = model.StepRunning
		resume.StartedAt = timePtr(time.Now())
		if err := e.store.UpdateStep(ctx, resume); err != nil {
			e.logger.Error("failed to resume dangling step", slog.Any("error", err))
		}
		e.logs.Append(run.ID, string(node), "info", "resumed")
		return resume
	}

	existing, err := e.store.ListStepsByRun(ctx, run.ID)
	if err != nil {
		e.logger.Error("failed to list existing steps", slog.Any("error", err))
	}
	step := &model.Step{
		RunID: run.ID, NodeName: string(node), Order: len(existing), Status: model.StepPending,
		MaxRetries: 1,
	}
	if err := e.store.CreateStep(ctx, step); err != nil {
		e.logger.Error("failed to persist step", slog.Any("error", err))
	}
	step.Status = model.StepRunning
	step.StartedAt = timePtr(time.Now())
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error("failed to update step to running", slog.Any("error", err))
	}
	e.logs.Append(run.ID, string(node), "info", "started")
	return step
}

func (e *Executor) completeStep(ctx context.Context, step *model.Step, result NodeResult, status model.StepStatus) {
	step.Status = status
	step.CompletedAt = timePtr(time.Now())
	if result.Output != nil {
		if b, err := json.Marshal(result.Output); err == nil {
			step.OutputBlob = b
		}
	}
	if result.Err != nil {
		step.ErrorBlob = []byte(result.Err.Error())
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error("failed to update step", slog.Any("error", err))
	}

	level := "info"
	message := string(status)
	if status == model.StepFailed && result.Err != nil {
		level = "error"
		message = result.Err.Error()
	}
	e.logs.Append(step.RunID, step.NodeName, level, message)
}

// completeRun finalizes a run that reached a terminal node. A run routed
// here via the fail_run sink already carries RunFailed (set by markFailed
// and the top-of-loop fail_run handling) and keeps it: update_tracker's
// own Step completing successfully reports the failure, it does not undo
// it.
func (e *Executor) completeRun(ctx context.Context, run *model.Run) model.RunStatus {
	if run.Status != model.RunFailed {
		run.Status = model.RunCompleted
	}
	run.EndedAt = timePtr(time.Now())
	run.DurationMS = time.Since(run.StartedAt).Milliseconds()
	_ = e.store.UpdateRun(ctx, run)
	metrics.RunDurationSeconds.WithLabelValues(string(run.Status)).Observe(time.Since(run.StartedAt).Seconds())
	e.logs.Forget(run.ID)
	return run.Status
}

// markFailed records the cause of a run failure without finalizing the
// run; the caller routes node to nodeFailRun so the drive loop still runs
// update_tracker before the run is considered done.
func (e *Executor) markFailed(run *model.Run, cause error) {
	run.Status = model.RunFailed
	if cause != nil {
		run.ErrorBlob = []byte(cause.Error())
	}
}

// failRun finalizes a run as failed without driving update_tracker, for
// the one case where the run context itself is already dead (process
// shutdown) and invoking another node is not possible.
func (e *Executor) failRun(ctx context.Context, run *model.Run, cause error) model.RunStatus {
	e.markFailed(run, cause)
	return e.completeRun(ctx, run)
}

// Decision is the resolved outcome of a HumanValidation reply, handed to
// Resume by internal/validation (C4) once it has classified a reply's
// intent per §4.4.
type Decision struct {
	ValidationID             int64
	Outcome                  string // approve | reject | abandon | timeout
	ModificationInstructions string
	ShouldMerge              bool
}

// Resume continues a run suspended on human_validation. It re-acquires the
// task lock before driving further nodes, so a reactivation racing in
// while the run was suspended cannot run concurrently with the resume
// (§8's "produces exactly one PR" property).
func (e *Executor) Resume(ctx context.Context, taskID int64, decision Decision) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	// A suspended run has status waiting_validation, not started/running,
	// so it is never returned by GetActiveRun -- find it by scanning the
	// task's runs instead.
	runs, err := e.store.ListRunsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	var run *model.Run
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status == model.RunWaitingValidation {
			run = runs[i]
			break
		}
	}
	if run == nil {
		// Already resumed by a duplicate resume event; nothing to do.
		return nil
	}

	locked, err := e.store.TryAcquireLock(ctx, taskID, e.cfg.WorkerID, 30*time.Minute)
	if err != nil {
		return err
	}
	if !locked {
		return &tferrors.InvariantError{Invariant: "single-active-executor", Detail: fmt.Sprintf("task %d is locked by another executor", taskID)}
	}
	defer func() {
		if err := e.store.ReleaseLock(ctx, taskID); err != nil {
			e.logger.Warn("failed to release resume lock", slog.Int64("task_id", taskID), slog.Any("error", err))
		}
	}()

	state := &RunState{Task: task, Run: run, WorkDir: fmt.Sprintf("/tmp/ticketflow/run-%d", run.ID)}
	state.ShouldMerge = decision.ShouldMerge
	state.ModificationInstructions = decision.ModificationInstructions
	state.IsRetry = decision.Outcome == "reject"

	var next NodeName
	switch decision.Outcome {
	case "approve":
		next, _ = e.graph.Next(NodeHumanValidation, qualApproved)
	case "reject":
		next, _ = e.graph.Next(NodeHumanValidation, qualRejected)
	default: // abandon, timeout
		next = nodeFailRun
	}

	terminal := e.drive(ctx, state, run, next)
	switch terminal {
	case model.RunCompleted:
		return nil
	case model.RunWaitingValidation:
		return nil
	default:
		return fmt.Errorf("resumed run %d ended failed", run.ID)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
