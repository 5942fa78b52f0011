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

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/store/memory"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

func newTestExecutor(t *testing.T, handlers map[NodeName]NodeHandler, collab *Collaborators) (*Executor, *memory.Backend) {
	t.Helper()
	be := memory.New()
	q := queue.New(be, testLogger())
	g, err := BuildGraph(handlers)
	require.NoError(t, err)
	return New(g, q, be, collab, nil, testLogger(), Config{DebugMaxIterations: 3, WorkerID: "w1"}), be
}

func TestLoadOrCreateRun_NoActiveRunStartsFresh(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	task := &model.Task{Status: model.TaskPending}
	require.NoError(t, be.CreateTask(context.Background(), task))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	run, next, state, err := e.loadOrCreateRun(context.Background(), task, entry)

	require.NoError(t, err)
	require.Equal(t, NodePrepareEnvironment, next)
	require.Equal(t, int64(1), run.RunNumber)
	require.False(t, run.IsReactivation)
	require.Same(t, task, state.Task)
}

func TestLoadOrCreateRun_CrashRecovery_NonTestNodeResumesUnconditionalEdge(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	task := &model.Task{Status: model.TaskProcessing}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunRunning}
	require.NoError(t, be.CreateRun(context.Background(), run))
	step := &model.Step{RunID: run.ID, NodeName: string(NodeImplementTask), Status: model.StepCompleted}
	require.NoError(t, be.CreateStep(context.Background(), step))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	_, next, _, err := e.loadOrCreateRun(context.Background(), task, entry)

	require.NoError(t, err)
	require.Equal(t, NodeRunTests, next, "one run_tests Step, not a restart from prepare_environment")
}

// TestLoadOrCreateRun_CrashRecovery_DanglingStepResumesSameNode exercises the
// literal S6 shape: a worker crashed after committing implement_task but
// before run_tests reached running, leaving run_tests pending alongside a
// completed implement_task. Recovery must re-drive run_tests against that
// same Step row, not restart the graph and not advance past it.
func TestLoadOrCreateRun_CrashRecovery_DanglingStepResumesSameNode(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	task := &model.Task{Status: model.TaskTesting}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunRunning}
	require.NoError(t, be.CreateRun(context.Background(), run))
	implement := &model.Step{RunID: run.ID, NodeName: string(NodeImplementTask), Order: 0, Status: model.StepCompleted}
	require.NoError(t, be.CreateStep(context.Background(), implement))
	dangling := &model.Step{RunID: run.ID, NodeName: string(NodeRunTests), Order: 1, Status: model.StepPending}
	require.NoError(t, be.CreateStep(context.Background(), dangling))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	_, next, state, err := e.loadOrCreateRun(context.Background(), task, entry)

	require.NoError(t, err)
	require.Equal(t, NodeRunTests, next)
	require.NotNil(t, state.ResumeStep)
	require.Equal(t, dangling.ID, state.ResumeStep.ID)

	steps, err := be.ListStepsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2, "recovery must not insert a second run_tests Step")
}

func TestLoadOrCreateRun_CrashRecovery_RunTestsPassedRoutesToHumanValidation(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	task := &model.Task{Status: model.TaskTesting}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunRunning}
	require.NoError(t, be.CreateRun(context.Background(), run))
	step := &model.Step{RunID: run.ID, NodeName: string(NodeRunTests), Status: model.StepCompleted, OutputBlob: []byte(`{"passed":true}`)}
	require.NoError(t, be.CreateStep(context.Background(), step))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	_, next, _, err := e.loadOrCreateRun(context.Background(), task, entry)

	require.NoError(t, err)
	require.Equal(t, NodeHumanValidation, next)
}

func TestLoadOrCreateRun_CrashRecovery_RunTestsFailedRoutesToDebugCode(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	task := &model.Task{Status: model.TaskTesting}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunRunning}
	require.NoError(t, be.CreateRun(context.Background(), run))
	step := &model.Step{RunID: run.ID, NodeName: string(NodeRunTests), Status: model.StepCompleted, OutputBlob: []byte(`{"passed":false}`)}
	require.NoError(t, be.CreateStep(context.Background(), step))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	_, next, _, err := e.loadOrCreateRun(context.Background(), task, entry)

	require.NoError(t, err)
	require.Equal(t, NodeDebugCode, next)
}

// fullHandlers wires the real node bodies so drive() exercises the actual
// per-node persistence and status-transition logic end to end.
func fullHandlers() map[NodeName]NodeHandler {
	return map[NodeName]NodeHandler{
		NodePrepareEnvironment: PrepareEnvironment,
		NodeImplementTask:      ImplementTask,
		NodeRunTests:           RunTests,
		NodeDebugCode:          DebugCode,
		NodeHumanValidation:    HumanValidation,
		NodeFinalizePR:         FinalizePR,
		NodeUpdateTracker:      UpdateTracker,
	}
}

func TestDrive_HappyPathSuspendsAtHumanValidation(t *testing.T) {
	collab := &Collaborators{
		VCS:        &fakeVCS{},
		CodeGen:    &fakeCodeGen{result: &clients.GenerateResult{Files: clients.GeneratedFiles{"a.go": "x"}}},
		TestRunner: &fakeTestRunner{result: &clients.TestResult{Passed: true}},
		Tracker:    &fakeTracker{},
	}
	e, be := newTestExecutor(t, fullHandlers(), collab)
	task := &model.Task{Status: model.TaskPending, RepositoryURL: "https://example.com/r.git", Title: "Fix it"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	run, start, state, err := e.loadOrCreateRun(context.Background(), task, entry)
	require.NoError(t, err)

	terminal := e.drive(context.Background(), state, run, start)

	require.Equal(t, model.RunWaitingValidation, terminal)
	steps, err := be.ListStepsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4) // prepare_environment, implement_task, run_tests, human_validation
	require.Equal(t, model.TaskQualityCheck, task.Status)
}

func TestDrive_FailureRoutesThroughUpdateTracker(t *testing.T) {
	collab := &Collaborators{
		VCS:     &fakeVCS{},
		Tracker: &fakeTracker{},
	}
	e, be := newTestExecutor(t, fullHandlers(), collab)
	task := &model.Task{Status: model.TaskPending, RepositoryURL: "https://example.com/r.git", Title: "No codegen configured"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	run, start, state, err := e.loadOrCreateRun(context.Background(), task, entry)
	require.NoError(t, err)

	terminal := e.drive(context.Background(), state, run, start)

	require.Equal(t, model.RunFailed, terminal)
	require.Equal(t, model.TaskFailed, task.Status, "update_tracker must still run and report the failure")

	steps, err := be.ListStepsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	var sawUpdateTracker bool
	for _, s := range steps {
		if s.NodeName == string(NodeUpdateTracker) {
			sawUpdateTracker = true
		}
	}
	require.True(t, sawUpdateTracker, "a failed run must still drive update_tracker")
}

func TestDrive_DebugLoopBoundExceededFails(t *testing.T) {
	collab := &Collaborators{
		VCS:        &fakeVCS{},
		CodeGen:    &fakeCodeGen{result: &clients.GenerateResult{Files: clients.GeneratedFiles{"a.go": "x"}}},
		TestRunner: &fakeTestRunner{result: &clients.TestResult{Passed: false}},
		Tracker:    &fakeTracker{},
	}
	e, be := newTestExecutor(t, fullHandlers(), collab)
	e.cfg.DebugMaxIterations = 1
	e.deps.DebugMaxIterations = 1
	task := &model.Task{Status: model.TaskPending, RepositoryURL: "https://example.com/r.git", Title: "Always red"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}

	run, start, state, err := e.loadOrCreateRun(context.Background(), task, entry)
	require.NoError(t, err)

	terminal := e.drive(context.Background(), state, run, start)

	require.Equal(t, model.RunFailed, terminal)
	require.Equal(t, model.TaskFailed, task.Status)
}

func TestResume_ApprovePathDrivesToFinalizePR(t *testing.T) {
	collab := &Collaborators{
		VCS:     &fakeVCS{prURL: "https://example.com/pr/9"},
		Tracker: &fakeTracker{},
	}
	e, be := newTestExecutor(t, fullHandlers(), collab)
	task := &model.Task{Status: model.TaskQualityCheck, ExternalItemID: "1", DefaultBranch: "main"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunWaitingValidation, BranchName: "agent/1/x"}
	require.NoError(t, be.CreateRun(context.Background(), run))

	err := e.Resume(context.Background(), task.ID, Decision{Outcome: "approve"})

	require.NoError(t, err)
	stored, err := be.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, stored.Status)
}

func TestResume_NoSuspendedRunIsNoop(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	task := &model.Task{Status: model.TaskCompleted}
	require.NoError(t, be.CreateTask(context.Background(), task))

	err := e.Resume(context.Background(), task.ID, Decision{Outcome: "approve"})
	require.NoError(t, err)
}

func TestResume_LockHeldByAnotherWorkerFails(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	task := &model.Task{Status: model.TaskQualityCheck}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunWaitingValidation}
	require.NoError(t, be.CreateRun(context.Background(), run))

	locked, err := be.TryAcquireLock(context.Background(), task.ID, "other-worker", time.Hour)
	require.NoError(t, err)
	require.True(t, locked)

	err = e.Resume(context.Background(), task.ID, Decision{Outcome: "approve"})
	require.Error(t, err)
}

func TestDrive_RetryExhaustionFailsRun(t *testing.T) {
	calls := 0
	alwaysRetry := func(context.Context, *RunState, *Deps) NodeResult {
		calls++
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: 0, RetryReason: "still warming up"}
	}
	handlers := allHandlers()
	handlers[NodePrepareEnvironment] = alwaysRetry
	e, be := newTestExecutor(t, handlers, &Collaborators{Tracker: &fakeTracker{}})

	task := &model.Task{Status: model.TaskPending}
	require.NoError(t, be.CreateTask(context.Background(), task))
	entry := &model.QueueEntry{TaskID: &task.ID, Trigger: model.TriggerStart}
	run, start, state, err := e.loadOrCreateRun(context.Background(), task, entry)
	require.NoError(t, err)

	terminal := e.drive(context.Background(), state, run, start)

	require.Equal(t, model.RunFailed, terminal)
	require.Equal(t, 2, calls, "one attempt plus one retry, MaxRetries is 1")
}

func TestBeginStep_AssignsMonotonicOrder(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	run := &model.Run{Status: model.RunRunning}
	require.NoError(t, be.CreateRun(context.Background(), run))

	first := e.beginStep(context.Background(), run, NodeImplementTask, nil)
	second := e.beginStep(context.Background(), run, NodeRunTests, nil)

	require.Equal(t, 0, first.Order)
	require.Equal(t, 1, second.Order)

	steps, err := be.ListStepsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2, "a second step in the same run must not collide with the first")
}

func TestBeginStep_ResumeReusesExistingStepRow(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	run := &model.Run{Status: model.RunRunning}
	require.NoError(t, be.CreateRun(context.Background(), run))
	dangling := &model.Step{RunID: run.ID, NodeName: string(NodeRunTests), Order: 0, Status: model.StepPending}
	require.NoError(t, be.CreateStep(context.Background(), dangling))

	step := e.beginStep(context.Background(), run, NodeRunTests, dangling)

	require.Equal(t, dangling.ID, step.ID)
	require.Equal(t, model.StepRunning, step.Status)
	steps, err := be.ListStepsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1, "resuming a dangling step must not create a new row")
}

func TestCompleteRun_PreservesFailedStatus(t *testing.T) {
	e, be := newTestExecutor(t, allHandlers(), &Collaborators{})
	run := &model.Run{Status: model.RunFailed}
	require.NoError(t, be.CreateRun(context.Background(), run))

	got := e.completeRun(context.Background(), run)

	require.Equal(t, model.RunFailed, got)
}

func TestMarkFailed_SetsErrorBlob(t *testing.T) {
	e, _ := newTestExecutor(t, allHandlers(), &Collaborators{})
	run := &model.Run{}
	e.markFailed(run, errors.New("kaboom"))
	require.Equal(t, model.RunFailed, run.Status)
	require.Equal(t, "kaboom", string(run.ErrorBlob))
}
