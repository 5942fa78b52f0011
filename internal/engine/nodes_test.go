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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store/memory"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

type fakeVCS struct {
	cloneErr, checkoutErr, branchErr, applyErr, commitErr, pushErr, openErr error
	prURL                                                                  string
	merged                                                                 bool
}

func (f *fakeVCS) Clone(context.Context, string, string) error    { return f.cloneErr }
func (f *fakeVCS) Checkout(context.Context, string, string) error { return f.checkoutErr }
func (f *fakeVCS) CreateBranch(context.Context, string, string) error { return f.branchErr }
func (f *fakeVCS) ApplyDiff(context.Context, string, clients.GeneratedFiles) error {
	return f.applyErr
}
func (f *fakeVCS) Commit(context.Context, string, string) error { return f.commitErr }
func (f *fakeVCS) Push(context.Context, string, string) error   { return f.pushErr }
func (f *fakeVCS) OpenPR(context.Context, string, string, string, string) (string, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	return f.prURL, nil
}
func (f *fakeVCS) MergePR(context.Context, string, string) (*clients.MergeResult, error) {
	f.merged = true
	return &clients.MergeResult{Merged: true}, nil
}

type fakeCodeGen struct {
	result *clients.GenerateResult
	err    error
}

func (f *fakeCodeGen) Generate(context.Context, string, map[string]any) (*clients.GenerateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeTestRunner struct {
	result *clients.TestResult
	err    error
}

func (f *fakeTestRunner) Run(context.Context, string, time.Duration) (*clients.TestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeTracker struct {
	updates []clients.TrackerUpdate
}

func (f *fakeTracker) GetItem(context.Context, string) (*clients.TrackerItem, error) { return nil, nil }
func (f *fakeTracker) ListUpdates(context.Context, string) ([]clients.TrackerUpdate, error) {
	return f.updates, nil
}
func (f *fakeTracker) PostUpdate(context.Context, string, string) error        { return nil }
func (f *fakeTracker) SetColumn(context.Context, string, string, string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPrepareEnvironment_CreatesBranchFromTitle(t *testing.T) {
	vcs := &fakeVCS{}
	state := &RunState{
		Task: &model.Task{ID: 7, Title: "Fix the login bug", RepositoryURL: "https://example.com/r.git", DefaultBranch: "main"},
		Run:  &model.Run{ID: 1},
	}
	deps := &Deps{Collaborators: &Collaborators{VCS: vcs}, Logger: testLogger()}

	result := PrepareEnvironment(context.Background(), state, deps)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, "agent/7/fix-the-login-bug", state.Run.BranchName)
	require.NotEmpty(t, state.WorkDir)
}

func TestPrepareEnvironment_CloneFailureRetries(t *testing.T) {
	vcs := &fakeVCS{cloneErr: errors.New("network blip")}
	state := &RunState{Task: &model.Task{ID: 1, RepositoryURL: "x"}, Run: &model.Run{ID: 1}}
	deps := &Deps{Collaborators: &Collaborators{VCS: vcs}, Logger: testLogger()}

	result := PrepareEnvironment(context.Background(), state, deps)
	require.Equal(t, OutcomeRetry, result.Outcome)
}

func TestImplementTask_AppliesDiffAndRecordsUsage(t *testing.T) {
	be := memory.New()
	task := &model.Task{Title: "t", Description: "do it"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID}
	require.NoError(t, be.CreateRun(context.Background(), run))

	vcs := &fakeVCS{}
	codegen := &fakeCodeGen{result: &clients.GenerateResult{
		Files: clients.GeneratedFiles{"main.go": "package main"}, TokensIn: 10, TokensOut: 20, CostEstimate: 0.5,
	}}
	state := &RunState{Task: task, Run: run, WorkDir: "/tmp/x"}
	deps := &Deps{Collaborators: &Collaborators{CodeGen: codegen, VCS: vcs}, Store: be, Logger: testLogger()}

	result := ImplementTask(context.Background(), state, deps)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, []string{"main.go"}, result.Output["files_modified"])
	require.Equal(t, []string{"main.go"}, state.FilesModified, "implement_task's output must carry into RunState for human_validation")

	cost, err := be.SumCostByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, 0.5, cost)
}

func TestImplementTask_NoCodeGenFails(t *testing.T) {
	state := &RunState{Task: &model.Task{}, Run: &model.Run{}}
	deps := &Deps{Collaborators: &Collaborators{}, Logger: testLogger()}
	result := ImplementTask(context.Background(), state, deps)
	require.Equal(t, OutcomeFailed, result.Outcome)
}

func TestRunTests_RoutesOnPassFail(t *testing.T) {
	state := &RunState{Task: &model.Task{}, Run: &model.Run{}, Step: &model.Step{}}
	passDeps := &Deps{Collaborators: &Collaborators{TestRunner: &fakeTestRunner{result: &clients.TestResult{Passed: true}}}, Logger: testLogger()}
	result := RunTests(context.Background(), state, passDeps)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, qualPassed, result.NextNodeHint)

	failDeps := &Deps{Collaborators: &Collaborators{TestRunner: &fakeTestRunner{result: &clients.TestResult{Passed: false, Failed: 2}}}, Logger: testLogger()}
	result = RunTests(context.Background(), state, failDeps)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, qualFailed, result.NextNodeHint)
}

func TestRunTests_ExecutionErrorRetriesOnceThenFails(t *testing.T) {
	state := &RunState{Task: &model.Task{}, Run: &model.Run{}, Step: &model.Step{RetryCount: 0}}
	deps := &Deps{Collaborators: &Collaborators{TestRunner: &fakeTestRunner{err: errors.New("runner crashed")}}, Logger: testLogger()}

	result := RunTests(context.Background(), state, deps)
	require.Equal(t, OutcomeRetry, result.Outcome)

	state.Step.RetryCount = 1
	result = RunTests(context.Background(), state, deps)
	require.Equal(t, OutcomeFailed, result.Outcome)
}

func TestDebugCode_AccumulatesFilesModifiedOntoImplementTasks(t *testing.T) {
	be := memory.New()
	task := &model.Task{Title: "t"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID}
	require.NoError(t, be.CreateRun(context.Background(), run))

	codegen := &fakeCodeGen{result: &clients.GenerateResult{Files: clients.GeneratedFiles{"fix.go": "package main"}}}
	state := &RunState{
		Task: task, Run: run, WorkDir: "/tmp/x",
		FilesModified:  []string{"main.go"},
		LastTestResult: &clients.TestResult{Failed: 1},
	}
	deps := &Deps{Collaborators: &Collaborators{CodeGen: codegen, VCS: &fakeVCS{}}, Store: be, Logger: testLogger()}

	result := DebugCode(context.Background(), state, deps)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.ElementsMatch(t, []string{"main.go", "fix.go"}, state.FilesModified)
}

func TestHumanValidation_CreatesPendingValidation(t *testing.T) {
	be := memory.New()
	task := &model.Task{CreatorName: "Dana", ExternalItemID: "42"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID}
	require.NoError(t, be.CreateRun(context.Background(), run))
	step := &model.Step{RunID: run.ID}
	require.NoError(t, be.CreateStep(context.Background(), step))

	state := &RunState{Task: task, Run: run, Step: step}
	deps := &Deps{Collaborators: &Collaborators{Tracker: &fakeTracker{}}, Store: be, Logger: testLogger()}

	result := HumanValidation(context.Background(), state, deps)

	require.Equal(t, OutcomeSuspended, result.Outcome)
	require.NotZero(t, result.ValidationID)
	v, err := be.GetValidation(context.Background(), result.ValidationID)
	require.NoError(t, err)
	require.Equal(t, model.ValidationPending, v.Status)
	require.Contains(t, v.Summary, "Dana")
}

func TestHumanValidation_IncludesFilesModifiedFromImplementTask(t *testing.T) {
	be := memory.New()
	task := &model.Task{CreatorName: "Dana", ExternalItemID: "42"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID}
	require.NoError(t, be.CreateRun(context.Background(), run))
	step := &model.Step{RunID: run.ID}
	require.NoError(t, be.CreateStep(context.Background(), step))

	state := &RunState{Task: task, Run: run, Step: step, FilesModified: []string{"main.go", "handler.go"}}
	deps := &Deps{Collaborators: &Collaborators{Tracker: &fakeTracker{}}, Store: be, Logger: testLogger()}

	result := HumanValidation(context.Background(), state, deps)

	require.Equal(t, OutcomeSuspended, result.Outcome)
	v, err := be.GetValidation(context.Background(), result.ValidationID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"main.go", "handler.go"}, v.FilesModified)
	require.Contains(t, v.Summary, "main.go")
	require.Contains(t, v.Summary, "handler.go")
}

func TestFinalizePR_MergeRequiresShouldMergeAndPassingTests(t *testing.T) {
	be := memory.New()
	task := &model.Task{ExternalItemID: "1", DefaultBranch: "main"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, BranchName: "agent/1/x"}
	require.NoError(t, be.CreateRun(context.Background(), run))
	testsStep := &model.Step{RunID: run.ID, NodeName: string(NodeRunTests), Status: model.StepCompleted, OutputBlob: []byte(`{"passed":true}`)}
	require.NoError(t, be.CreateStep(context.Background(), testsStep))

	vcs := &fakeVCS{prURL: "https://example.com/pr/1"}
	state := &RunState{Task: task, Run: run, ShouldMerge: true}
	deps := &Deps{Collaborators: &Collaborators{VCS: vcs}, Store: be, Logger: testLogger()}

	result := FinalizePR(context.Background(), state, deps)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.True(t, vcs.merged)
}

func TestFinalizePR_DoesNotMergeWhenLastTestsFailed(t *testing.T) {
	be := memory.New()
	task := &model.Task{ExternalItemID: "1", DefaultBranch: "main"}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, BranchName: "agent/1/x"}
	require.NoError(t, be.CreateRun(context.Background(), run))
	testsStep := &model.Step{RunID: run.ID, NodeName: string(NodeRunTests), Status: model.StepFailed}
	require.NoError(t, be.CreateStep(context.Background(), testsStep))

	vcs := &fakeVCS{prURL: "https://example.com/pr/1"}
	state := &RunState{Task: task, Run: run, ShouldMerge: true}
	deps := &Deps{Collaborators: &Collaborators{VCS: vcs}, Store: be, Logger: testLogger()}

	result := FinalizePR(context.Background(), state, deps)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.False(t, vcs.merged, "should_merge must not bypass a failing test gate")
}

func TestUpdateTracker_SetsTerminalStatus(t *testing.T) {
	be := memory.New()
	task := &model.Task{Status: model.TaskQualityCheck}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunCompleted, PRURL: "https://example.com/pr/2"}

	state := &RunState{Task: task, Run: run}
	deps := &Deps{Collaborators: &Collaborators{Tracker: &fakeTracker{}}, Store: be, Logger: testLogger()}

	result := UpdateTracker(context.Background(), state, deps)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, model.TaskCompleted, task.Status)
}

func TestUpdateTracker_FailedRunSetsFailedStatus(t *testing.T) {
	be := memory.New()
	task := &model.Task{Status: model.TaskTesting}
	require.NoError(t, be.CreateTask(context.Background(), task))
	run := &model.Run{TaskID: task.ID, Status: model.RunFailed, ErrorBlob: []byte("boom")}

	state := &RunState{Task: task, Run: run}
	deps := &Deps{Collaborators: &Collaborators{Tracker: &fakeTracker{}}, Store: be, Logger: testLogger()}

	result := UpdateTracker(context.Background(), state, deps)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, model.TaskFailed, task.Status)
}
