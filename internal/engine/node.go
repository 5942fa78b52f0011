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

// Package engine implements C3: a finite state machine over named nodes,
// one run at a time, that is pausable at exactly the points §4.3 names
// (human_validation). The graph is fixed data built once at startup
// (graph.go); node bodies (nodes.go) are pure functions of (run state,
// external clients) returning a tagged NodeResult.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/ratelimit"
	"github.com/ticketflow/ticketflow/internal/runlog"
	"github.com/ticketflow/ticketflow/internal/store"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

// NodeName identifies one of the seven canonical nodes of §4.3.
type NodeName string

const (
	NodePrepareEnvironment NodeName = "prepare_environment"
	NodeImplementTask      NodeName = "implement_task"
	NodeRunTests           NodeName = "run_tests"
	NodeDebugCode          NodeName = "debug_code"
	NodeHumanValidation    NodeName = "human_validation"
	NodeFinalizePR         NodeName = "finalize_pr"
	NodeUpdateTracker      NodeName = "update_tracker"
	nodeFailRun            NodeName = "fail_run" // terminal sink, not a handler
)

// Outcome tags a NodeResult. Exactly one of the Outcome-specific fields on
// NodeResult is meaningful for a given tag.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeSuspended Outcome = "suspended"
	OutcomeFailed    Outcome = "failed"
)

// NodeResult is the tagged variant a node handler returns, per §4.3
// "Per-node contract".
type NodeResult struct {
	Outcome Outcome

	// Completed
	Output       map[string]any
	NextNodeHint NodeName // empty defers to the graph's unconditional edge

	// Retry
	RetryDelay  time.Duration
	RetryReason string

	// Suspended
	ValidationID int64
	ExpiresAt    time.Time

	// Failed
	Err error
}

// Collaborators bundles the external clients a node may call, per §6.
// A nil field means that capability was not configured; nodes that need it
// fail with a ProviderError rather than panicking.
type Collaborators struct {
	CodeGen    clients.CodeGenClient
	VCS        clients.VCSClient
	Tracker    clients.TrackerClient
	TestRunner clients.TestRunner
	Notifier   clients.Notifier
}

// Deps bundles everything a node needs beyond the external clients:
// persistence, the shared LLM rate limiter, logging, and the handful of
// config values node bodies consult directly (debug loop bound).
type Deps struct {
	*Collaborators
	Store              store.Store
	Limiter            *ratelimit.Limiter
	Logger             *slog.Logger
	Logs               *runlog.Aggregator
	DebugMaxIterations int
	AgentHandle        string
}

// RunState is the mutable context threaded through one run's node
// invocations. WorkDir is set by prepare_environment and is local to the
// worker process; it is not persisted. A resumed run gets the same
// run-<id> directory path back and is not cloned again.
type RunState struct {
	Task   *model.Task
	Run    *model.Run
	Step   *model.Step // the Step row for the node currently executing
	WorkDir string

	// IsRetry is true when this invocation of implement_task follows a
	// human_validation rejection; ModificationInstructions then carries the
	// reviewer's free-text reply (§4.3 "implement_task").
	IsRetry                  bool
	ModificationInstructions string

	// ShouldMerge carries the human reviewer's should_merge flag from the
	// validation reply that approved this run (§4.3 "finalize_pr").
	ShouldMerge bool

	// ReactivationUpdateText carries the tracker update body that triggered
	// a reactivation, when Run.IsReactivation is true.
	ReactivationUpdateText string

	// LastTestResult is populated by run_tests and read by debug_code.
	LastTestResult *clients.TestResult

	// FilesModified is populated by implement_task from its generated diff
	// and read by human_validation when it builds the validation row and
	// tracker summary (§4.3 "a summary of changed files").
	FilesModified []string

	// ResumeStep is set by the executor when a crash-recovered run's tail
	// Step was left pending/running by a worker that died mid-node. The
	// node is re-driven against that same Step row instead of a new one,
	// so recovery does not create a duplicate Step for the node in flight.
	ResumeStep *model.Step
}

// NodeHandler executes one node. It must not mutate state.Run/state.Task in
// place except via the fields the engine expects nodes to set (e.g.
// state.WorkDir) -- persisted status transitions are the executor's job.
type NodeHandler func(ctx context.Context, state *RunState, deps *Deps) NodeResult
