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

// Package clients defines the narrow interfaces the workflow substrate
// depends on for its external collaborators (§6 "Outbound collaborators"):
// the LLM code generator, the git/VCS client, the tracker client, and the
// notification fan-out. None of these are implemented here -- they are
// out of scope per §1 -- but the engine, queue, and validation packages are
// written against these interfaces so a concrete implementation can be
// substituted without touching the substrate.
package clients

import (
	"context"
	"time"
)

// GeneratedFiles maps a file path to its full new contents.
type GeneratedFiles map[string]string

// GenerateResult is the outcome of a CodeGenClient.Generate call.
type GenerateResult struct {
	Files         GeneratedFiles
	TokensIn      int
	TokensOut     int
	CostEstimate  float64
}

// CodeGenClient is the LLM code-generation collaborator. Generate must be
// treated as non-idempotent by the caller -- the engine records a new
// AIUsage row for every call regardless of whether the prompt repeats.
type CodeGenClient interface {
	Generate(ctx context.Context, prompt string, promptContext map[string]any) (*GenerateResult, error)
}

// MergeResult is the outcome of VCSClient.MergePR.
type MergeResult struct {
	Merged bool
	SHA    string
}

// VCSClient is the git/VCS collaborator used by prepare_environment and
// finalize_pr.
type VCSClient interface {
	Clone(ctx context.Context, repositoryURL, workDir string) error
	Checkout(ctx context.Context, workDir, ref string) error
	CreateBranch(ctx context.Context, workDir, branch string) error
	ApplyDiff(ctx context.Context, workDir string, files GeneratedFiles) error
	Commit(ctx context.Context, workDir, message string) error
	Push(ctx context.Context, workDir, branch string) error
	OpenPR(ctx context.Context, title, body, base, head string) (prURL string, err error)
	MergePR(ctx context.Context, prURL, sha string) (*MergeResult, error)
}

// TrackerUpdate is one comment/update on a tracker item, as returned by
// TrackerClient.ListUpdates.
type TrackerUpdate struct {
	ID             string
	AuthorID       string
	AuthorEmail    string
	AuthorName     string
	Body           string
	CreatedAt      time.Time
	ParentUpdateID string
}

// TrackerItem is the full ticket data fetched on first sighting (§4.1).
type TrackerItem struct {
	ID            string
	Title         string
	Description   string
	RepositoryURL string
	CreatorID     string
	CreatorEmail  string
	CreatorName   string
	Status        string
}

// TrackerClient is the task-tracker collaborator.
type TrackerClient interface {
	GetItem(ctx context.Context, id string) (*TrackerItem, error)
	ListUpdates(ctx context.Context, itemID string) ([]TrackerUpdate, error)
	PostUpdate(ctx context.Context, itemID, body string) error
	SetColumn(ctx context.Context, itemID, column, value string) error
}

// Notifier sends best-effort notifications. Failures are logged by the
// caller, never propagated (§6).
type Notifier interface {
	Notify(ctx context.Context, userRef, message string) error
}

// TestResult is the outcome of a TestRunner.Run call (§4.3 "run_tests").
type TestResult struct {
	Passed    bool
	Total     int
	Failed    int
	Skipped   int
	Coverage  float64 // 0 when not obtainable
	StdoutTail string
	StderrTail string
}

// TestRunner detects and executes a project's test command. Implementations
// live outside this module; run_tests and debug_code are written only
// against this interface.
type TestRunner interface {
	Run(ctx context.Context, workDir string, timeout time.Duration) (*TestResult, error)
}
