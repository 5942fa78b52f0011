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

// Node bodies for the seven canonical nodes of §4.3. Each is a
// NodeHandler: a pure function of (run state, collaborators) returning a
// NodeResult; persistence of the Step/Run/Task rows around the call is the
// executor's job, not the node's.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
	"github.com/ticketflow/ticketflow/internal/model"
)

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string, maxLen int) string {
	s = strings.ToLower(s)
	s = slugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	if s == "" {
		s = "task"
	}
	return s
}

// branchName implements §4.3's prepare_environment naming rule:
// agent/<task_id>/<short-slug>.
func branchName(task *model.Task) string {
	return fmt.Sprintf("agent/%d/%s", task.ID, slugify(task.Title, 40))
}

func providerErr(provider, op string, err error) error {
	return &tferrors.ProviderError{Provider: provider, Operation: op, Message: err.Error(), Cause: err}
}

// PrepareEnvironment clones the repository, checks out default_branch, and
// creates the feature branch. A clone or checkout failure returns
// OutcomeRetry with a fixed 2s delay; the executor allows one retry per
// step, so the node runs at most twice. There is no exponential backoff.
func PrepareEnvironment(ctx context.Context, state *RunState, deps *Deps) NodeResult {
	if deps.VCS == nil {
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "clone", fmt.Errorf("no VCS client configured"))}
	}
	workDir := fmt.Sprintf("/tmp/ticketflow/run-%d", state.Run.ID)
	if err := deps.VCS.Clone(ctx, state.Task.RepositoryURL, workDir); err != nil {
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: 2 * time.Second, RetryReason: err.Error()}
	}
	branch := state.Task.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	if err := deps.VCS.Checkout(ctx, workDir, branch); err != nil {
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: 2 * time.Second, RetryReason: err.Error()}
	}
	newBranch := branchName(state.Task)
	if err := deps.VCS.CreateBranch(ctx, workDir, newBranch); err != nil {
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "create_branch", err)}
	}
	state.WorkDir = workDir
	state.Run.BranchName = newBranch
	return NodeResult{Outcome: OutcomeCompleted, Output: map[string]any{"branch": newBranch, "work_dir": workDir}}
}

// ImplementTask calls the code-generation collaborator with the task
// description plus, on a rejection retry or a reactivation, the extra
// context §4.3 names.
func ImplementTask(ctx context.Context, state *RunState, deps *Deps) NodeResult {
	if deps.CodeGen == nil {
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("codegen", "generate", fmt.Errorf("no code-generation client configured"))}
	}
	if deps.Limiter != nil && !deps.Limiter.Allow() {
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: deps.Limiter.Reserve(), RetryReason: "llm rate limit"}
	}

	prompt := state.Task.Description
	promptCtx := map[string]any{
		"title":       state.Task.Title,
		"description": state.Task.Description,
	}
	if state.IsRetry && state.ModificationInstructions != "" {
		promptCtx["modification_instructions"] = state.ModificationInstructions
	}
	if state.Run.IsReactivation && state.ReactivationUpdateText != "" {
		promptCtx["reactivation_update"] = state.ReactivationUpdateText
	}

	result, err := deps.CodeGen.Generate(ctx, prompt, promptCtx)
	if err != nil {
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: 5 * time.Second, RetryReason: err.Error()}
	}

	if deps.VCS != nil && state.WorkDir != "" {
		if err := deps.VCS.ApplyDiff(ctx, state.WorkDir, result.Files); err != nil {
			return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "apply_diff", err)}
		}
		msg := "implement task"
		if state.IsRetry {
			msg = "address review feedback"
		}
		if err := deps.VCS.Commit(ctx, state.WorkDir, msg); err != nil {
			return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "commit", err)}
		}
	}

	if deps.Store != nil {
		usage := &model.AIUsage{
			RunID: state.Run.ID, TaskID: state.Task.ID,
			Operation: "implement_task", InputTokens: result.TokensIn,
			OutputTokens: result.TokensOut, EstimatedCost: result.CostEstimate,
			Success: true, CreatedAt: time.Now(),
		}
		_ = deps.Store.RecordAIUsage(ctx, usage)
	}

	files := make([]string, 0, len(result.Files))
	for f := range result.Files {
		files = append(files, f)
	}
	state.FilesModified = mergeFilesModified(state.FilesModified, files)
	return NodeResult{Outcome: OutcomeCompleted, Output: map[string]any{"files_modified": files}}
}

// mergeFilesModified folds newFiles into existing, deduplicated, so a run
// that loops through debug_code accumulates the full changed-file set
// instead of losing implement_task's files on the next write.
func mergeFilesModified(existing, newFiles []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(newFiles))
	for _, f := range existing {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range newFiles {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// RunTests detects and runs the project's test command, then routes to
// human_validation on pass or debug_code on failure. A runner execution
// error (not a test failure) is retried once before failing.
func RunTests(ctx context.Context, state *RunState, deps *Deps) NodeResult {
	if deps.TestRunner == nil {
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("testrunner", "run", fmt.Errorf("no test runner configured"))}
	}
	result, err := deps.TestRunner.Run(ctx, state.WorkDir, 5*time.Minute)
	if err != nil {
		if state.Step != nil && state.Step.RetryCount == 0 {
			return NodeResult{Outcome: OutcomeRetry, RetryDelay: time.Second, RetryReason: err.Error()}
		}
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("testrunner", "run", err)}
	}
	state.LastTestResult = result

	qualifier := qualFailed
	if result.Passed {
		qualifier = qualPassed
	}
	return NodeResult{
		Outcome: OutcomeCompleted,
		Output: map[string]any{
			"passed": result.Passed, "total": result.Total, "failed": result.Failed,
			"skipped": result.Skipped, "coverage": result.Coverage,
		},
		NextNodeHint: qualifier,
	}
}

// DebugCode calls the LLM with the failing test output and applies the
// returned patch. The loop is bounded by deps.DebugMaxIterations; the
// executor increments Run.DebugAttempts and fails the run once the bound
// is exceeded, per §4.3 "debug_code".
func DebugCode(ctx context.Context, state *RunState, deps *Deps) NodeResult {
	if deps.CodeGen == nil {
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("codegen", "generate", fmt.Errorf("no code-generation client configured"))}
	}
	if deps.Limiter != nil && !deps.Limiter.Allow() {
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: deps.Limiter.Reserve(), RetryReason: "llm rate limit"}
	}

	promptCtx := map[string]any{"title": state.Task.Title}
	if state.LastTestResult != nil {
		promptCtx["stdout_tail"] = state.LastTestResult.StdoutTail
		promptCtx["stderr_tail"] = state.LastTestResult.StderrTail
		promptCtx["failed"] = state.LastTestResult.Failed
	}

	result, err := deps.CodeGen.Generate(ctx, "fix failing tests", promptCtx)
	if err != nil {
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: 5 * time.Second, RetryReason: err.Error()}
	}
	if deps.VCS != nil && state.WorkDir != "" {
		if err := deps.VCS.ApplyDiff(ctx, state.WorkDir, result.Files); err != nil {
			return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "apply_diff", err)}
		}
		if err := deps.VCS.Commit(ctx, state.WorkDir, "debug failing tests"); err != nil {
			return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "commit", err)}
		}
	}
	if deps.Store != nil {
		_ = deps.Store.RecordAIUsage(ctx, &model.AIUsage{
			RunID: state.Run.ID, TaskID: state.Task.ID, Operation: "debug_code",
			InputTokens: result.TokensIn, OutputTokens: result.TokensOut,
			EstimatedCost: result.CostEstimate, Success: true, CreatedAt: time.Now(),
		})
	}
	patched := make([]string, 0, len(result.Files))
	for f := range result.Files {
		patched = append(patched, f)
	}
	state.FilesModified = mergeFilesModified(state.FilesModified, patched)
	return NodeResult{Outcome: OutcomeCompleted, Output: map[string]any{"patched": true}}
}

// HumanValidation posts a tracker comment summarizing the change, mentioning
// the ticket creator, and creates the HumanValidation row that suspends the
// run. Resumed by C4 via Executor.Resume.
func HumanValidation(ctx context.Context, state *RunState, deps *Deps) NodeResult {
	if deps.Store == nil {
		return NodeResult{Outcome: OutcomeFailed, Err: fmt.Errorf("no store configured")}
	}

	files := state.FilesModified
	summary := fmt.Sprintf("@%s your change to %q is ready for review.", state.Task.CreatorName, state.Task.Title)
	if len(files) > 0 {
		summary += fmt.Sprintf(" Files changed: %s.", strings.Join(files, ", "))
	}

	var updateID string
	if deps.Tracker != nil {
		if err := deps.Tracker.PostUpdate(ctx, state.Task.ExternalItemID, summary); err != nil {
			deps.Logger.Warn("failed to post validation comment", "error", err)
		}
		updates, err := deps.Tracker.ListUpdates(ctx, state.Task.ExternalItemID)
		if err == nil && len(updates) > 0 {
			updateID = updates[len(updates)-1].ID
		}
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	validation := &model.HumanValidation{
		TaskID: state.Task.ID, RunID: state.Run.ID, StepID: state.Step.ID,
		Title: state.Task.Title, Summary: summary, FilesModified: files,
		Status: model.ValidationPending, CreatedAt: time.Now(), ExpiresAt: expiresAt,
		TrackerUpdateID: updateID,
		CreatorID:       state.Task.CreatorID, CreatorEmail: state.Task.CreatorEmail, CreatorName: state.Task.CreatorName,
	}
	if state.IsRetry {
		validation.IsRetry = true
	}
	if err := deps.Store.CreateValidation(ctx, validation); err != nil {
		return NodeResult{Outcome: OutcomeFailed, Err: err}
	}

	return NodeResult{Outcome: OutcomeSuspended, ValidationID: validation.ID, ExpiresAt: expiresAt}
}

// FinalizePR pushes the feature branch, opens a PR, and -- only when the
// run's last run_tests step actually passed -- honors should_merge. A
// should_merge flag never bypasses a failing test gate (open question #4,
// DESIGN.md): human approval expresses intent to merge conditioned on the
// tests that already had to pass to reach this node, not a license to skip
// them on a later retry where state drifted.
func FinalizePR(ctx context.Context, state *RunState, deps *Deps) NodeResult {
	if deps.VCS == nil {
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "push", fmt.Errorf("no VCS client configured"))}
	}
	if err := deps.VCS.Push(ctx, state.WorkDir, state.Run.BranchName); err != nil {
		return NodeResult{Outcome: OutcomeRetry, RetryDelay: 5 * time.Second, RetryReason: err.Error()}
	}
	base := state.Task.DefaultBranch
	if base == "" {
		base = "main"
	}
	title := fmt.Sprintf("ticketflow: %s", state.Task.Title)
	body := fmt.Sprintf("Automated change for ticket %s.", state.Task.ExternalItemID)
	prURL, err := deps.VCS.OpenPR(ctx, title, body, base, state.Run.BranchName)
	if err != nil {
		return NodeResult{Outcome: OutcomeFailed, Err: providerErr("vcs", "open_pr", err)}
	}
	state.Run.PRURL = prURL

	if state.ShouldMerge && lastRunTestsPassed(ctx, deps, state.Run.ID) {
		if _, err := deps.VCS.MergePR(ctx, prURL, ""); err != nil {
			deps.Logger.Warn("merge request failed, leaving PR open", "error", err, "pr_url", prURL)
		}
	}

	return NodeResult{Outcome: OutcomeCompleted, Output: map[string]any{"pr_url": prURL}}
}

func lastRunTestsPassed(ctx context.Context, deps *Deps, runID int64) bool {
	if deps.Store == nil {
		return false
	}
	steps, err := deps.Store.ListStepsByRun(ctx, runID)
	if err != nil {
		return false
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].NodeName == string(NodeRunTests) {
			// run_tests completes its step whether or not the tests passed;
			// the result is in the step's output.
			if steps[i].Status != model.StepCompleted {
				return false
			}
			var out struct {
				Passed bool `json:"passed"`
			}
			return json.Unmarshal(steps[i].OutputBlob, &out) == nil && out.Passed
		}
	}
	return false
}

// UpdateTracker posts the final outcome (PR link or failure reason) back to
// the tracker and advances Task.internal_status to completed or failed.
func UpdateTracker(ctx context.Context, state *RunState, deps *Deps) NodeResult {
	var body string
	to := model.TaskCompleted
	if state.Run.Status == model.RunFailed {
		to = model.TaskFailed
		body = fmt.Sprintf("Automated work on this ticket failed: %s", stringOrDefault(errString(state.Run.ErrorBlob), "see run log"))
	} else {
		body = fmt.Sprintf("Change ready: %s", state.Run.PRURL)
	}
	if deps.Tracker != nil {
		if err := deps.Tracker.PostUpdate(ctx, state.Task.ExternalItemID, body); err != nil {
			deps.Logger.Warn("failed to post final tracker update", "error", err)
		}
	}
	if deps.Store != nil {
		if err := applyTaskStatus(ctx, deps.Store, state.Task, to); err != nil {
			return NodeResult{Outcome: OutcomeFailed, Err: err}
		}
	}
	return NodeResult{Outcome: OutcomeCompleted, Output: map[string]any{"final_status": string(to)}}
}

func errString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return string(b)
}

func stringOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
