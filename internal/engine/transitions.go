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

	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store"
)

// taskStatusForNode maps a node about to execute to the Task.status it
// implies, per §4.3's allowed-transition table. human_validation and
// finalize_pr (approve path, or a rejected retry of implement_task) map to
// quality_check: the table has no edge back out of quality_check into
// processing/testing, which matches the intended semantics -- once a
// ticket has reached human review, re-implementation driven by a rejection
// is still "under review", not a fresh processing pass. See DESIGN.md.
//
// update_tracker is deliberately absent from this mapping: its handler
// applies the real terminal transition (completed or failed) itself, since
// that is the one case where the node's own result, not its position in
// the graph, decides which status applies. Pre-transitioning it here would
// force every failure path through quality_check even when the run never
// reached review.
func taskStatusForNode(node NodeName, state *RunState) model.TaskStatus {
	if node == NodeUpdateTracker {
		return state.Task.Status
	}
	// Once a ticket has entered quality_check, it stays there through a
	// rejection-driven re-implementation and the eventual finalize_pr --
	// there is no edge in the allowed-transition table back out to
	// processing/testing, so a retry's implement_task call does not leave
	// quality_check either.
	if state.Task.Status == model.TaskQualityCheck {
		return model.TaskQualityCheck
	}
	switch node {
	case NodePrepareEnvironment, NodeImplementTask:
		return model.TaskProcessing
	case NodeRunTests:
		return model.TaskTesting
	case NodeDebugCode:
		return model.TaskDebugging
	case NodeHumanValidation, NodeFinalizePR:
		return model.TaskQualityCheck
	default:
		return model.TaskProcessing
	}
}

// applyTaskStatus performs the write-time transition check of §4.3 before
// advancing Task.status, rejecting illegal transitions with a
// TransitionError (the caller marks the run failed, per §7 "Logical").
func applyTaskStatus(ctx context.Context, s store.TaskStore, task *model.Task, to model.TaskStatus) error {
	if !model.IsAllowedTransition(task.Status, to) {
		return &tferrors.TransitionError{Entity: "task", From: string(task.Status), To: string(to)}
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, to); err != nil {
		return err
	}
	task.PreviousStatus = task.Status
	task.Status = to
	return nil
}
