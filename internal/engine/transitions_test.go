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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store/memory"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

func TestTaskStatusForNode_FollowsGraphPosition(t *testing.T) {
	state := &RunState{Task: &model.Task{Status: model.TaskPending}}

	require.Equal(t, model.TaskProcessing, taskStatusForNode(NodePrepareEnvironment, state))
	require.Equal(t, model.TaskProcessing, taskStatusForNode(NodeImplementTask, state))
	require.Equal(t, model.TaskTesting, taskStatusForNode(NodeRunTests, state))
	require.Equal(t, model.TaskDebugging, taskStatusForNode(NodeDebugCode, state))
	require.Equal(t, model.TaskQualityCheck, taskStatusForNode(NodeHumanValidation, state))
	require.Equal(t, model.TaskQualityCheck, taskStatusForNode(NodeFinalizePR, state))
}

func TestTaskStatusForNode_QualityCheckStaysThroughRejectionRetry(t *testing.T) {
	state := &RunState{Task: &model.Task{Status: model.TaskQualityCheck}, IsRetry: true}

	require.Equal(t, model.TaskQualityCheck, taskStatusForNode(NodeImplementTask, state))
	require.Equal(t, model.TaskQualityCheck, taskStatusForNode(NodeRunTests, state))
	require.Equal(t, model.TaskQualityCheck, taskStatusForNode(NodeDebugCode, state))
}

func TestTaskStatusForNode_UpdateTrackerDefersToHandler(t *testing.T) {
	state := &RunState{Task: &model.Task{Status: model.TaskProcessing}}
	require.Equal(t, model.TaskProcessing, taskStatusForNode(NodeUpdateTracker, state))
}

func TestApplyTaskStatus_PersistsAllowedTransition(t *testing.T) {
	be := memory.New()
	task := &model.Task{Source: "github", ExternalItemID: "1", Status: model.TaskPending}
	require.NoError(t, be.CreateTask(context.Background(), task))

	require.NoError(t, applyTaskStatus(context.Background(), be, task, model.TaskProcessing))
	require.Equal(t, model.TaskProcessing, task.Status)
	require.Equal(t, model.TaskPending, task.PreviousStatus)

	stored, err := be.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskProcessing, stored.Status)
}

func TestApplyTaskStatus_RejectsIllegalTransition(t *testing.T) {
	be := memory.New()
	task := &model.Task{Source: "github", ExternalItemID: "1", Status: model.TaskCompleted}
	require.NoError(t, be.CreateTask(context.Background(), task))

	err := applyTaskStatus(context.Background(), be, task, model.TaskProcessing)
	require.Error(t, err)
	var transErr *tferrors.TransitionError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, model.TaskCompleted, task.Status, "rejected transition must not mutate the in-memory task")
}
