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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
)

func TestEnqueueAndLease(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)

	qid, err := g.Enqueue(context.Background(), &model.QueueEntry{
		TaskID: &taskID, Status: model.QueuePending, Trigger: model.TriggerStart,
	})
	require.NoError(t, err)
	require.NotZero(t, qid)

	leased, err := g.Lease(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, qid, leased.ID)
	require.Equal(t, model.QueueRunning, leased.Status)

	second, err := g.Lease(context.Background(), "worker-2")
	require.NoError(t, err)
	require.Nil(t, second, "a running entry for the same task must not be leasable twice")
}

func TestCompleteReleasesLock(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	qid, err := g.Enqueue(context.Background(), &model.QueueEntry{TaskID: &taskID, Status: model.QueuePending, Trigger: model.TriggerStart})
	require.NoError(t, err)
	_, err = g.Lease(context.Background(), "worker-1")
	require.NoError(t, err)

	require.NoError(t, g.Complete(context.Background(), qid, model.QueueCompleted))

	task, err := be.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.False(t, task.IsLocked)
}

func TestHeartbeatPreventsStaleSweep(t *testing.T) {
	g, be := newGuard(t)
	taskID := seedCompletedTask(t, be)
	qid, err := g.Enqueue(context.Background(), &model.QueueEntry{TaskID: &taskID, Status: model.QueuePending, Trigger: model.TriggerStart})
	require.NoError(t, err)
	_, err = g.Lease(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, g.Heartbeat(context.Background(), qid))

	n, err := g.ReleaseStaleLeases(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	entry, err := be.GetQueueEntry(context.Background(), qid)
	require.NoError(t, err)
	require.Equal(t, model.QueueRunning, entry.Status)
	_ = time.Now()
}
