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
	"time"

	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, *RunState, *Deps) NodeResult {
	return NodeResult{Outcome: OutcomeCompleted}
}

func allHandlers() map[NodeName]NodeHandler {
	return map[NodeName]NodeHandler{
		NodePrepareEnvironment: noopHandler,
		NodeImplementTask:      noopHandler,
		NodeRunTests:           noopHandler,
		NodeDebugCode:          noopHandler,
		NodeHumanValidation:    noopHandler,
		NodeFinalizePR:         noopHandler,
		NodeUpdateTracker:      noopHandler,
	}
}

func TestBuildGraph_MissingHandlerErrors(t *testing.T) {
	handlers := allHandlers()
	delete(handlers, NodeDebugCode)
	_, err := BuildGraph(handlers)
	require.Error(t, err)
}

func TestBuildGraph_CanonicalEdges(t *testing.T) {
	g, err := BuildGraph(allHandlers())
	require.NoError(t, err)

	require.Equal(t, NodePrepareEnvironment, g.Start())

	cases := []struct {
		from, qualifier, want NodeName
	}{
		{NodePrepareEnvironment, "", NodeImplementTask},
		{NodeImplementTask, "", NodeRunTests},
		{NodeRunTests, qualPassed, NodeHumanValidation},
		{NodeRunTests, qualFailed, NodeDebugCode},
		{NodeDebugCode, "", NodeRunTests},
		{NodeHumanValidation, qualApproved, NodeFinalizePR},
		{NodeHumanValidation, qualRejected, NodeImplementTask},
		{NodeHumanValidation, qualAbandon, nodeFailRun},
		{NodeFinalizePR, "", NodeUpdateTracker},
	}
	for _, tc := range cases {
		got, ok := g.Next(tc.from, tc.qualifier)
		require.True(t, ok, "edge (%s, %s) should exist", tc.from, tc.qualifier)
		require.Equal(t, tc.want, got)
	}

	_, ok := g.Next(NodeUpdateTracker, "")
	require.False(t, ok, "update_tracker has no outgoing edge")
}

func TestBuildGraph_IsTerminal(t *testing.T) {
	g, err := BuildGraph(allHandlers())
	require.NoError(t, err)

	require.True(t, g.IsTerminal(NodeUpdateTracker))
	require.True(t, g.IsTerminal(nodeFailRun))
	require.False(t, g.IsTerminal(NodeRunTests))
}

func TestBuildGraph_DefaultAndOverriddenTimeouts(t *testing.T) {
	g, err := BuildGraph(allHandlers())
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, g.Timeout(NodePrepareEnvironment))
	require.Equal(t, 24*time.Hour, g.Timeout(NodeHumanValidation))

	g, err = BuildGraph(allHandlers(), WithTimeout(NodePrepareEnvironment, time.Minute))
	require.NoError(t, err)
	require.Equal(t, time.Minute, g.Timeout(NodePrepareEnvironment))
}
