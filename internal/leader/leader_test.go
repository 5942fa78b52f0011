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

package leader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewElector_Defaults(t *testing.T) {
	e := NewElector(Config{InstanceID: "worker-1"})
	require.Equal(t, "worker-1", e.instanceID)
	require.Equal(t, defaultRetryInterval, e.retryInterval)
	require.False(t, e.IsLeader())
}

func TestSetLeader_InvokesCallbacksOnlyOnChange(t *testing.T) {
	e := NewElector(Config{InstanceID: "worker-1"})

	var transitions []bool
	e.OnLeadershipChange(func(isLeader bool) {
		transitions = append(transitions, isLeader)
	})

	e.setLeader(true)
	e.setLeader(true) // no-op, already leader
	e.setLeader(false)
	e.setLeader(false) // no-op, already not leader

	require.Equal(t, []bool{true, false}, transitions)
}

func TestSetLeader_RunsAllRegisteredCallbacks(t *testing.T) {
	e := NewElector(Config{InstanceID: "worker-1"})

	var firstCalled, secondCalled bool
	e.OnLeadershipChange(func(isLeader bool) { firstCalled = isLeader })
	e.OnLeadershipChange(func(isLeader bool) { secondCalled = isLeader })

	e.setLeader(true)

	require.True(t, firstCalled)
	require.True(t, secondCalled)
}

func TestStatusSnapshot(t *testing.T) {
	e := NewElector(Config{InstanceID: "worker-7"})
	require.Equal(t, Status{InstanceID: "worker-7", IsLeader: false}, e.StatusSnapshot())

	e.setLeader(true)
	require.Equal(t, Status{InstanceID: "worker-7", IsLeader: true}, e.StatusSnapshot())
}
