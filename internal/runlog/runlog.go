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

// Package runlog keeps a bounded in-memory tail of step-level log lines per
// run, so GET /workflow/status/{task_id} can report what a run is currently
// doing without a websocket surface (that belongs to the out-of-scope admin
// UI). It is process-local: a replicated daemon's status endpoint only sees
// the log lines produced by the replica currently executing that run.
package runlog

import (
	"sync"
	"time"
)

// maxEntriesPerRun bounds memory per run; a run producing more than this
// many lines has its oldest entries evicted.
const maxEntriesPerRun = 200

// Entry is one step-level log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	NodeName  string    `json:"node_name"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Aggregator collects log entries per run ID and serves the most recent
// ones back out for status polling.
type Aggregator struct {
	mu      sync.RWMutex
	entries map[int64][]Entry
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{entries: make(map[int64][]Entry)}
}

// Append records a log line for runID, evicting the oldest entry once the
// per-run cap is reached.
func (a *Aggregator) Append(runID int64, nodeName, level, message string) {
	entry := Entry{Timestamp: time.Now(), NodeName: nodeName, Level: level, Message: message}

	a.mu.Lock()
	defer a.mu.Unlock()
	lines := append(a.entries[runID], entry)
	if len(lines) > maxEntriesPerRun {
		lines = lines[len(lines)-maxEntriesPerRun:]
	}
	a.entries[runID] = lines
}

// Tail returns up to n of the most recent entries for runID, oldest first.
// A non-positive n returns everything retained.
func (a *Aggregator) Tail(runID int64, n int) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	lines := a.entries[runID]
	if n <= 0 || n >= len(lines) {
		out := make([]Entry, len(lines))
		copy(out, lines)
		return out
	}
	out := make([]Entry, n)
	copy(out, lines[len(lines)-n:])
	return out
}

// Forget discards retained entries for runID, called once a run reaches a
// terminal status so a long-lived daemon doesn't accumulate logs forever
// for runs nobody is polling anymore.
func (a *Aggregator) Forget(runID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, runID)
}
