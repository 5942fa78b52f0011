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
	"fmt"
	"time"
)

// edgeKey is (node, outcome-qualifier). Most edges are unconditional
// (qualifier ""); run_tests and human_validation have conditional edges
// keyed by the qualifier a node puts in NodeResult.NextNodeHint.
type edgeKey struct {
	node      NodeName
	qualifier NodeName
}

// Graph is the canonical node graph of §4.3, modeled as data per §9 "From
// dynamic handlers to typed states". It is built once at startup and never
// mutated; concurrent Executors share one Graph safely.
type Graph struct {
	order    []NodeName
	handlers map[NodeName]NodeHandler
	edges    map[edgeKey]NodeName
	timeouts map[NodeName]time.Duration
	start    NodeName
}

// Option configures a Graph at build time.
type Option func(*Graph)

// WithTimeout overrides the default per-node timeout named in §5
// "Timeouts".
func WithTimeout(node NodeName, d time.Duration) Option {
	return func(g *Graph) { g.timeouts[node] = d }
}

// Edge qualifiers label the outcome-dependent edges leaving run_tests and
// human_validation. The bounded debug loop's iteration count is tracked by
// Executor on Run.DebugAttempts, not in the graph.
const (
	qualPassed   NodeName = "passed"
	qualFailed   NodeName = "failed"
	qualApproved NodeName = "approved"
	qualRejected NodeName = "rejected"
	qualAbandon  NodeName = "abandoned"
)

// BuildGraph constructs the fixed graph of §4.3's canonical diagram.
// handlers supplies the NodeHandler for every non-terminal node; a missing
// entry is a programmer error (caught by BuildGraph returning an error).
func BuildGraph(handlers map[NodeName]NodeHandler, opts ...Option) (*Graph, error) {
	g := &Graph{
		order: []NodeName{
			NodePrepareEnvironment,
			NodeImplementTask,
			NodeRunTests,
			NodeDebugCode,
			NodeHumanValidation,
			NodeFinalizePR,
			NodeUpdateTracker,
		},
		handlers: make(map[NodeName]NodeHandler, len(handlers)),
		timeouts: map[NodeName]time.Duration{
			NodePrepareEnvironment: 30 * time.Second,
			NodeImplementTask:      5 * time.Minute,
			NodeRunTests:           5 * time.Minute,
			NodeDebugCode:          5 * time.Minute,
			NodeHumanValidation:    24 * time.Hour,
			NodeFinalizePR:         5 * time.Minute,
			NodeUpdateTracker:      30 * time.Second,
		},
		start: NodePrepareEnvironment,
	}

	g.edges = map[edgeKey]NodeName{
		{NodePrepareEnvironment, ""}: NodeImplementTask,
		{NodeImplementTask, ""}:      NodeRunTests,
		{NodeRunTests, qualPassed}:   NodeHumanValidation,
		{NodeRunTests, qualFailed}:   NodeDebugCode,
		{NodeDebugCode, ""}:          NodeRunTests,
		{NodeHumanValidation, qualApproved}: NodeFinalizePR,
		{NodeHumanValidation, qualRejected}: NodeImplementTask,
		{NodeHumanValidation, qualAbandon}:  nodeFailRun,
		{NodeFinalizePR, ""}:    NodeUpdateTracker,
	}

	for _, n := range g.order {
		h, ok := handlers[n]
		if !ok {
			return nil, fmt.Errorf("engine: no handler registered for node %q", n)
		}
		g.handlers[n] = h
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Start returns the first node of a fresh run.
func (g *Graph) Start() NodeName { return g.start }

// Handler returns the handler for a node, or nil if node is the terminal
// fail-run sink or otherwise unregistered.
func (g *Graph) Handler(node NodeName) NodeHandler { return g.handlers[node] }

// Timeout returns the configured timeout for a node.
func (g *Graph) Timeout(node NodeName) time.Duration { return g.timeouts[node] }

// Next resolves the edge leaving node under qualifier (empty string for an
// unconditional edge). ok is false when no such edge exists, which the
// executor treats as "this node terminates the run".
func (g *Graph) Next(node, qualifier NodeName) (NodeName, bool) {
	n, ok := g.edges[edgeKey{node, qualifier}]
	return n, ok
}

// IsTerminal reports whether node ends the run (DONE or fail_run).
func (g *Graph) IsTerminal(node NodeName) bool {
	return node == NodeUpdateTracker || node == nodeFailRun
}
