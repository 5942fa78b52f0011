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

package main

import (
	"context"
	"time"

	"github.com/ticketflow/ticketflow/internal/engine"
	"github.com/ticketflow/ticketflow/pkg/clients"
	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

// unconfiguredCollaborators satisfies every pkg/clients interface by
// returning a ConfigError. pkg/clients has no concrete implementation in
// this module by design (§1): a real deployment links in its own
// CodeGenClient/VCSClient/TrackerClient/Notifier/TestRunner and builds an
// *engine.Collaborators from them instead of calling this constructor.
// Running ticketflowd against these stubs lets every other component
// (queue, webhook ingress, validation inbox, maintenance sweeps) start up
// and be exercised without those integrations present.
type unconfiguredCollaborators struct {
	what string
}

func (u unconfiguredCollaborators) err(op string) error {
	return &tferrors.ConfigError{Key: u.what, Reason: "no " + u.what + " configured; " + op + " is a no-op integration seam"}
}

func (u unconfiguredCollaborators) Generate(ctx context.Context, prompt string, promptContext map[string]any) (*clients.GenerateResult, error) {
	return nil, u.err("Generate")
}

func (u unconfiguredCollaborators) Clone(ctx context.Context, repositoryURL, workDir string) error {
	return u.err("Clone")
}
func (u unconfiguredCollaborators) Checkout(ctx context.Context, workDir, ref string) error {
	return u.err("Checkout")
}
func (u unconfiguredCollaborators) CreateBranch(ctx context.Context, workDir, branch string) error {
	return u.err("CreateBranch")
}
func (u unconfiguredCollaborators) ApplyDiff(ctx context.Context, workDir string, files clients.GeneratedFiles) error {
	return u.err("ApplyDiff")
}
func (u unconfiguredCollaborators) Commit(ctx context.Context, workDir, message string) error {
	return u.err("Commit")
}
func (u unconfiguredCollaborators) Push(ctx context.Context, workDir, branch string) error {
	return u.err("Push")
}
func (u unconfiguredCollaborators) OpenPR(ctx context.Context, title, body, base, head string) (string, error) {
	return "", u.err("OpenPR")
}
func (u unconfiguredCollaborators) MergePR(ctx context.Context, prURL, sha string) (*clients.MergeResult, error) {
	return nil, u.err("MergePR")
}

func (u unconfiguredCollaborators) GetItem(ctx context.Context, id string) (*clients.TrackerItem, error) {
	return nil, u.err("GetItem")
}
func (u unconfiguredCollaborators) ListUpdates(ctx context.Context, itemID string) ([]clients.TrackerUpdate, error) {
	return nil, u.err("ListUpdates")
}
func (u unconfiguredCollaborators) PostUpdate(ctx context.Context, itemID, body string) error {
	return u.err("PostUpdate")
}
func (u unconfiguredCollaborators) SetColumn(ctx context.Context, itemID, column, value string) error {
	return u.err("SetColumn")
}

func (u unconfiguredCollaborators) Notify(ctx context.Context, userRef, message string) error {
	return u.err("Notify")
}

func (u unconfiguredCollaborators) Run(ctx context.Context, workDir string, timeout time.Duration) (*clients.TestResult, error) {
	return nil, u.err("Run")
}

var (
	_ clients.CodeGenClient = unconfiguredCollaborators{}
	_ clients.VCSClient     = unconfiguredCollaborators{}
	_ clients.TrackerClient = unconfiguredCollaborators{}
	_ clients.Notifier      = unconfiguredCollaborators{}
	_ clients.TestRunner    = unconfiguredCollaborators{}
)

// buildCollaborators assembles the engine's Collaborators. Every field is
// the unconfiguredCollaborators stub until a deployment links in a real
// client; see the type doc above.
func buildCollaborators() *engine.Collaborators {
	return &engine.Collaborators{
		CodeGen:    unconfiguredCollaborators{what: "CodeGenClient"},
		VCS:        unconfiguredCollaborators{what: "VCSClient"},
		Tracker:    unconfiguredCollaborators{what: "TrackerClient"},
		Notifier:   unconfiguredCollaborators{what: "Notifier"},
		TestRunner: unconfiguredCollaborators{what: "TestRunner"},
	}
}
