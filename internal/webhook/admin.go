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

package webhook

import "context"

// Canceller is the narrow slice of *validation.Inbox the router needs for
// admin cancellation, mirroring internal/validation.Resumer's
// interface-segregation against the engine.
type Canceller interface {
	Cancel(ctx context.Context, validationID int64, actorID string) error
}

// SetCanceller attaches the admin-cancel collaborator. Left unset, POST
// /admin/validations/{id}/cancel answers 501, which is the state
// ticketflowd without a validation inbox (not expected in practice, but
// not one RegisterRoutes should panic over) leaves it in.
func (router *Router) SetCanceller(c Canceller) {
	router.canceller = c
}

// SetLogTailer attaches the run log source for GET /workflow/status. Left
// unset, the status response simply omits "recent_logs".
func (router *Router) SetLogTailer(t LogTailer) {
	router.logTailer = t
}
