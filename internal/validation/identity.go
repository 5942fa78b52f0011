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

package validation

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

// repliesTo returns the updates posted after v was created, oldest first,
// per §4.4 step 2 ("filter to replies ... with timestamp > created_at").
// The tracker has no native "in reply to update_id" threading in every
// backend, so recency is the filter; ListUpdates already scopes to one
// item.
func repliesTo(v *model.HumanValidation, updates []clients.TrackerUpdate) []clients.TrackerUpdate {
	var out []clients.TrackerUpdate
	for _, u := range updates {
		if u.CreatedAt.After(v.CreatedAt) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// authorize implements §4.4 step 3's comparison rule: prefer id equality,
// fall back to case-insensitive email equality, and only downgrade to
// "open mode" (accept anyone) when neither side has an id or email to
// compare, logging a warning so the gap is visible in practice.
func authorize(v *model.HumanValidation, u clients.TrackerUpdate, logger *slog.Logger) bool {
	if v.CreatorID != "" && u.AuthorID != "" {
		return v.CreatorID == u.AuthorID
	}
	if v.CreatorEmail != "" && u.AuthorEmail != "" {
		return strings.EqualFold(v.CreatorEmail, u.AuthorEmail)
	}
	if v.CreatorID == "" && v.CreatorEmail == "" {
		logger.Warn("validation has no creator id or email, accepting reply in open mode",
			slog.Int64("validation_id", v.ID), slog.String("update_id", u.ID))
		return true
	}
	return false
}
