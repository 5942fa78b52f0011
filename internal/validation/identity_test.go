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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/pkg/clients"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRepliesTo_FiltersAndOrdersByTimestamp(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := &model.HumanValidation{CreatedAt: created}
	updates := []clients.TrackerUpdate{
		{ID: "before", CreatedAt: created.Add(-time.Minute)},
		{ID: "later", CreatedAt: created.Add(2 * time.Hour)},
		{ID: "earlier-reply", CreatedAt: created.Add(time.Hour)},
	}

	got := repliesTo(v, updates)
	require.Len(t, got, 2)
	require.Equal(t, "earlier-reply", got[0].ID)
	require.Equal(t, "later", got[1].ID)
}

func TestAuthorize_PrefersIDEquality(t *testing.T) {
	v := &model.HumanValidation{CreatorID: "user-1", CreatorEmail: "someone@example.com"}
	require.True(t, authorize(v, clients.TrackerUpdate{AuthorID: "user-1", AuthorEmail: "other@example.com"}, discardLogger()))
	require.False(t, authorize(v, clients.TrackerUpdate{AuthorID: "user-2"}, discardLogger()))
}

func TestAuthorize_FallsBackToCaseInsensitiveEmail(t *testing.T) {
	v := &model.HumanValidation{CreatorEmail: "Dana@Example.com"}
	require.True(t, authorize(v, clients.TrackerUpdate{AuthorEmail: "dana@example.com"}, discardLogger()))
	require.False(t, authorize(v, clients.TrackerUpdate{AuthorEmail: "someone-else@example.com"}, discardLogger()))
}

func TestAuthorize_OpenModeWhenNoIdentityToCompare(t *testing.T) {
	v := &model.HumanValidation{}
	require.True(t, authorize(v, clients.TrackerUpdate{AuthorID: "anyone"}, discardLogger()))
}

func TestAuthorize_RejectsWhenReplyLacksComparableFields(t *testing.T) {
	v := &model.HumanValidation{CreatorID: "user-1"}
	require.False(t, authorize(v, clients.TrackerUpdate{AuthorEmail: "user1@example.com"}, discardLogger()))
}
