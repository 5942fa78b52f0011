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

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ticketflow/ticketflow/pkg/clients"
)

// EventKind is the classification the envelope's event_type field maps to,
// per §4.1 "Classification".
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventComment      EventKind = "comment"
	EventStatusChange EventKind = "status_change"
	EventOther        EventKind = "other"
)

// ParsedEvent is the normalized shape C1 extracts from a tracker payload.
// Tracker payload formats vary by source; the envelope here is the
// already-normalized form a source-specific adapter (out of scope for this
// substrate, per §1) is expected to produce before posting to
// /webhook/<source>.
type ParsedEvent struct {
	ExternalItemID string    `json:"external_item_id"`
	EventType      EventKind `json:"event_type"`
	UpdateID       string    `json:"update_id"`
	NewStatus      string    `json:"new_status"`
	IndicatesReopen bool     `json:"indicates_reopen"`
}

func parseEnvelope(body []byte) (*ParsedEvent, error) {
	var evt ParsedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if evt.ExternalItemID == "" {
		return nil, fmt.Errorf("missing external_item_id")
	}
	if evt.EventType == "" {
		evt.EventType = EventOther
	}
	return &evt, nil
}

// matchTriggerUpdate scans updates in reverse chronological order for the
// first one mentioning handle, per §4.1's comment/update classification
// rule. Returns nil if none match.
func matchTriggerUpdate(updates []clients.TrackerUpdate, handle string) *clients.TrackerUpdate {
	sorted := make([]clients.TrackerUpdate, len(updates))
	copy(sorted, updates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	for i := range sorted {
		if strings.Contains(strings.ToLower(sorted[i].Body), strings.ToLower(handle)) {
			return &sorted[i]
		}
	}
	return nil
}
