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
	"log/slog"
	"net/http"
	"strconv"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseTaskID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

// canonicalNodeOrder mirrors internal/engine's node graph order, duplicated
// here only for progress-percentage display so this package does not need
// to import the engine to render /workflow/status.
var canonicalNodeOrder = []string{
	"prepare_environment",
	"implement_task",
	"run_tests",
	"debug_code",
	"human_validation",
	"finalize_pr",
	"update_tracker",
}

func progressPercent(currentNode string) int {
	for i, n := range canonicalNodeOrder {
		if n == currentNode {
			return (i * 100) / len(canonicalNodeOrder)
		}
	}
	return 0
}

func dryRunGraphSummary() []string {
	return canonicalNodeOrder
}
