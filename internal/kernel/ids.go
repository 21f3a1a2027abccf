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

// Package kernel implements the run engine: event-sourced run state,
// checkpoint/resume, routing, workspace isolation and the other
// components that make up the orchestration core for agent-pipeline runs.
package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunId identifies a single run: "{flow}-{YYYYMMDDHHMMSS}-{8 hex}".
type RunId string

// StepId is stable per flow graph, e.g. "step-0" or a named node id.
type StepId string

// FlowKey names a flow from the closed flow registry, e.g. "build", "reset".
type FlowKey string

// NewRunId builds a RunId for the given flow at the given time.
func NewRunId(flow FlowKey, at time.Time) RunId {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return RunId(fmt.Sprintf("%s-%s-%s", flow, at.UTC().Format("20060102150405"), suffix))
}

// StepIndex extracts the numeric index from a StepId.
//
// Handles "step-N" -> N, a bare integer -> itself, and anything else
// falls back to 0 (matching the original implementation's lexical,
// best-effort extraction — step_ids are not guaranteed to be numeric).
func StepIndex(id StepId) int {
	s := string(id)
	if strings.HasPrefix(s, "step-") {
		if n, err := strconv.Atoi(s[len("step-"):]); err == nil {
			return n
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return 0
}
