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

// Package exitpredicate decides whether a microloop (the bounded
// iterate-until-verified cycle within a single step) should keep going.
package exitpredicate

import "strings"

// Reason is why the microloop stopped.
type Reason string

const (
	StatusVerified        Reason = "status_verified"
	MaxIterationsReached  Reason = "max_iterations_reached"
	NoFurtherHelp         Reason = "no_further_help"
	Continue              Reason = "continue"
)

// Verdict is the predicate's output.
type Verdict struct {
	ShouldExit bool
	Reason     Reason
	Confidence float64
}

var reasonConfidence = map[Reason]float64{
	StatusVerified:       1.0,
	NoFurtherHelp:        0.8,
	MaxIterationsReached: 0.7,
}

// normalizeBool interprets the various forms can_further_iteration_help
// may arrive in: "yes"/"no"/"true"/"false" (case-insensitive), a bool, or
// nil/absent which assumes further iteration can still help.
func normalizeBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "no", "false":
			return false
		default:
			return true
		}
	default:
		return true
	}
}

// Evaluate applies spec's priority order:
//  1. status is in successValues -> status_verified
//  2. currentIteration >= maxIterations -> max_iterations_reached
//  3. canFurtherIterationHelp == no -> no_further_help
//  4. otherwise continue
func Evaluate(currentIteration, maxIterations int, status string, canFurtherIterationHelp any, successValues []string) Verdict {
	for _, s := range successValues {
		if s == status {
			return Verdict{ShouldExit: true, Reason: StatusVerified, Confidence: reasonConfidence[StatusVerified]}
		}
	}

	if currentIteration >= maxIterations {
		return Verdict{ShouldExit: true, Reason: MaxIterationsReached, Confidence: reasonConfidence[MaxIterationsReached]}
	}

	if !normalizeBool(canFurtherIterationHelp) {
		return Verdict{ShouldExit: true, Reason: NoFurtherHelp, Confidence: reasonConfidence[NoFurtherHelp]}
	}

	return Verdict{ShouldExit: false, Reason: Continue}
}
