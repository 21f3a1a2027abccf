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

// Package navigator applies the optional Navigator agent's advisory
// routing choice to the engine's deterministic candidate set.
package navigator

import "github.com/tombee/conductor-kernel/internal/kernel"

// Route is the Navigator's proposed routing intent.
type Route struct {
	Intent     string `json:"intent"`
	TargetNode string `json:"target_node,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// Response is the Navigator's full structured reply, as extracted by the
// structured output extractor from the transport's finalize phase.
type Response struct {
	Route              Route          `json:"route"`
	NextStepBrief       string         `json:"next_step_brief,omitempty"`
	UtilityFlowRequest  map[string]any `json:"utility_flow_request,omitempty"`
	ChosenCandidateID   string         `json:"chosen_candidate_id"`
}

// intentToAction maps the Navigator's intent vocabulary 1:1 onto the
// canonical RoutingAction enum shared with the audit trail (the Open
// Question decision recorded in SPEC_FULL.md: the audit-trail vocabulary
// is canonical; Navigator intents are a strict subset of it).
var intentToAction = map[string]kernel.RoutingAction{
	"continue":    kernel.ActionContinue,
	"loop":        kernel.ActionLoop,
	"detour":      kernel.ActionDetour,
	"inject_flow": kernel.ActionInjectFlow,
	"escalate":    kernel.ActionEscalate,
	"terminate":   kernel.ActionTerminate,
}

// IntentToAction resolves a Navigator intent string to the canonical
// RoutingAction, or ("", false) if the intent isn't recognized.
func IntentToAction(intent string) (kernel.RoutingAction, bool) {
	a, ok := intentToAction[intent]
	return a, ok
}

// ApplyChoice resolves the Navigator's chosen_candidate_id against the
// bounded candidate set the engine offered it. If the choice isn't among
// the candidates (a hallucinated or stale ID), the engine falls back to
// defaultCandidate rather than acting on an out-of-band choice.
func ApplyChoice(candidates []kernel.RoutingCandidate, resp Response, defaultCandidate kernel.RoutingCandidate) kernel.RoutingCandidate {
	for _, c := range candidates {
		if c.CandidateID == resp.ChosenCandidateID {
			return c
		}
	}
	return defaultCandidate
}

// DefaultCandidate returns the candidate in the set marked is_default, or
// the zero value if none is.
func DefaultCandidate(candidates []kernel.RoutingCandidate) kernel.RoutingCandidate {
	for _, c := range candidates {
		if c.IsDefault {
			return c
		}
	}
	return kernel.RoutingCandidate{}
}
