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

package kernel

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunPaused      RunStatus = "paused"
	RunStopped     RunStatus = "stopped"
	RunInterrupted RunStatus = "interrupted"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunCanceled    RunStatus = "canceled"
)

// EnvelopeStatus is the handoff envelope's reported step outcome.
type EnvelopeStatus string

const (
	EnvelopeSucceeded  EnvelopeStatus = "succeeded"
	EnvelopeFailed     EnvelopeStatus = "failed"
	EnvelopeUnverified EnvelopeStatus = "unverified"
	EnvelopeVerified   EnvelopeStatus = "verified"
	EnvelopeBlocked    EnvelopeStatus = "blocked"
	EnvelopePartial    EnvelopeStatus = "partial"
)

// RoutingSignal is the transport's own (advisory) opinion about how to route.
type RoutingSignal struct {
	Decision   string `json:"decision,omitempty"`
	NextStepID string `json:"next_step_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HandoffEnvelope is the structured output of a step's finalize phase.
type HandoffEnvelope struct {
	StepID                  StepId         `json:"step_id"`
	FlowKey                 FlowKey        `json:"flow_key"`
	RunID                   RunId          `json:"run_id"`
	Status                  EnvelopeStatus `json:"status"`
	CanFurtherIterationHelp *bool          `json:"can_further_iteration_help,omitempty"`
	Summary                 string         `json:"summary"`
	RoutingSignal           RoutingSignal  `json:"routing_signal"`
	AssumptionsMade         []string       `json:"assumptions_made,omitempty"`
	DecisionsMade           []string       `json:"decisions_made,omitempty"`
	Artifacts               []string       `json:"artifacts,omitempty"`
	Critique                string         `json:"critique,omitempty"`
}

// NormalizedToolCall is the transport-agnostic record of one tool
// invocation performed during a step's work phase.
type NormalizedToolCall struct {
	ToolName   string         `json:"tool_name"`
	ToolUseID  string         `json:"tool_use_id"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	IsError    bool           `json:"is_error"`
	DurationMs int64          `json:"duration_ms"`
}

// Receipt is the durable record that a step ran.
type Receipt struct {
	StepID         StepId               `json:"step_id"`
	FlowKey        FlowKey              `json:"flow_key"`
	RunID          RunId                `json:"run_id"`
	AgentKey       string               `json:"agent_key"`
	Status         EnvelopeStatus       `json:"status"`
	StartedAt      time.Time            `json:"started_at"`
	CompletedAt    time.Time            `json:"completed_at"`
	ToolCalls      []NormalizedToolCall `json:"tool_calls,omitempty"`
	TransportSource string              `json:"transport_source"`
	DurationMs     int64                `json:"duration_ms"`
}

// InterruptionFrame is one LIFO entry on the interruption stack: a detour
// or utility-flow injection that must eventually return control to
// ReturnNode in the flow it interrupted.
type InterruptionFrame struct {
	Reason           string         `json:"reason"`
	ReturnFlowKey    FlowKey        `json:"return_flow_key"`
	ReturnNode       StepId         `json:"return_node"`
	ContextSnapshot  map[string]any `json:"context_snapshot,omitempty"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	SidequestID      string         `json:"sidequest_id,omitempty"`
	OnCompleteNext   FlowKey        `json:"on_complete_next_flow,omitempty"`
	OnCompleteReason string         `json:"on_complete_reason,omitempty"`
	PushedAt         time.Time      `json:"pushed_at"`
}

// RoutingAction enumerates the decision vocabulary shared by the audit
// trail and the routing candidates (spec §9 open question: this is the
// canonical vocabulary; Navigator intents map onto it 1:1).
type RoutingAction string

const (
	ActionContinue    RoutingAction = "continue"
	ActionLoop        RoutingAction = "loop"
	ActionDetour      RoutingAction = "detour"
	ActionInjectFlow  RoutingAction = "inject_flow"
	ActionEscalate    RoutingAction = "escalate"
	ActionTerminate   RoutingAction = "terminate"
)

// RoutingCandidate is one option offered to the Navigator for a routing
// decision.
type RoutingCandidate struct {
	CandidateID      string        `json:"candidate_id"`
	Action           RoutingAction `json:"action"`
	TargetNode       StepId        `json:"target_node,omitempty"`
	Reason           string        `json:"reason"`
	Priority         int           `json:"priority"`
	Source           string        `json:"source"`
	EvidencePointers []string      `json:"evidence_pointers,omitempty"`
	IsDefault        bool          `json:"is_default"`
}

// InjectedNodeSpec describes a node injected into a flow graph at runtime
// (distinct from whole-flow injection; reserved for future graph-extension
// use but modeled now so replay/state comparisons are total).
type InjectedNodeSpec struct {
	NodeID  StepId         `json:"node_id"`
	Spec    map[string]any `json:"spec,omitempty"`
	AddedAt time.Time      `json:"added_at"`
}

// FlowTransition records one flow_key switch in a run's history.
type FlowTransition struct {
	FromFlow FlowKey   `json:"from_flow"`
	ToFlow   FlowKey   `json:"to_flow"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}
