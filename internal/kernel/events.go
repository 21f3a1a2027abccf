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

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of event types that can appear in a run's
// events.jsonl. apply_event (state.go) switches over this exhaustively.
type EventKind string

const (
	EventRunStarted         EventKind = "run_started"
	EventStepStarted        EventKind = "step_started"
	EventStepCompleted      EventKind = "step_completed"
	EventRouteDecision      EventKind = "route_decision"
	EventCheckpoint         EventKind = "checkpoint"
	EventFlowPaused         EventKind = "flow_paused"
	EventFlowStarted        EventKind = "flow_started"
	EventFlowCompleted      EventKind = "flow_completed"
	EventRunStopped         EventKind = "run_stopped"
	EventRunCompleted       EventKind = "run_completed"
	EventRunFailed          EventKind = "run_failed"
	EventRunCanceled        EventKind = "run_canceled"
	EventMacroRoute         EventKind = "macro_route"
	EventDetourStarted      EventKind = "detour_started"
	EventDetourCompleted    EventKind = "detour_completed"
	EventNodeInjected       EventKind = "node_injected"
	EventUtilityFlowInject  EventKind = "utility_flow_injected"
	EventBoundaryViolation  EventKind = "boundary_violation"
	EventRunResumed         EventKind = "run_resumed"
)

// Event is one immutable, append-only line in a run's event log. Ordering
// of events is defined by file offset — events are never reordered or
// rewritten once appended.
type Event struct {
	RunID   RunId           `json:"run_id"`
	TS      time.Time       `json:"ts"`
	Kind    EventKind       `json:"kind"`
	FlowKey FlowKey         `json:"flow_key,omitempty"`
	StepID  StepId          `json:"step_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent constructs an Event with the payload marshaled to JSON. A
// marshal failure is programmer error (the payload types are all defined
// in this package) so it panics rather than threading an error return
// through every call site — matching the teacher's EventEmitter.Emit,
// which treats a nil/malformed event as an invariant violation.
func NewEvent(runID RunId, kind EventKind, flowKey FlowKey, stepID StepId, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("kernel: event payload must be JSON-marshalable: " + err.Error())
		}
		raw = b
	}
	return Event{
		RunID:   runID,
		TS:      time.Now().UTC(),
		Kind:    kind,
		FlowKey: flowKey,
		StepID:  stepID,
		Payload: raw,
	}
}

// DecodePayload unmarshals an event's payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// StepCompletedPayload is the payload carried by a step_completed event.
type StepCompletedPayload struct {
	StepIndex int              `json:"step_index"`
	Status    EnvelopeStatus   `json:"status"`
	Envelope  *HandoffEnvelope `json:"envelope,omitempty"`
}

// RouteDecisionPayload is the payload carried by a route_decision event.
// NextStepIndex is carried explicitly (rather than derived from
// NextStepID) because ApplyEvent has no flow-graph access to resolve a
// step id to a position; the engine, which does, computes it once and
// the event makes it replay-deterministic.
type RouteDecisionPayload struct {
	Action        RoutingAction `json:"action"`
	LoopID        string        `json:"loop_id,omitempty"`
	NextStepID    StepId        `json:"next_step_id,omitempty"`
	NextStepIndex int           `json:"next_step_index,omitempty"`
}

// FlowPausedPayload is the payload carried by a flow_paused event.
type FlowPausedPayload struct {
	Frame InterruptionFrame `json:"frame"`
}

// DetourStartedPayload is the payload carried by a detour_started event.
// TargetStepID/TargetStepIndex move the run's cursor to the detour target
// within the same flow; the engine resolves the index, since ApplyEvent
// has no flow-graph access to do so itself.
type DetourStartedPayload struct {
	Frame           InterruptionFrame `json:"frame"`
	TargetStepID    StepId            `json:"target_step_id"`
	TargetStepIndex int               `json:"target_step_index"`
}

// DetourCompletedPayload is the payload carried by a detour_completed event.
type DetourCompletedPayload struct {
	Resolved bool `json:"resolved"`
}

// MacroRoutePayload is the payload carried by a macro_route event (a
// whole-flow switch, as distinct from a step-level route_decision).
type MacroRoutePayload struct {
	ToFlow            FlowKey `json:"to_flow"`
	ToFlowIndex        int     `json:"to_flow_index"`
	Reason            string  `json:"reason"`
}

// UtilityFlowInjectedPayload is the payload carried by a
// utility_flow_injected event. FirstNodeIndex is carried explicitly
// (rather than assumed to be 0) for the same reason RouteDecisionPayload
// and DetourStartedPayload carry their step indices: ApplyEvent has no
// flow-graph access to resolve FirstNodeID to a position itself.
type UtilityFlowInjectedPayload struct {
	FlowID         string            `json:"flow_id"`
	FirstNodeID    StepId            `json:"first_node_id"`
	FirstNodeIndex int               `json:"first_node_index"`
	TriggerType    string            `json:"trigger_type"`
	Frame          InterruptionFrame `json:"frame"`
}

// NodeInjectedPayload is the payload carried by a node_injected event.
type NodeInjectedPayload struct {
	Spec InjectedNodeSpec `json:"spec"`
}

// BoundaryViolationPayload is the payload carried by a boundary_violation
// event for non-CRITICAL violations (CRITICAL ones halt the run instead).
type BoundaryViolationPayload struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Path     string `json:"path"`
	Detail   string `json:"detail"`
}

// RunStartedPayload is the payload carried by a run_started event.
type RunStartedPayload struct {
	FlowKey         FlowKey `json:"flow_key"`
	CurrentFlowIndex int    `json:"current_flow_index"`
}

// CheckpointPayload carries the fields of a periodic checkpoint event; only
// non-zero fields are meant to be merged into state by apply_event.
type CheckpointPayload struct {
	StepIndex      int    `json:"step_index,omitempty"`
	CurrentStepID  StepId `json:"current_step_id,omitempty"`
}
