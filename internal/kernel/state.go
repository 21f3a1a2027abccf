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

// RunState is the pure, event-sourced state of one run. It must always be
// reproducible by replaying the run's event log from scratch (ApplyEvent);
// run_state.json is only a cached snapshot of the same value.
type RunState struct {
	RunID              RunId                       `json:"run_id"`
	FlowKey            FlowKey                     `json:"flow_key"`
	CurrentFlowIndex   int                         `json:"current_flow_index"`
	Status             RunStatus                   `json:"status"`
	CurrentStepID      StepId                       `json:"current_step_id"`
	StepIndex          int                          `json:"step_index"`
	CompletedNodes     map[StepId]bool              `json:"completed_nodes"`
	LoopState          map[string]int               `json:"loop_state"`
	HandoffEnvelopes   map[StepId]HandoffEnvelope   `json:"handoff_envelopes"`
	InjectedNodes      map[StepId]bool              `json:"injected_nodes"`
	InjectedNodeSpecs  map[StepId]InjectedNodeSpec  `json:"injected_node_specs"`
	InterruptionStack  []InterruptionFrame          `json:"interruption_stack"`
	FlowTransitions    []FlowTransition             `json:"flow_transition_history"`
	Context            map[string]any               `json:"context"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at"`
}

// NewRunState builds an empty, pending RunState for runID.
func NewRunState(runID RunId) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:             runID,
		Status:            RunPending,
		CompletedNodes:    map[StepId]bool{},
		LoopState:         map[string]int{},
		HandoffEnvelopes:  map[StepId]HandoffEnvelope{},
		InjectedNodes:     map[StepId]bool{},
		InjectedNodeSpecs: map[StepId]InjectedNodeSpec{},
		Context:           map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// clone produces a value copy deep enough that mutating the copy never
// affects the original's maps/slices — ApplyEvent is a pure function and
// must not mutate its input.
func (s RunState) clone() *RunState {
	c := s
	c.CompletedNodes = cloneBoolMap(s.CompletedNodes)
	c.LoopState = make(map[string]int, len(s.LoopState))
	for k, v := range s.LoopState {
		c.LoopState[k] = v
	}
	c.HandoffEnvelopes = make(map[StepId]HandoffEnvelope, len(s.HandoffEnvelopes))
	for k, v := range s.HandoffEnvelopes {
		c.HandoffEnvelopes[k] = v
	}
	c.InjectedNodes = cloneBoolMap(s.InjectedNodes)
	c.InjectedNodeSpecs = make(map[StepId]InjectedNodeSpec, len(s.InjectedNodeSpecs))
	for k, v := range s.InjectedNodeSpecs {
		c.InjectedNodeSpecs[k] = v
	}
	c.InterruptionStack = append([]InterruptionFrame{}, s.InterruptionStack...)
	c.FlowTransitions = append([]FlowTransition{}, s.FlowTransitions...)
	c.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		c.Context[k] = v
	}
	return &c
}

func cloneBoolMap(m map[StepId]bool) map[StepId]bool {
	out := make(map[StepId]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ApplyEvent is the single, deterministic state-transition function. It is
// the only place event semantics are defined; everything else (replay,
// crash recovery, state verification) is built from it.
func ApplyEvent(state *RunState, ev Event) *RunState {
	s := state.clone()
	s.UpdatedAt = ev.TS

	switch ev.Kind {
	case EventRunStarted:
		var p RunStartedPayload
		_ = ev.DecodePayload(&p)
		s.RunID = ev.RunID
		s.Status = RunRunning
		s.FlowKey = p.FlowKey
		s.CurrentFlowIndex = p.CurrentFlowIndex
		s.CreatedAt = ev.TS
		s.FlowTransitions = append(s.FlowTransitions, FlowTransition{
			ToFlow: p.FlowKey, Reason: "run_started", At: ev.TS,
		})

	case EventFlowStarted:
		s.StepIndex = 0
		s.CurrentStepID = ""
		if ev.FlowKey != "" {
			s.FlowKey = ev.FlowKey
		}

	case EventStepStarted:
		s.CurrentStepID = ev.StepID

	case EventStepCompleted:
		var p StepCompletedPayload
		_ = ev.DecodePayload(&p)
		if ev.StepID != "" {
			s.CompletedNodes[ev.StepID] = true
		}
		if p.Envelope != nil {
			s.HandoffEnvelopes[ev.StepID] = *p.Envelope
		}
		// The cursor move is decision-dependent (continue advances, loop
		// stays put, detour jumps) so it's carried by the route_decision
		// that follows, not derived here.

	case EventRouteDecision:
		var p RouteDecisionPayload
		_ = ev.DecodePayload(&p)
		if p.LoopID != "" {
			s.LoopState[p.LoopID]++
		}
		if p.NextStepID != "" {
			s.CurrentStepID = p.NextStepID
			s.StepIndex = p.NextStepIndex
		}

	case EventCheckpoint:
		var p CheckpointPayload
		_ = ev.DecodePayload(&p)
		if p.StepIndex != 0 {
			s.StepIndex = p.StepIndex
		}
		if p.CurrentStepID != "" {
			s.CurrentStepID = p.CurrentStepID
		}

	case EventFlowPaused:
		var p FlowPausedPayload
		_ = ev.DecodePayload(&p)
		s.InterruptionStack = append(s.InterruptionStack, p.Frame)
		s.Status = RunPaused

	case EventDetourStarted:
		var p DetourStartedPayload
		_ = ev.DecodePayload(&p)
		s.InterruptionStack = append(s.InterruptionStack, p.Frame)
		if p.TargetStepID != "" {
			s.CurrentStepID = p.TargetStepID
			s.StepIndex = p.TargetStepIndex
		}

	case EventDetourCompleted:
		if n := len(s.InterruptionStack); n > 0 {
			top := s.InterruptionStack[n-1]
			s.InterruptionStack = s.InterruptionStack[:n-1]
			s.CurrentStepID = top.ReturnNode
			s.FlowKey = top.ReturnFlowKey
			s.StepIndex = top.CurrentStepIndex
		}

	case EventUtilityFlowInject:
		var p UtilityFlowInjectedPayload
		_ = ev.DecodePayload(&p)
		s.InterruptionStack = append(s.InterruptionStack, p.Frame)
		s.FlowKey = ev.FlowKey
		s.CurrentStepID = p.FirstNodeID
		s.StepIndex = p.FirstNodeIndex
		s.FlowTransitions = append(s.FlowTransitions, FlowTransition{
			FromFlow: p.Frame.ReturnFlowKey, ToFlow: ev.FlowKey, Reason: "utility_flow:" + p.TriggerType, At: ev.TS,
		})

	case EventRunResumed:
		// Mirrors detour_completed's pop: a run paused via flow_paused
		// resumes exactly where it left off, restoring the position the
		// pause frame recorded rather than jumping to a caller flow.
		if n := len(s.InterruptionStack); n > 0 {
			top := s.InterruptionStack[n-1]
			s.InterruptionStack = s.InterruptionStack[:n-1]
			s.CurrentStepID = top.ReturnNode
			s.FlowKey = top.ReturnFlowKey
			s.StepIndex = top.CurrentStepIndex
		}
		s.Status = RunRunning

	case EventNodeInjected:
		var p NodeInjectedPayload
		_ = ev.DecodePayload(&p)
		s.InjectedNodes[p.Spec.NodeID] = true
		s.InjectedNodeSpecs[p.Spec.NodeID] = p.Spec

	case EventMacroRoute:
		var p MacroRoutePayload
		_ = ev.DecodePayload(&p)
		from := s.FlowKey
		s.FlowKey = p.ToFlow
		s.CurrentFlowIndex = p.ToFlowIndex
		s.FlowTransitions = append(s.FlowTransitions, FlowTransition{
			FromFlow: from, ToFlow: p.ToFlow, Reason: p.Reason, At: ev.TS,
		})

	case EventFlowCompleted:
		// Popping back to an interrupted caller flow, if any, is handled
		// by the engine issuing a matching macro_route/detour_completed;
		// flow_completed itself only marks the transition history.
		s.FlowTransitions = append(s.FlowTransitions, FlowTransition{
			FromFlow: s.FlowKey, ToFlow: s.FlowKey, Reason: "flow_completed", At: ev.TS,
		})

	case EventRunStopped:
		s.Status = RunStopped

	case EventRunCompleted:
		s.Status = RunSucceeded

	case EventRunFailed:
		s.Status = RunFailed

	case EventRunCanceled:
		s.Status = RunCanceled

	case EventBoundaryViolation:
		// Logged only; does not mutate routing state. CRITICAL violations
		// are surfaced by the orchestrator as an error, not as state.

	default:
		// Unknown event kinds are ignored rather than rejected, so a
		// future kernel version's events don't break replay of old logs.
	}

	return s
}

// Rebuild replays every event in order from an empty state, the canonical
// way to reconstruct a RunState from nothing but the log (spec §4.2).
func Rebuild(runID RunId, events []Event) *RunState {
	state := NewRunState(runID)
	for _, ev := range events {
		state = ApplyEvent(state, ev)
	}
	return state
}

// ComparableFields is the subset of RunState spec §4.2 requires two
// independent replays (or a replay vs. a stored snapshot) to agree on.
type ComparableFields struct {
	RunID            RunId
	FlowKey          FlowKey
	Status           RunStatus
	StepIndex        int
	CurrentStepID    StepId
	CurrentFlowIndex int
	CompletedNodes   map[StepId]bool
	InjectedNodes    map[StepId]bool
}

// Comparable extracts the fields the determinism/verification invariant is
// defined over.
func (s *RunState) Comparable() ComparableFields {
	return ComparableFields{
		RunID:            s.RunID,
		FlowKey:          s.FlowKey,
		Status:           s.Status,
		StepIndex:        s.StepIndex,
		CurrentStepID:    s.CurrentStepID,
		CurrentFlowIndex: s.CurrentFlowIndex,
		CompletedNodes:   s.CompletedNodes,
		InjectedNodes:    s.InjectedNodes,
	}
}

// Equal reports whether two ComparableFields values agree, treating the
// set-valued fields as sets rather than ordered collections.
func (a ComparableFields) Equal(b ComparableFields) bool {
	if a.RunID != b.RunID || a.FlowKey != b.FlowKey || a.Status != b.Status ||
		a.StepIndex != b.StepIndex || a.CurrentStepID != b.CurrentStepID ||
		a.CurrentFlowIndex != b.CurrentFlowIndex {
		return false
	}
	return setEqual(a.CompletedNodes, b.CompletedNodes) && setEqual(a.InjectedNodes, b.InjectedNodes)
}

func setEqual(a, b map[StepId]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
