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

// Package utilityflow detects conditions that call for injecting a whole
// utility flow (e.g. "reset") mid-run, and produces the routing
// candidate the Navigator may choose.
package utilityflow

import (
	"os"
	"sync"
	"time"

	"github.com/tombee/conductor-kernel/internal/kernel"
)

// FlowMetadata describes one injectable utility flow.
type FlowMetadata struct {
	FlowID            string
	FlowNumber        int
	InjectionTrigger  string
	OnCompleteNextFlow kernel.FlowKey
	OnCompleteReason   string
	OnFailureNextFlow  kernel.FlowKey
	PassArtifacts      bool
	NodeIDs            []string
	FirstNodeID        kernel.StepId
}

// StepResult is the subset of a step's outcome the trigger detector
// inspects.
type StepResult struct {
	Status string
}

// GitStatus is the subset of workspace forensics the trigger detector
// inspects.
type GitStatus struct {
	Diverged     bool
	BehindCount  int
}

// Trigger is a detected condition calling for a utility flow.
type Trigger struct {
	Triggered bool
	Type      string
	FlowID    string
	Reason    string
	Priority  int
	Evidence  map[string]any
}

// Registry maps a trigger type to the utility flow it injects.
type Registry struct {
	flows map[string]FlowMetadata
}

// NewRegistry creates a Registry from flows, keyed by InjectionTrigger.
func NewRegistry(flows []FlowMetadata) *Registry {
	r := &Registry{flows: make(map[string]FlowMetadata, len(flows))}
	for _, f := range flows {
		r.flows[f.InjectionTrigger] = f
	}
	return r
}

// DefaultFlows returns the kernel's built-in utility flow catalog: a
// single "reset" flow triggered by upstream divergence.
func DefaultFlows() []FlowMetadata {
	return []FlowMetadata{
		{
			FlowID:           "reset",
			FlowNumber:       8,
			InjectionTrigger: "upstream_diverged",
			OnCompleteReason: "workspace resynchronized with upstream",
			PassArtifacts:    false,
			NodeIDs: []string{
				"reset-1", "reset-2", "reset-3", "reset-4",
				"reset-5", "reset-6", "reset-7", "reset-8",
			},
			FirstNodeID: "reset-1",
		},
	}
}

// Detect evaluates the built-in trigger set against (stepResult,
// runState, gitStatus). The only built-in trigger is upstream_diverged,
// firing when the workspace has diverged from or fallen behind its
// upstream.
func Detect(stepResult StepResult, runState *kernel.RunState, git GitStatus) Trigger {
	if git.Diverged || git.BehindCount > 0 {
		return Trigger{
			Triggered: true,
			Type:      "upstream_diverged",
			FlowID:    "reset",
			Reason:    "workspace has diverged from or fallen behind its upstream",
			Priority:  90,
			Evidence: map[string]any{
				"diverged":     git.Diverged,
				"behind_count": git.BehindCount,
			},
		}
	}
	return Trigger{}
}

// CandidateFor builds the RoutingCandidate a detected Trigger offers to
// the router: always appended, never the default.
func CandidateFor(t Trigger, flow FlowMetadata) kernel.RoutingCandidate {
	return kernel.RoutingCandidate{
		CandidateID: "inject_flow:" + flow.FlowID,
		Action:      kernel.ActionInjectFlow,
		TargetNode:  flow.FirstNodeID,
		Reason:      t.Reason,
		Priority:    t.Priority,
		Source:      "utility_flow_detector",
		EvidencePointers: []string{
			"trigger:" + t.Type,
		},
		IsDefault: false,
	}
}

// strictRepoRootEnv is the flag spec §4.11 names: strict mode errors
// when repo_root is omitted rather than returning an empty candidate
// list.
const strictRepoRootEnv = "STRICT_REPO_ROOT"

// Manager caches a Registry per resolved repo root so multi-repo
// processes stay isolated from each other's utility-flow state.
type Manager struct {
	mu         sync.Mutex
	registries map[string]*Registry
	flows      []FlowMetadata
}

// NewManager creates a Manager that lazily builds one Registry per repo
// root, seeded from flows.
func NewManager(flows []FlowMetadata) *Manager {
	return &Manager{registries: make(map[string]*Registry), flows: flows}
}

// ErrRepoRootRequired is returned by RegistryFor when STRICT_REPO_ROOT is
// set and repoRoot is empty.
type ErrRepoRootRequired struct{}

func (ErrRepoRootRequired) Error() string {
	return "repo_root is required when STRICT_REPO_ROOT is set"
}

// RegistryFor returns the cached Registry for repoRoot, or nil (with no
// error) if repoRoot is empty and strict mode is off — the safe default
// of "no utility flow candidates available."
func (m *Manager) RegistryFor(repoRoot string) (*Registry, error) {
	if repoRoot == "" {
		if os.Getenv(strictRepoRootEnv) != "" {
			return nil, ErrRepoRootRequired{}
		}
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, ok := m.registries[repoRoot]; ok {
		return reg, nil
	}
	reg := NewRegistry(m.flows)
	m.registries[repoRoot] = reg
	return reg, nil
}

// ClearCaches drops every cached per-repo-root registry. Intended for
// test isolation between cases that exercise different repo roots.
func (m *Manager) ClearCaches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registries = make(map[string]*Registry)
}

// Resolve runs the trigger detector against repoRoot's registry and, if a
// condition fires and names a registered flow, returns it. Shared by
// Candidates (to build the advisory candidate) and by callers applying a
// chosen inject_flow decision (to fetch the same FlowMetadata again
// without re-deriving it from the candidate ID).
func (m *Manager) Resolve(repoRoot string, stepResult StepResult, runState *kernel.RunState, git GitStatus) (Trigger, FlowMetadata, bool, error) {
	reg, err := m.RegistryFor(repoRoot)
	if err != nil {
		return Trigger{}, FlowMetadata{}, false, err
	}
	if reg == nil {
		return Trigger{}, FlowMetadata{}, false, nil
	}

	trigger := Detect(stepResult, runState, git)
	if !trigger.Triggered {
		return trigger, FlowMetadata{}, false, nil
	}

	flow, ok := reg.flows[trigger.Type]
	if !ok {
		return trigger, FlowMetadata{}, false, nil
	}
	return trigger, flow, true, nil
}

// Candidates resolves repoRoot's registry (if any) and, if stepResult's
// forensics trigger a known condition, returns a single-element
// candidate slice; otherwise an empty (never nil) slice so callers can
// always range over the result.
func (m *Manager) Candidates(repoRoot string, stepResult StepResult, runState *kernel.RunState, git GitStatus) ([]kernel.RoutingCandidate, error) {
	trigger, flow, ok, err := m.Resolve(repoRoot, stepResult, runState, git)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []kernel.RoutingCandidate{}, nil
	}
	return []kernel.RoutingCandidate{CandidateFor(trigger, flow)}, nil
}

// Apply performs the injection semantics spec §4.11 describes: push an
// interruption frame capturing the run's current position and the
// utility flow's completion routing, switch the run to the utility
// flow, and return the utility_flow_injected event payload for the
// caller to append to the run's event log.
func Apply(run *kernel.RunState, flow FlowMetadata, triggerType string, now time.Time) kernel.UtilityFlowInjectedPayload {
	frame := kernel.InterruptionFrame{
		Reason:           "utility_flow:" + flow.FlowID,
		ReturnFlowKey:    run.FlowKey,
		ReturnNode:       run.CurrentStepID,
		CurrentStepIndex: run.StepIndex,
		OnCompleteNext:   flow.OnCompleteNextFlow,
		OnCompleteReason: flow.OnCompleteReason,
		PushedAt:         now,
	}

	run.InterruptionStack = append(run.InterruptionStack, frame)
	run.FlowKey = kernel.FlowKey(flow.FlowID)
	run.CurrentStepID = flow.FirstNodeID
	run.StepIndex = 0

	return kernel.UtilityFlowInjectedPayload{
		FlowID:      flow.FlowID,
		FirstNodeID: flow.FirstNodeID,
		TriggerType: triggerType,
		Frame:       frame,
	}
}

// MergeCandidates appends utility candidates to existing ones,
// deduplicating by CandidateID and never marking a utility candidate
// default (spec §4.11 merge rules).
func MergeCandidates(existing, utility []kernel.RoutingCandidate) []kernel.RoutingCandidate {
	seen := make(map[string]bool, len(existing))
	out := make([]kernel.RoutingCandidate, 0, len(existing)+len(utility))
	for _, c := range existing {
		seen[c.CandidateID] = true
		out = append(out, c)
	}
	for _, c := range utility {
		if seen[c.CandidateID] {
			continue
		}
		c.IsDefault = false
		seen[c.CandidateID] = true
		out = append(out, c)
	}
	return out
}
