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

// Package flowspec holds the compiled, in-memory flow graphs the run
// engine iterates: the ordered step list a flow_key resolves to, after
// the HTTP spec layer has merged templates and validated the result.
package flowspec

import (
	"sync"

	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/pkg/workflow"
)

// StepSpec is one node of a flow graph.
type StepSpec struct {
	ID              kernel.StepId
	AgentKey        string
	Prompt          string
	AllowedTools    []string
	EnvelopeSchema  map[string]any
	RoutingSchema   map[string]any
	RoutingConfig   map[string]any
	MaxIterations   int
	SuccessStatuses []string

	// Permissions declares this step's capability boundary (allowed
	// paths/hosts/secrets/tools/shell commands); nil runs the step
	// unrestricted.
	Permissions *workflow.PermissionDefinition
}

// FlowSpec is one flow's compiled step graph.
type FlowSpec struct {
	Key    kernel.FlowKey
	Index  int
	IsSDLC bool
	Steps  []StepSpec
}

// StepAt returns the step at index, or false if the flow has fewer steps
// (the caller treats this as flow completion).
func (f FlowSpec) StepAt(index int) (StepSpec, bool) {
	if index < 0 || index >= len(f.Steps) {
		return StepSpec{}, false
	}
	return f.Steps[index], true
}

// StepByID finds a step by its ID, used to resolve detour/loop targets
// that name a node rather than an index.
func (f FlowSpec) StepByID(id kernel.StepId) (StepSpec, bool) {
	for _, s := range f.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepSpec{}, false
}

// IndexOf returns the step index for id, or -1 if not found.
func (f FlowSpec) IndexOf(id kernel.StepId) int {
	for i, s := range f.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Registry is the closed set of flows a run engine can route to, keyed by
// flow_key (spec §4.11's utility-flow registry is layered on top of this
// one via the utilityflow package, which holds its own FlowMetadata).
// Reads (engine step lookups) and writes (a PATCH /specs/flows/{id}
// recompile) can race from separate goroutines once a run and an HTTP
// request touch the same flow key, so access is guarded by a RWMutex.
type Registry struct {
	mu    sync.RWMutex
	flows map[kernel.FlowKey]FlowSpec
}

// NewRegistry builds a Registry from a list of compiled flows.
func NewRegistry(flows ...FlowSpec) *Registry {
	r := &Registry{flows: make(map[kernel.FlowKey]FlowSpec, len(flows))}
	for _, f := range flows {
		r.flows[f.Key] = f
	}
	return r
}

// Get resolves flow_key to its compiled graph.
func (r *Registry) Get(key kernel.FlowKey) (FlowSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[key]
	return f, ok
}

// Put registers or replaces a flow, used by the spec layer after a
// PATCH /specs/flows/{id} recompiles one.
func (r *Registry) Put(f FlowSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.Key] = f
}

// Keys returns every registered flow_key.
func (r *Registry) Keys() []kernel.FlowKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]kernel.FlowKey, 0, len(r.flows))
	for k := range r.flows {
		keys = append(keys, k)
	}
	return keys
}
