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

// Package audit is the routing audit trail: an append-only decision log
// plus individually lifecycle-tracked flow/node injection records and
// graph-extension proposals, for every step where a run leaves the
// golden path.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/conductor-kernel/internal/kernel"
)

const (
	injectionsDir = "injections"
	proposalsDir  = "proposals"
	decisionsFile = "decisions.jsonl"
)

// Decision is the closed vocabulary of routing decisions.
type Decision string

const (
	DecisionContinue     Decision = "CONTINUE"
	DecisionLoop         Decision = "LOOP"
	DecisionDetour       Decision = "DETOUR"
	DecisionInjectFlow   Decision = "INJECT_FLOW"
	DecisionInjectNodes  Decision = "INJECT_NODES"
	DecisionEscalate     Decision = "ESCALATE"
	DecisionTerminate    Decision = "TERMINATE"
	DecisionExtendGraph  Decision = "EXTEND_GRAPH"
)

// Confidence is how strongly the routing decision is held.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// InjectionStatus is the lifecycle of a flow or node injection record.
type InjectionStatus string

const (
	InjectionPending    InjectionStatus = "pending"
	InjectionInProgress InjectionStatus = "in_progress"
	InjectionCompleted  InjectionStatus = "completed"
	InjectionFailed     InjectionStatus = "failed"
)

// ProposalStatus is the lifecycle of a graph-extension proposal.
type ProposalStatus string

const (
	ProposalPendingReview ProposalStatus = "pending_review"
	ProposalApproved      ProposalStatus = "approved"
	ProposalRejected      ProposalStatus = "rejected"
	ProposalImplemented   ProposalStatus = "implemented"
)

// DecisionRecord is one line of decisions.jsonl. CONTINUE decisions on
// the golden path are never logged; everything else is.
type DecisionRecord struct {
	Timestamp         time.Time      `json:"timestamp"`
	RunID             kernel.RunId   `json:"run_id"`
	FlowKey           kernel.FlowKey `json:"flow_key"`
	StepID            kernel.StepId  `json:"step_id"`
	Decision          Decision       `json:"decision"`
	Reason            string         `json:"reason"`
	AgentKey          string         `json:"agent_key,omitempty"`
	DetourTarget      string         `json:"detour_target,omitempty"`
	InjectedFlow      string         `json:"injected_flow,omitempty"`
	InjectedNodes     []string       `json:"injected_nodes,omitempty"`
	ForensicSummary   map[string]any `json:"forensic_summary,omitempty"`
	Iteration         map[string]int `json:"iteration,omitempty"`
	SignatureMatched  string         `json:"signature_matched,omitempty"`
	Confidence        Confidence     `json:"confidence,omitempty"`
}

// FlowInjectionRecord tracks one whole-flow injection (e.g. the reset
// flow), from the moment it's injected through resolution.
type FlowInjectionRecord struct {
	InjectionID  string          `json:"injection_id"`
	Timestamp    time.Time       `json:"timestamp"`
	InjectedAt   Position        `json:"injected_at"`
	InjectedFlow string          `json:"injected_flow"`
	Reason       string          `json:"reason"`
	Trigger      map[string]any  `json:"trigger"`
	ReturnTo     Position        `json:"return_to"`
	Status       InjectionStatus `json:"status"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NodeInjectionRecord tracks ad-hoc injection of nodes not present in the
// flow graph.
type NodeInjectionRecord struct {
	InjectionID    string                    `json:"injection_id"`
	Timestamp      time.Time                 `json:"timestamp"`
	InjectedAt     Position                  `json:"injected_at"`
	Nodes          []kernel.InjectedNodeSpec `json:"nodes"`
	Reason         string                    `json:"reason"`
	GoalAlignment  string                    `json:"goal_alignment"`
	Status         InjectionStatus           `json:"status"`
}

// GraphExtensionProposal is a human-reviewable proposal to permanently
// extend a flow graph, generated from cross-run pattern analysis.
type GraphExtensionProposal struct {
	ProposalID      string         `json:"proposal_id"`
	Timestamp       time.Time      `json:"timestamp"`
	ProposedBy      string         `json:"proposed_by"`
	PatternObserved map[string]any `json:"pattern_observed"`
	ProposedChange  map[string]any `json:"proposed_change"`
	Rationale       string         `json:"rationale"`
	Status          ProposalStatus `json:"status"`
	ReviewedBy      string         `json:"reviewed_by,omitempty"`
	ReviewDecision  string         `json:"decision,omitempty"`
}

// Position names a (flow, step) location in a run, with an optional
// iteration count for flow injections.
type Position struct {
	FlowKey        kernel.FlowKey `json:"flow_key"`
	StepID         kernel.StepId  `json:"step_id"`
	AfterIteration *int           `json:"after_iteration,omitempty"`
}

// Trail manages the audit artifacts for one run's flow: the decision
// log, and the injections/proposals directories.
type Trail struct {
	routingDir string
}

// New creates a Trail rooted at runBase/flowKey/routing.
func New(runBase string, flowKey kernel.FlowKey) *Trail {
	return &Trail{routingDir: filepath.Join(runBase, string(flowKey), "routing")}
}

func (t *Trail) decisionsPath() string {
	return filepath.Join(t.routingDir, decisionsFile)
}

func (t *Trail) injectionsDirPath() string {
	return filepath.Join(t.routingDir, injectionsDir)
}

func (t *Trail) proposalsDirPath() string {
	return filepath.Join(t.routingDir, proposalsDir)
}

func (t *Trail) injectionPath(filename string) string {
	return filepath.Join(t.injectionsDirPath(), filename)
}

func (t *Trail) proposalPath(filename string) string {
	return filepath.Join(t.proposalsDirPath(), filename)
}

// LogDecision appends a decision to decisions.jsonl, unless it's a
// CONTINUE (the golden path needs no special logging).
func (t *Trail) LogDecision(rec DecisionRecord) error {
	if rec.Decision == DecisionContinue {
		return nil
	}
	if rec.Confidence == "" {
		rec.Confidence = ConfidenceHigh
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return kernel.AppendJSONLine(t.decisionsPath(), rec)
}

// LogFlowInjection writes a new in-progress flow injection record and
// returns its assigned ID.
func (t *Trail) LogFlowInjection(injectedFlow, reason string, trigger map[string]any, injectedAt, returnTo Position) (string, error) {
	id := "inject-" + shortID()
	rec := FlowInjectionRecord{
		InjectionID:  id,
		Timestamp:    time.Now().UTC(),
		InjectedAt:   injectedAt,
		InjectedFlow: injectedFlow,
		Reason:       reason,
		Trigger:      trigger,
		ReturnTo:     returnTo,
		Status:       InjectionInProgress,
	}
	return id, writeJSONAtomic(t.injectionPath("flow-"+id+".json"), rec)
}

// LogNodeInjection writes a new pending node injection record and
// returns its assigned ID.
func (t *Trail) LogNodeInjection(nodes []kernel.InjectedNodeSpec, reason, goalAlignment string, injectedAt Position) (string, error) {
	id := "nodes-" + shortID()
	rec := NodeInjectionRecord{
		InjectionID:   id,
		Timestamp:     time.Now().UTC(),
		InjectedAt:    injectedAt,
		Nodes:         nodes,
		Reason:        reason,
		GoalAlignment: goalAlignment,
		Status:        InjectionPending,
	}
	return id, writeJSONAtomic(t.injectionPath("nodes-"+id+".json"), rec)
}

// LogProposal writes a new pending-review graph-extension proposal and
// returns its assigned ID.
func (t *Trail) LogProposal(proposedBy string, pattern, change map[string]any, rationale string) (string, error) {
	id := "extend-" + shortID()
	rec := GraphExtensionProposal{
		ProposalID:      id,
		Timestamp:       time.Now().UTC(),
		ProposedBy:      proposedBy,
		PatternObserved: pattern,
		ProposedChange:  change,
		Rationale:       rationale,
		Status:          ProposalPendingReview,
	}
	return id, writeJSONAtomic(t.proposalPath("extend-"+id+".json"), rec)
}

// Decisions reads every logged decision, in file order.
func (t *Trail) Decisions() ([]DecisionRecord, error) {
	lines, err := readJSONLines(t.decisionsPath())
	if err != nil {
		return nil, err
	}
	out := make([]DecisionRecord, 0, len(lines))
	for _, line := range lines {
		var rec DecisionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parsing decision line: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// OffRoadCount returns the number of non-CONTINUE decisions logged (all
// of them, since CONTINUE is never persisted).
func (t *Trail) OffRoadCount() (int, error) {
	decisions, err := t.Decisions()
	if err != nil {
		return 0, err
	}
	return len(decisions), nil
}

// DecisionsByType filters the decision log to a single decision kind.
func (t *Trail) DecisionsByType(kind Decision) ([]DecisionRecord, error) {
	all, err := t.Decisions()
	if err != nil {
		return nil, err
	}
	var out []DecisionRecord
	for _, d := range all {
		if d.Decision == kind {
			out = append(out, d)
		}
	}
	return out, nil
}

// FlowInjections reads every flow-*.json record, sorted by filename.
func (t *Trail) FlowInjections() ([]FlowInjectionRecord, error) {
	var out []FlowInjectionRecord
	err := readInjectionFiles(t.injectionsDirPath(), "flow-", func(data []byte) error {
		var rec FlowInjectionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// NodeInjections reads every nodes-*.json record, sorted by filename.
func (t *Trail) NodeInjections() ([]NodeInjectionRecord, error) {
	var out []NodeInjectionRecord
	err := readInjectionFiles(t.injectionsDirPath(), "nodes-", func(data []byte) error {
		var rec NodeInjectionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Proposals reads every extend-*.json proposal, sorted by filename.
func (t *Trail) Proposals() ([]GraphExtensionProposal, error) {
	var out []GraphExtensionProposal
	err := readInjectionFiles(t.proposalsDirPath(), "extend-", func(data []byte) error {
		var rec GraphExtensionProposal
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// UpdateFlowInjectionStatus mutates a flow injection record's status in
// place, stamping CompletedAt when transitioning to completed.
func (t *Trail) UpdateFlowInjectionStatus(injectionID string, status InjectionStatus) error {
	path := t.injectionPath("flow-" + injectionID + ".json")
	var rec FlowInjectionRecord
	if err := readJSONFile(path, &rec); err != nil {
		return err
	}
	rec.Status = status
	if status == InjectionCompleted && rec.CompletedAt == nil {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	return writeJSONAtomic(path, rec)
}

// UpdateNodeInjectionStatus mutates a node injection record's status in
// place.
func (t *Trail) UpdateNodeInjectionStatus(injectionID string, status InjectionStatus) error {
	path := t.injectionPath("nodes-" + injectionID + ".json")
	var rec NodeInjectionRecord
	if err := readJSONFile(path, &rec); err != nil {
		return err
	}
	rec.Status = status
	return writeJSONAtomic(path, rec)
}

// UpdateProposalStatus mutates a proposal's review status in place.
func (t *Trail) UpdateProposalStatus(proposalID string, status ProposalStatus, reviewedBy, decision string) error {
	path := t.proposalPath("extend-" + proposalID + ".json")
	var rec GraphExtensionProposal
	if err := readJSONFile(path, &rec); err != nil {
		return err
	}
	rec.Status = status
	if reviewedBy != "" {
		rec.ReviewedBy = reviewedBy
	}
	if decision != "" {
		rec.ReviewDecision = decision
	}
	return writeJSONAtomic(path, rec)
}

func shortID() string {
	return uuid.NewString()[:8]
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func readJSONLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out, nil
}

func readInjectionFiles(dir, prefix string, onFile func([]byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if err := onFile(data); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
	}
	return nil
}
