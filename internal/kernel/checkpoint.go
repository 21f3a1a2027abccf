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
	"os/exec"
	"sort"
	"strings"
)

// ResumeAction is what CheckpointManager recommends doing at start-up.
type ResumeAction string

const (
	ResumeStartFresh ResumeAction = "start_fresh"
	ResumeContinue   ResumeAction = "continue"
	ResumeRetry      ResumeAction = "retry"
)

// Checkpoint is derived from a receipt (and optional envelope); it is
// never itself persisted as a separate file, only reconstructed from the
// receipts already on disk.
type Checkpoint struct {
	StepID       StepId
	FlowKey      FlowKey
	RunID        RunId
	StepIndex    int
	Status       EnvelopeStatus
	ReceiptPath  string
	EnvelopePath string // empty if no envelope was produced
	CompletedAt  string
}

// ResumePoint is where and how a flow should resume execution.
type ResumePoint struct {
	FlowKey        FlowKey
	StepID         StepId
	StepIndex      int
	Action         ResumeAction
	Reason         string
	LastCheckpoint *Checkpoint
}

// RecoveryStrategy is the classification of partial state left behind by
// an incomplete step.
type RecoveryStrategy string

const (
	RecoverResumeWithPartial RecoveryStrategy = "resume_with_partial"
	RecoverRetryFromScratch  RecoveryStrategy = "retry_from_scratch"
	RecoverEscalate          RecoveryStrategy = "escalate"
)

// PartialState describes what was salvaged from a step that did not reach
// a clean receipt.
type PartialState struct {
	ArtifactsFound     []string
	PartialTranscript  string
	UncommittedChanges bool
	RecoveryStrategy   RecoveryStrategy
}

// CheckpointManager implements the checkpoint/resume protocol (spec §4.3):
// a checkpoint is the union of a receipt file, an optional envelope file
// and a step_completed log entry; resuming means finding the last one and
// deciding whether to continue, retry, or start fresh.
type CheckpointManager struct {
	store      *Store
	runID      RunId
	workingDir string // git working directory used for uncommitted-change checks
}

// NewCheckpointManager builds a CheckpointManager for one run.
func NewCheckpointManager(store *Store, runID RunId, workingDir string) *CheckpointManager {
	return &CheckpointManager{store: store, runID: runID, workingDir: workingDir}
}

// ListCheckpoints returns every checkpoint for a flow, sorted by step
// index.
func (m *CheckpointManager) ListCheckpoints(flow FlowKey) ([]Checkpoint, error) {
	paths, err := m.store.ListReceipts(m.runID, flow)
	if err != nil {
		return nil, err
	}

	checkpoints := make([]Checkpoint, 0, len(paths))
	for _, p := range paths {
		r, err := ReadReceipt(p)
		if err != nil {
			continue // a corrupt receipt is skipped, not fatal (spec §7.6)
		}
		cp := Checkpoint{
			StepID:      r.StepID,
			FlowKey:     flow,
			RunID:       r.RunID,
			StepIndex:   StepIndex(r.StepID),
			Status:      r.Status,
			ReceiptPath: p,
			CompletedAt: r.CompletedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if envPath := m.store.HandoffPath(m.runID, flow, r.StepID); fileExists(envPath) {
			cp.EnvelopePath = envPath
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].StepIndex < checkpoints[j].StepIndex })
	return checkpoints, nil
}

// GetLastCheckpoint returns the checkpoint with the highest step index, or
// nil if none exist.
func (m *CheckpointManager) GetLastCheckpoint(flow FlowKey) (*Checkpoint, error) {
	checkpoints, err := m.ListCheckpoints(flow)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	cp := checkpoints[len(checkpoints)-1]
	return &cp, nil
}

// FindResumePoint implements the three-way resume decision of spec §4.3:
// no receipts -> start_fresh at step 0; last receipt succeeded ->
// continue at step_index+1; otherwise -> retry at the same step_index.
func (m *CheckpointManager) FindResumePoint(flow FlowKey) (ResumePoint, error) {
	last, err := m.GetLastCheckpoint(flow)
	if err != nil {
		return ResumePoint{}, err
	}
	if last == nil {
		return ResumePoint{
			FlowKey: flow, StepID: "step-0", StepIndex: 0,
			Action: ResumeStartFresh, Reason: "no checkpoints found; starting from beginning",
		}, nil
	}

	if ok, _ := m.ValidateCheckpoint(*last); !ok {
		return ResumePoint{
			FlowKey: flow, StepID: "step-0", StepIndex: 0,
			Action: ResumeStartFresh, Reason: "last checkpoint is invalid; starting from beginning",
		}, nil
	}

	if last.Status == EnvelopeSucceeded {
		next := last.StepIndex + 1
		return ResumePoint{
			FlowKey: flow, StepID: StepId(sprintStep(next)), StepIndex: next,
			Action: ResumeContinue, Reason: "last step succeeded; advancing to next",
			LastCheckpoint: last,
		}, nil
	}

	return ResumePoint{
		FlowKey: flow, StepID: last.StepID, StepIndex: last.StepIndex,
		Action: ResumeRetry, Reason: "last step did not succeed; retrying",
		LastCheckpoint: last,
	}, nil
}

// ValidateCheckpoint requires the receipt file to exist and parse with its
// required fields, and (if an envelope was recorded) that it too parses.
// An invalid checkpoint is treated by FindResumePoint as if it did not
// exist (supplemented from original_source/checkpoint_resume.py).
func (m *CheckpointManager) ValidateCheckpoint(cp Checkpoint) (bool, string) {
	if !fileExists(cp.ReceiptPath) {
		return false, "receipt file not found: " + cp.ReceiptPath
	}
	r, err := ReadReceipt(cp.ReceiptPath)
	if err != nil {
		return false, "receipt is not valid JSON: " + err.Error()
	}
	if r.StepID == "" || r.FlowKey == "" || r.Status == "" {
		return false, "receipt missing required fields"
	}
	if cp.EnvelopePath != "" {
		var env HandoffEnvelope
		if ok, err := readJSON(cp.EnvelopePath, &env); err != nil || !ok {
			return false, "envelope file missing or invalid"
		}
	}
	return true, "checkpoint is valid"
}

// CheckPartialState inspects llm/ transcripts, handoff drafts and git
// status to classify what a retried step should do with whatever was left
// behind by the previous attempt.
func (m *CheckpointManager) CheckPartialState(flow FlowKey, step StepId) *PartialState {
	var artifacts []string
	var transcript string

	llmDir := m.store.LLMDir(m.runID, flow)
	if entries, err := listDirEntries(llmDir); err == nil {
		for _, name := range entries {
			if strings.HasPrefix(name, string(step)+"-") {
				transcript = llmDir + "/" + name
				artifacts = append(artifacts, transcript)
				break
			}
		}
	}

	if p := m.store.HandoffPath(m.runID, flow, step); fileExists(p) {
		artifacts = append(artifacts, p)
	}
	if p := m.store.DraftHandoffPath(m.runID, flow, step); fileExists(p) {
		artifacts = append(artifacts, p)
	}

	uncommitted := m.hasUncommittedChanges()

	if len(artifacts) == 0 && !uncommitted {
		return nil
	}

	var strategy RecoveryStrategy
	switch {
	case uncommitted && len(artifacts) == 0:
		strategy = RecoverRetryFromScratch
	case len(artifacts) > 0 && !uncommitted:
		strategy = RecoverResumeWithPartial
	default:
		strategy = RecoverEscalate
	}

	return &PartialState{
		ArtifactsFound:     artifacts,
		PartialTranscript:  transcript,
		UncommittedChanges: uncommitted,
		RecoveryStrategy:   strategy,
	}
}

func (m *CheckpointManager) hasUncommittedChanges() bool {
	if m.workingDir == "" {
		return false
	}
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = m.workingDir
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// ResumeContext bundles everything the engine needs to seed the first
// context pack after a resume (supplemented from
// original_source/checkpoint_resume.py:get_resume_context).
type ResumeContext struct {
	ResumePoint   ResumePoint
	LastEnvelope  *HandoffEnvelope
	PartialState  *PartialState
	Checkpoints   []Checkpoint
}

// GetResumeContext assembles a ResumeContext for flow.
func (m *CheckpointManager) GetResumeContext(flow FlowKey) (*ResumeContext, error) {
	rp, err := m.FindResumePoint(flow)
	if err != nil {
		return nil, err
	}

	ctx := &ResumeContext{ResumePoint: rp}

	if rp.LastCheckpoint != nil && rp.LastCheckpoint.EnvelopePath != "" {
		var env HandoffEnvelope
		if ok, _ := readJSON(rp.LastCheckpoint.EnvelopePath, &env); ok {
			ctx.LastEnvelope = &env
		}
	}

	if rp.Action == ResumeRetry {
		ctx.PartialState = m.CheckPartialState(flow, rp.StepID)
	}

	checkpoints, err := m.ListCheckpoints(flow)
	if err != nil {
		return nil, err
	}
	ctx.Checkpoints = checkpoints

	return ctx, nil
}

func sprintStep(n int) string {
	return "step-" + itoa(n)
}
