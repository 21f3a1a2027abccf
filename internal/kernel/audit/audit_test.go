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

package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-kernel/internal/kernel"
)

func TestLogDecisionSkipsContinue(t *testing.T) {
	trail := New(t.TempDir(), kernel.FlowKey("build"))
	require.NoError(t, trail.LogDecision(DecisionRecord{Decision: DecisionContinue}))

	decisions, err := trail.Decisions()
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestLogDecisionPersistsOffRoad(t *testing.T) {
	trail := New(t.TempDir(), kernel.FlowKey("build"))
	require.NoError(t, trail.LogDecision(DecisionRecord{
		RunID:    kernel.RunId("run-1"),
		FlowKey:  kernel.FlowKey("build"),
		StepID:   kernel.StepId("step-2"),
		Decision: DecisionDetour,
		Reason:   "lint failure detected",
	}))

	decisions, err := trail.Decisions()
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionDetour, decisions[0].Decision)
	assert.Equal(t, ConfidenceHigh, decisions[0].Confidence)

	count, err := trail.OffRoadCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDecisionsByTypeFilters(t *testing.T) {
	trail := New(t.TempDir(), kernel.FlowKey("build"))
	require.NoError(t, trail.LogDecision(DecisionRecord{Decision: DecisionDetour, Reason: "a"}))
	require.NoError(t, trail.LogDecision(DecisionRecord{Decision: DecisionEscalate, Reason: "b"}))

	escalations, err := trail.DecisionsByType(DecisionEscalate)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, "b", escalations[0].Reason)
}

func TestFlowInjectionLifecycle(t *testing.T) {
	trail := New(t.TempDir(), kernel.FlowKey("build"))
	id, err := trail.LogFlowInjection("reset", "upstream diverged", map[string]any{"type": "upstream_diverged"},
		Position{FlowKey: "build", StepID: "step-2"}, Position{FlowKey: "build", StepID: "step-2"})
	require.NoError(t, err)

	injections, err := trail.FlowInjections()
	require.NoError(t, err)
	require.Len(t, injections, 1)
	assert.Equal(t, InjectionInProgress, injections[0].Status)

	require.NoError(t, trail.UpdateFlowInjectionStatus(id, InjectionCompleted))

	injections, err = trail.FlowInjections()
	require.NoError(t, err)
	require.Len(t, injections, 1)
	assert.Equal(t, InjectionCompleted, injections[0].Status)
	assert.NotNil(t, injections[0].CompletedAt)
}

func TestNodeInjectionLifecycle(t *testing.T) {
	trail := New(t.TempDir(), kernel.FlowKey("build"))
	id, err := trail.LogNodeInjection(
		[]kernel.InjectedNodeSpec{{NodeID: "extra-1"}},
		"novel requirement surfaced",
		"directly advances the flow objective",
		Position{FlowKey: "build", StepID: "step-2"},
	)
	require.NoError(t, err)

	nodes, err := trail.NodeInjections()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, InjectionPending, nodes[0].Status)

	require.NoError(t, trail.UpdateNodeInjectionStatus(id, InjectionFailed))
	nodes, err = trail.NodeInjections()
	require.NoError(t, err)
	assert.Equal(t, InjectionFailed, nodes[0].Status)
}

func TestProposalLifecycle(t *testing.T) {
	trail := New(t.TempDir(), kernel.FlowKey("build"))
	id, err := trail.LogProposal("wisdom", map[string]any{"frequency": 5}, map[string]any{"type": "new_step"}, "recurring pattern across runs")
	require.NoError(t, err)

	proposals, err := trail.Proposals()
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ProposalPendingReview, proposals[0].Status)

	require.NoError(t, trail.UpdateProposalStatus(id, ProposalApproved, "maintainer", "looks sound"))
	proposals, err = trail.Proposals()
	require.NoError(t, err)
	assert.Equal(t, ProposalApproved, proposals[0].Status)
	assert.Equal(t, "maintainer", proposals[0].ReviewedBy)
}

func TestDecisionsEmptyWhenNoFile(t *testing.T) {
	trail := New(t.TempDir(), kernel.FlowKey("build"))
	decisions, err := trail.Decisions()
	require.NoError(t, err)
	assert.Empty(t, decisions)
}
