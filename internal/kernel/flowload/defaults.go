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

package flowload

import (
	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/flowspec"
)

// sdlcFlow is a shorthand for the five single-step signal/plan/gate/
// deploy/wisdom flows, each of which is just one agent turn bracketed
// by the kernel's own routing machinery; "build" is the only flow with
// internal structure (a micro-loop of implement -> verify), matching
// spec §1's "signal -> plan -> build -> gate -> deploy -> wisdom".
func sdlcFlow(key kernel.FlowKey, index int, agentKey, stepID, prompt string) flowspec.FlowSpec {
	return flowspec.FlowSpec{
		Key:    key,
		Index:  index,
		IsSDLC: true,
		Steps: []flowspec.StepSpec{
			{
				ID:              kernel.StepId(stepID),
				AgentKey:        agentKey,
				Prompt:          prompt,
				EnvelopeSchema:  defaultEnvelopeSchema,
				MaxIterations:   1,
				SuccessStatuses: []string{string(kernel.EnvelopeSucceeded), string(kernel.EnvelopeVerified)},
			},
		},
	}
}

// DefaultFlows returns the kernel's built-in SDLC flow graph plus the
// "reset" utility flow, used when no on-disk flow catalog directory is
// configured or a flow key is missing from one. The reset flow's eight
// node IDs match utilityflow.DefaultFlows()'s reset-1..reset-8 exactly,
// since the Utility Flow Injector resolves FirstNodeID against this
// same flowspec.Registry.
func DefaultFlows() []flowspec.FlowSpec {
	flows := []flowspec.FlowSpec{
		sdlcFlow("signal", 0, "signal-agent", "signal-1",
			"Interpret the incoming trigger and produce a concise objective statement for this run."),
		sdlcFlow("plan", 1, "planner-agent", "plan-1",
			"Draft an implementation plan that satisfies the run's objective."),
		{
			Key:    "build",
			Index:  2,
			IsSDLC: true,
			Steps: []flowspec.StepSpec{
				{
					ID:              "build-step-1",
					AgentKey:        "builder-agent",
					Prompt:          "Implement the plan's first milestone.",
					EnvelopeSchema:  defaultEnvelopeSchema,
					MaxIterations:   5,
					SuccessStatuses: []string{string(kernel.EnvelopeSucceeded), string(kernel.EnvelopeVerified)},
				},
				{
					ID:              "build-step-2",
					AgentKey:        "builder-agent",
					Prompt:          "Continue implementing the plan, addressing any lint/type/test feedback from the previous step.",
					EnvelopeSchema:  defaultEnvelopeSchema,
					MaxIterations:   5,
					SuccessStatuses: []string{string(kernel.EnvelopeSucceeded), string(kernel.EnvelopeVerified)},
				},
				{
					ID:              "build-step-3",
					AgentKey:        "critic-agent",
					Prompt:          "Review the implementation for correctness and completeness against the plan.",
					EnvelopeSchema:  defaultEnvelopeSchema,
					MaxIterations:   3,
					SuccessStatuses: []string{string(kernel.EnvelopeSucceeded), string(kernel.EnvelopeVerified)},
				},
			},
		},
		sdlcFlow("gate", 3, "gate-agent", "gate-1",
			"Decide whether the build satisfies every acceptance criterion and is ready to deploy."),
		sdlcFlow("deploy", 4, "deploy-agent", "deploy-1",
			"Deploy the verified change to its target environment."),
		sdlcFlow("wisdom", 5, "wisdom-agent", "wisdom-1",
			"Summarize what this run learned for the benefit of future runs."),
	}

	resetSteps := make([]flowspec.StepSpec, 0, 8)
	resetPrompts := [8]string{
		"Fetch the latest state of the upstream base branch.",
		"Diff the shadow branch against the refreshed upstream base.",
		"Identify which local commits are still needed versus superseded by upstream.",
		"Rebase (or re-apply) the needed local commits onto the refreshed base.",
		"Resolve any conflicts surfaced by the rebase.",
		"Re-run the build's verification steps against the resynchronized branch.",
		"Confirm the shadow branch no longer reports as diverged or behind upstream.",
		"Hand control back to the flow that triggered this reset.",
	}
	for i, prompt := range resetPrompts {
		resetSteps = append(resetSteps, flowspec.StepSpec{
			ID:              kernel.StepId(resetNodeID(i + 1)),
			AgentKey:        "reset-agent",
			Prompt:          prompt,
			EnvelopeSchema:  defaultEnvelopeSchema,
			MaxIterations:   3,
			SuccessStatuses: []string{string(kernel.EnvelopeSucceeded), string(kernel.EnvelopeVerified)},
		})
	}
	flows = append(flows, flowspec.FlowSpec{
		Key:    "reset",
		Index:  -1,
		IsSDLC: false,
		Steps:  resetSteps,
	})

	return flows
}

func resetNodeID(n int) string {
	digits := "12345678"
	return "reset-" + string(digits[n-1])
}
