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

// Package engine is the per-run orchestrator: it drives a flow's steps
// one at a time through a StepSession, scans the workspace for boundary
// violations, builds the routing candidate set from every available
// signal, resolves a decision, and applies it to the event-sourced
// RunState until the flow (and any interruption stack built up along
// the way) is exhausted.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/audit"
	"github.com/tombee/conductor-kernel/internal/kernel/boundary"
	"github.com/tombee/conductor-kernel/internal/kernel/budget"
	"github.com/tombee/conductor-kernel/internal/kernel/detour"
	"github.com/tombee/conductor-kernel/internal/kernel/exitpredicate"
	"github.com/tombee/conductor-kernel/internal/kernel/extractor"
	"github.com/tombee/conductor-kernel/internal/kernel/flowspec"
	"github.com/tombee/conductor-kernel/internal/kernel/navigator"
	"github.com/tombee/conductor-kernel/internal/kernel/progress"
	"github.com/tombee/conductor-kernel/internal/kernel/scent"
	"github.com/tombee/conductor-kernel/internal/kernel/session"
	"github.com/tombee/conductor-kernel/internal/kernel/sidequest"
	"github.com/tombee/conductor-kernel/internal/kernel/utilityflow"
	"github.com/tombee/conductor-kernel/internal/kernel/workspace"
	"github.com/tombee/conductor-kernel/internal/permissions"
	"github.com/tombee/conductor-kernel/pkg/tokenizer"
)

// DefaultBudgetTokens is the per-step context budget used when an Engine
// is not given one explicitly.
const DefaultBudgetTokens = 8000

// DefaultMaxIterations is the microloop iteration ceiling used for a step
// that does not name its own.
const DefaultMaxIterations = 5

// DefaultSuccessStatuses are the envelope statuses treated as
// "verified" when a step does not name its own.
var DefaultSuccessStatuses = []string{string(kernel.EnvelopeSucceeded), string(kernel.EnvelopeVerified)}

// Engine holds the dependencies shared across every run it drives: the
// durable store, the compiled flow registry, and the cross-cutting
// detectors (detour signatures, sidequest catalog, utility-flow
// triggers) that are process-wide rather than run-scoped.
type Engine struct {
	store        *kernel.Store
	flows        *flowspec.Registry
	detours      *detour.Matcher
	sidequests   *sidequest.Catalog
	utilityFlows *utilityflow.Manager
	log          *slog.Logger
	budgetTokens int
	metrics      Recorder
}

// Recorder is the observability seam buildCandidates/runStep/Run report
// through, satisfied by internal/kernel/metrics.Collector without this
// package importing prometheus directly. A nil Recorder (the zero
// value) makes every call site below a no-op.
type Recorder interface {
	RecordStep(flowKey kernel.FlowKey, status kernel.EnvelopeStatus)
	RecordDetour(signatureID string)
	RecordUtilityFlowInjection(flowID string)
	RecordStall(flowKey kernel.FlowKey, stepID kernel.StepId)
	RecordBoundaryViolation(violationType, severity string)
}

// New creates an Engine. log may be nil, in which case slog.Default() is
// used.
func New(store *kernel.Store, flows *flowspec.Registry, detours *detour.Matcher, sidequests *sidequest.Catalog, utilityFlows *utilityflow.Manager, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:        store,
		flows:        flows,
		detours:      detours,
		sidequests:   sidequests,
		utilityFlows: utilityFlows,
		log:          log,
		budgetTokens: DefaultBudgetTokens,
	}
}

// WithBudgetTokens overrides the per-step context budget.
func (e *Engine) WithBudgetTokens(n int) *Engine {
	if n > 0 {
		e.budgetTokens = n
	}
	return e
}

// WithMetrics attaches an observability Recorder; nil (the default)
// leaves every metrics call site a no-op.
func (e *Engine) WithMetrics(r Recorder) *Engine {
	e.metrics = r
	return e
}

// RunOptions configures a single run of Run.
type RunOptions struct {
	RunID   kernel.RunId
	FlowKey kernel.FlowKey // used only when starting a brand new run

	Workspace    workspace.Workspace
	RepoRoot     string // keys the utility-flow manager's per-repo registry cache
	RealRepoRoot string // non-empty only when Workspace is a shadow fork

	Transport session.Transport
	Query     extractor.QueryFunc

	// Navigator, if set, is consulted whenever the exit predicate itself
	// does not resolve to a terminal verdict. A nil Navigator falls back
	// to the default candidate.
	Navigator       session.Transport
	NavigatorSchema map[string]any

	Counter tokenizer.Counter

	// Resume, when true, lets Run start from a RunPaused state by popping
	// the frame pause pushed and continuing the loop, instead of treating
	// the paused state as a reason to stop. Unused for a brand new run.
	Resume bool

	// PauseRequested is polled once per loop iteration; when it reports
	// true the run pauses (the same flow_paused event an ActionEscalate
	// decision would emit) instead of advancing to the next step. A nil
	// func means the run can never be paused externally.
	PauseRequested func() bool

	// InterruptRequested is polled once per loop iteration, after
	// PauseRequested; when it reports a reason the run pauses the same
	// way PauseRequested does, except the pushed frame's Reason is
	// tagged "interrupt:<reason>" rather than "http_pause" so the audit
	// trail distinguishes an operator-requested detour from a plain
	// pause. A nil func means the run can never be interrupted this way.
	InterruptRequested func() (reason string, ok bool)
}

// stepOutcome bundles everything produced by running one step, so the
// candidate-building and decision stages have a single value to read
// from regardless of which path (native success, transport error,
// boundary halt) produced it.
type stepOutcome struct {
	envelope  kernel.HandoffEnvelope
	work      session.WorkResult
	toolCalls []kernel.NormalizedToolCall
	before    workspace.ForensicSnapshot
	after     workspace.ForensicSnapshot
	startedAt time.Time
}

// Run drives runID to completion (or to a paused/stopped/interrupted
// halt), loading or initializing its state, resolving a checkpoint
// resume point, and looping step-by-step per the run engine's
// single-threaded, cooperative execution model.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	runID := opts.RunID

	state, err := e.loadOrInitState(runID, opts.FlowKey)
	if err != nil {
		return fmt.Errorf("engine: loading run state: %w", err)
	}

	if state.CurrentStepID == "" {
		cm := kernel.NewCheckpointManager(e.store, runID, opts.Workspace.Root())
		resume, err := cm.FindResumePoint(state.FlowKey)
		if err != nil {
			return fmt.Errorf("engine: finding resume point: %w", err)
		}
		state.CurrentStepID = resume.StepID
		state.StepIndex = resume.StepIndex
	}

	if state.Status == kernel.RunPaused && opts.Resume {
		if err := e.resumeFromPause(runID, state); err != nil {
			return fmt.Errorf("engine: resuming paused run: %w", err)
		}
	}

	trail := e.loadOrInitScentTrail(runID, state.FlowKey)
	tracker := progress.NewTracker(progress.DefaultThreshold)

	for state.Status == kernel.RunRunning {
		select {
		case <-ctx.Done():
			state.Status = kernel.RunCanceled
			if err := e.emitTerminal(runID, state); err != nil {
				return err
			}
			return ctx.Err()
		default:
		}
		if opts.PauseRequested != nil && opts.PauseRequested() {
			return e.pause(runID, state, "http_pause")
		}
		if opts.InterruptRequested != nil {
			if reason, ok := opts.InterruptRequested(); ok {
				return e.pause(runID, state, "interrupt:"+reason)
			}
		}

		flow, ok := e.flows.Get(state.FlowKey)
		if !ok {
			return fmt.Errorf("engine: unknown flow %q", state.FlowKey)
		}

		step, ok := flow.StepAt(state.StepIndex)
		if !ok {
			finished, err := e.completeOrPopFlow(runID, state)
			if err != nil {
				return fmt.Errorf("engine: completing flow %q: %w", state.FlowKey, err)
			}
			if finished {
				// The terminal run_completed event is appended once, by
				// emitTerminal after the loop exits, not here — otherwise
				// a run that both exhausts its flow graph and later falls
				// through to emitTerminal would log run_completed twice.
				state.Status = kernel.RunSucceeded
				break
			}
			continue
		}

		outcome, violations, err := e.runStep(ctx, runID, state, flow, step, opts)
		if err != nil {
			return e.fail(runID, state, fmt.Errorf("engine: running step %q: %w", step.ID, err))
		}
		if boundary.HasBlocking(violations) {
			return e.haltOnBoundaryViolation(runID, state, step.ID, violations)
		}

		if outcome.envelope.Status == kernel.EnvelopeFailed {
			tracker.RecordFailure(outcome.envelope.Critique + " " + outcome.envelope.Summary)
		} else {
			tracker.RecordSuccess(string(outcome.envelope.Status))
		}
		if e.metrics != nil {
			e.metrics.RecordStep(state.FlowKey, outcome.envelope.Status)
			if tracker.IsStalled() {
				e.metrics.RecordStall(state.FlowKey, step.ID)
			}
		}

		candidates := e.buildCandidates(runID, state, flow, step, outcome, tracker, opts)

		chosen, err := e.resolveDecision(ctx, state, step, outcome, candidates, opts)
		if err != nil {
			return e.fail(runID, state, fmt.Errorf("engine: resolving routing decision: %w", err))
		}

		e.logDecision(runID, state, step, chosen, outcome)

		if outcome.envelope.Summary != "" {
			trail.AddDecision(outcome.envelope.Summary, string(step.ID))
		}
		if err := e.store.WriteScentTrail(runID, trail); err != nil {
			e.log.Warn("failed to persist scent trail", "run_id", runID, "error", err)
		}

		if err := e.emitStepCompleted(runID, state, step, outcome); err != nil {
			return fmt.Errorf("engine: recording step_completed: %w", err)
		}

		if err := e.applyDecision(runID, state, flow, step, chosen, outcome, opts); err != nil {
			return fmt.Errorf("engine: applying routing decision: %w", err)
		}

		if err := e.store.WriteRunState(runID, state); err != nil {
			return fmt.Errorf("engine: writing run_state: %w", err)
		}
	}

	return e.emitTerminal(runID, state)
}

// loadOrInitState returns the authoritative state for runID, creating and
// persisting a run_started event if this is a brand new run.
func (e *Engine) loadOrInitState(runID kernel.RunId, flowKey kernel.FlowKey) (*kernel.RunState, error) {
	events, err := e.store.ReadEvents(runID)
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	if len(events) > 0 {
		return e.store.LoadAuthoritative(runID, e.log)
	}

	state := kernel.NewRunState(runID)
	ev := kernel.NewEvent(runID, kernel.EventRunStarted, flowKey, "", kernel.RunStartedPayload{
		FlowKey: flowKey, CurrentFlowIndex: 0,
	})
	if err := e.store.AppendEvent(runID, ev); err != nil {
		return nil, fmt.Errorf("appending run_started: %w", err)
	}
	state = kernel.ApplyEvent(state, ev)
	if err := e.store.WriteRunState(runID, state); err != nil {
		return nil, fmt.Errorf("writing initial run_state: %w", err)
	}
	return state, nil
}

func (e *Engine) loadOrInitScentTrail(runID kernel.RunId, flowKey kernel.FlowKey) *scent.Trail {
	stored, err := e.store.ReadScentTrail(runID)
	if err != nil {
		e.log.Warn("failed to read scent trail, starting fresh", "run_id", runID, "error", err)
	}
	if stored != nil {
		stored.Rehydrate(nil)
		return stored
	}
	return scent.New(string(runID), string(flowKey), nil)
}

// runStep snapshots the workspace, runs the three session phases, scans
// every recorded tool call for boundary violations, records a receipt,
// and returns the assembled stepOutcome. Transport/extraction errors are
// folded into a synthetic failed envelope rather than aborting the run,
// so the routing subsystem gets a chance to retry or escalate; only
// infrastructure failures (workspace snapshotting) are returned as
// errors.
func (e *Engine) runStep(ctx context.Context, runID kernel.RunId, state *kernel.RunState, flow flowspec.FlowSpec, step flowspec.StepSpec, opts RunOptions) (stepOutcome, []boundary.Violation, error) {
	startEv := kernel.NewEvent(runID, kernel.EventStepStarted, state.FlowKey, step.ID, nil)
	if err := e.store.AppendEvent(runID, startEv); err != nil {
		return stepOutcome{}, nil, fmt.Errorf("appending step_started: %w", err)
	}
	state.CurrentStepID = step.ID

	before, err := opts.Workspace.SnapshotForensics(ctx)
	if err != nil {
		return stepOutcome{}, nil, fmt.Errorf("snapshotting workspace baseline: %w", err)
	}

	sess := session.New(opts.Transport, opts.Query)
	outcome := stepOutcome{before: before, startedAt: time.Now().UTC()}

	prompt := e.buildPrompt(state, step, opts)

	work, workErr := sess.Work(ctx, prompt, step.AllowedTools)
	outcome.work = work

	perms := permissions.NewPermissionContext(step.Permissions)

	var violations []boundary.Violation
	for _, tc := range work.ToolCalls {
		call := boundary.ToolCallInput{
			ToolName: tc.ToolName,
			Command:  toolCommand(tc.Input),
			Paths:    toolPaths(tc.Input),
			Output:   tc.Output,
		}
		violations = append(violations, boundary.Scan(opts.Workspace, opts.RealRepoRoot, call, perms)...)
		outcome.toolCalls = append(outcome.toolCalls, kernel.NormalizedToolCall{
			ToolName: tc.ToolName,
			Input:    tc.Input,
			Output:   boundary.RedactSecrets(tc.Output),
		})
	}
	if boundary.HasBlocking(violations) {
		e.logViolations(runID, state, step.ID, violations)
		outcome.envelope = failedEnvelope(state, step, "boundary violation halted the step")
		return outcome, violations, nil
	}

	if workErr != nil {
		outcome.envelope = failedEnvelope(state, step, "work phase failed: "+workErr.Error())
		e.writeReceipt(runID, state, step, outcome)
		after, _ := opts.Workspace.SnapshotForensics(ctx)
		outcome.after = after
		return outcome, violations, nil
	}

	envelope, finErr := e.finalize(ctx, sess, state, step, prompt, opts)
	if finErr != nil {
		envelope = failedEnvelope(state, step, "finalize phase failed: "+finErr.Error())
	}
	outcome.envelope = envelope

	if _, routeErr := sess.Route(ctx, prompt, step.RoutingConfig, step.RoutingSchema); routeErr != nil {
		e.log.Debug("route phase advisory call failed, proceeding without a transport opinion", "run_id", runID, "step", step.ID, "error", routeErr)
	}

	after, err := opts.Workspace.SnapshotForensics(ctx)
	if err != nil {
		return stepOutcome{}, nil, fmt.Errorf("snapshotting workspace after step: %w", err)
	}
	outcome.after = after

	if err := e.store.WriteHandoff(runID, outcome.envelope); err != nil {
		e.log.Warn("failed to persist handoff envelope", "run_id", runID, "step", step.ID, "error", err)
	}
	e.writeReceipt(runID, state, step, outcome)

	return outcome, violations, nil
}

func (e *Engine) finalize(ctx context.Context, sess *session.Session, state *kernel.RunState, step flowspec.StepSpec, prompt string, opts RunOptions) (kernel.HandoffEnvelope, error) {
	result, err := sess.Finalize(ctx, prompt, step.EnvelopeSchema)
	if err != nil {
		return kernel.HandoffEnvelope{}, err
	}
	return decodeEnvelope(state, step, result.Envelope), nil
}

func decodeEnvelope(state *kernel.RunState, step flowspec.StepSpec, fields map[string]any) kernel.HandoffEnvelope {
	env := kernel.HandoffEnvelope{
		StepID:  step.ID,
		FlowKey: state.FlowKey,
		RunID:   state.RunID,
		Status:  kernel.EnvelopeUnverified,
	}
	if v, ok := fields["status"].(string); ok {
		env.Status = kernel.EnvelopeStatus(v)
	}
	if v, ok := fields["summary"].(string); ok {
		env.Summary = v
	}
	if v, ok := fields["critique"].(string); ok {
		env.Critique = v
	}
	if v, ok := fields["can_further_iteration_help"]; ok {
		env.CanFurtherIterationHelp = boolPtr(v)
	}
	if v, ok := fields["artifacts"].([]any); ok {
		env.Artifacts = toStringSlice(v)
	}
	if v, ok := fields["assumptions_made"].([]any); ok {
		env.AssumptionsMade = toStringSlice(v)
	}
	if v, ok := fields["decisions_made"].([]any); ok {
		env.DecisionsMade = toStringSlice(v)
	}
	return env
}

func boolPtr(v any) *bool {
	switch b := v.(type) {
	case bool:
		return &b
	default:
		return nil
	}
}

func toStringSlice(in []any) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func failedEnvelope(state *kernel.RunState, step flowspec.StepSpec, reason string) kernel.HandoffEnvelope {
	return kernel.HandoffEnvelope{
		StepID:  step.ID,
		FlowKey: state.FlowKey,
		RunID:   state.RunID,
		Status:  kernel.EnvelopeFailed,
		Summary: reason,
	}
}

func toolCommand(input map[string]any) string {
	if v, ok := input["command"].(string); ok {
		return v
	}
	return ""
}

func toolPaths(input map[string]any) []string {
	var paths []string
	if p, ok := input["path"].(string); ok {
		paths = append(paths, p)
	}
	if ps, ok := input["paths"].([]any); ok {
		for _, v := range ps {
			if s, ok := v.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	return paths
}

// buildPrompt assembles the step's base prompt within the context
// budget: the step's own prompt is Critical (never dropped), the
// previous step's envelope summary is High, and the scent trail digest
// is Medium.
func (e *Engine) buildPrompt(state *kernel.RunState, step flowspec.StepSpec, opts RunOptions) string {
	items := []budget.Item{
		{Key: "step_prompt", Priority: budget.Critical, Content: step.Prompt, Truncatable: false},
	}
	if prev, ok := previousEnvelope(state, step); ok {
		items = append(items, budget.Item{
			Key: "previous_envelope", Priority: budget.High,
			Content: "Previous step summary: " + prev.Summary, Truncatable: true, MinTokens: 64,
		})
	}

	counter := opts.Counter
	if counter == nil {
		counter = tokenizer.Fallback()
	}
	fitted, report := budget.Fit(items, counter, e.budgetTokens)
	if report.Overflowed {
		e.log.Warn("context budget overflowed assembling step prompt", "run_id", state.RunID, "step", step.ID)
		if e.metrics != nil {
			e.metrics.RecordBudgetOverflow(state.FlowKey)
		}
	}

	var b strings.Builder
	b.WriteString(fitted["step_prompt"])
	if prevText, ok := fitted["previous_envelope"]; ok {
		b.WriteString("\n\n")
		b.WriteString(prevText)
	}
	return b.String()
}

func previousEnvelope(state *kernel.RunState, step flowspec.StepSpec) (kernel.HandoffEnvelope, bool) {
	env, ok := state.HandoffEnvelopes[step.ID]
	return env, ok
}

func (e *Engine) writeReceipt(runID kernel.RunId, state *kernel.RunState, step flowspec.StepSpec, outcome stepOutcome) {
	r := kernel.Receipt{
		StepID:          step.ID,
		FlowKey:         state.FlowKey,
		RunID:           runID,
		AgentKey:        step.AgentKey,
		Status:          outcome.envelope.Status,
		StartedAt:       outcome.startedAt,
		CompletedAt:     time.Now().UTC(),
		ToolCalls:       outcome.toolCalls,
		TransportSource: step.AgentKey,
		DurationMs:      time.Since(outcome.startedAt).Milliseconds(),
	}
	if err := e.store.WriteReceipt(runID, r); err != nil {
		e.log.Warn("failed to write receipt", "run_id", runID, "step", step.ID, "error", err)
	}
}

func (e *Engine) logViolations(runID kernel.RunId, state *kernel.RunState, stepID kernel.StepId, violations []boundary.Violation) {
	for _, v := range violations {
		ev := kernel.NewEvent(runID, kernel.EventBoundaryViolation, state.FlowKey, stepID, kernel.BoundaryViolationPayload{
			Type: string(v.Type), Severity: string(v.Severity), Path: v.Path, Detail: v.Detail,
		})
		if err := e.store.AppendEvent(runID, ev); err != nil {
			e.log.Warn("failed to append boundary_violation event", "run_id", runID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.RecordBoundaryViolation(string(v.Type), string(v.Severity))
		}
	}
}

func (e *Engine) haltOnBoundaryViolation(runID kernel.RunId, state *kernel.RunState, stepID kernel.StepId, violations []boundary.Violation) error {
	var blocking boundary.Violation
	for _, v := range violations {
		if v.Severity == boundary.SeverityBlock {
			blocking = v
			break
		}
	}
	err := boundary.ToError(blocking)
	return e.fail(runID, state, fmt.Errorf("engine: step %q halted: %w", stepID, err))
}

// buildCandidates assembles every available routing candidate: a
// deterministic default continue candidate, a detour match (if any), the
// applicable sidequest menu, and any utility-flow injection trigger.
func (e *Engine) buildCandidates(runID kernel.RunId, state *kernel.RunState, flow flowspec.FlowSpec, step flowspec.StepSpec, outcome stepOutcome, tracker *progress.Tracker, opts RunOptions) []kernel.RoutingCandidate {
	candidates := []kernel.RoutingCandidate{defaultContinueCandidate(flow, state.StepIndex)}

	forensics := detour.Forensics{
		ErrorOutput:    outcome.envelope.Critique,
		Stdout:         outcome.work.Output,
		BehindUpstream: outcome.after.BehindUpstream,
		Diverged:       outcome.after.Diverged,
		GitStatusOut:   outcome.after.StatusOutput,
	}
	if dec, ok := e.detours.Match(forensics, string(step.ID)); ok {
		if e.metrics != nil {
			e.metrics.RecordDetour(dec.DetourID)
		}
		candidates = append(candidates, kernel.RoutingCandidate{
			CandidateID: "detour:" + dec.DetourID,
			Action:      kernel.ActionDetour,
			TargetNode:  kernel.StepId(dec.DetourTarget),
			Reason:      dec.Reason,
			Priority:    50,
			Source:      "detour_matcher",
			EvidencePointers: []string{
				fmt.Sprintf("attempt %d/%d", dec.AttemptNumber, dec.MaxAttempts),
			},
		})
	}

	sqCtx := sidequest.Context{
		Fields:         map[string]any{"status": string(outcome.envelope.Status)},
		Stall:          sidequest.StallSignals{IsStalled: tracker.IsStalled(), StallCount: tracker.StallCount()},
		ChangedPaths:   outcome.after.ChangedPaths,
		IterationCount: state.LoopState[string(step.ID)],
	}
	for _, sq := range e.sidequests.Applicable(string(runID), sqCtx) {
		candidates = append(candidates, kernel.RoutingCandidate{
			CandidateID: "sidequest:" + sq.ID,
			Action:      kernel.ActionDetour,
			TargetNode:  kernel.StepId(sq.StationID),
			Reason:      sq.Description,
			Priority:    sq.Priority,
			Source:      "sidequest_catalog",
		})
	}

	git := utilityflow.GitStatus{Diverged: outcome.after.Diverged, BehindCount: outcome.after.BehindUpstream}
	ufCandidates, err := e.utilityFlows.Candidates(opts.RepoRoot, utilityflow.StepResult{Status: string(outcome.envelope.Status)}, state, git)
	if err != nil {
		e.log.Warn("utility flow detection failed", "run_id", runID, "error", err)
	} else {
		candidates = utilityflow.MergeCandidates(candidates, ufCandidates)
	}

	return candidates
}

func defaultContinueCandidate(flow flowspec.FlowSpec, currentIndex int) kernel.RoutingCandidate {
	target := kernel.StepId("")
	if next, ok := flow.StepAt(currentIndex + 1); ok {
		target = next.ID
	}
	return kernel.RoutingCandidate{
		CandidateID: "continue",
		Action:      kernel.ActionContinue,
		TargetNode:  target,
		Reason:      "proceed to the next step",
		Priority:    0,
		Source:      "deterministic",
		IsDefault:   true,
	}
}

// resolveDecision applies the three-tier decision rule spec §4.16
// names: the exit predicate resolves terminal verdicts outright;
// anything it calls "continue" defers to the Navigator (if configured);
// absent a Navigator, the default candidate wins.
func (e *Engine) resolveDecision(ctx context.Context, state *kernel.RunState, step flowspec.StepSpec, outcome stepOutcome, candidates []kernel.RoutingCandidate, opts RunOptions) (kernel.RoutingCandidate, error) {
	iteration := state.LoopState[string(step.ID)]
	maxIter := step.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	successValues := step.SuccessStatuses
	if len(successValues) == 0 {
		successValues = DefaultSuccessStatuses
	}

	var canHelp any
	if outcome.envelope.CanFurtherIterationHelp != nil {
		canHelp = *outcome.envelope.CanFurtherIterationHelp
	}

	verdict := exitpredicate.Evaluate(iteration, maxIter, string(outcome.envelope.Status), canHelp, successValues)

	switch verdict.Reason {
	case exitpredicate.StatusVerified:
		return navigator.DefaultCandidate(candidates), nil

	case exitpredicate.MaxIterationsReached:
		return kernel.RoutingCandidate{
			CandidateID: "escalate:max_iterations",
			Action:      kernel.ActionEscalate,
			Reason:      "max iterations reached without a verified status",
			Priority:    100,
			Source:      "exit_predicate",
		}, nil

	case exitpredicate.NoFurtherHelp:
		return kernel.RoutingCandidate{
			CandidateID: "terminate:no_further_help",
			Action:      kernel.ActionTerminate,
			Reason:      "agent reported further iteration would not help",
			Priority:    100,
			Source:      "exit_predicate",
		}, nil
	}

	if opts.Navigator == nil {
		return navigator.DefaultCandidate(candidates), nil
	}

	resp, err := e.consultNavigator(ctx, state, step, candidates, opts)
	if err != nil {
		e.log.Warn("navigator consultation failed, falling back to default candidate", "run_id", state.RunID, "step", step.ID, "error", err)
		return navigator.DefaultCandidate(candidates), nil
	}
	return navigator.ApplyChoice(candidates, resp, navigator.DefaultCandidate(candidates)), nil
}

func (e *Engine) consultNavigator(ctx context.Context, state *kernel.RunState, step flowspec.StepSpec, candidates []kernel.RoutingCandidate, opts RunOptions) (navigator.Response, error) {
	navSess := session.New(opts.Navigator, opts.Query)
	prompt := navigatorPrompt(state, step, candidates)
	result, err := navSess.Finalize(ctx, prompt, opts.NavigatorSchema)
	if err != nil {
		return navigator.Response{}, err
	}

	var resp navigator.Response
	if v, ok := result.Envelope["chosen_candidate_id"].(string); ok {
		resp.ChosenCandidateID = v
	}
	if v, ok := result.Envelope["next_step_brief"].(string); ok {
		resp.NextStepBrief = v
	}
	return resp, nil
}

func navigatorPrompt(state *kernel.RunState, step flowspec.StepSpec, candidates []kernel.RoutingCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %q completed in flow %q. Choose one candidate_id:\n", step.ID, state.FlowKey)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.CandidateID, c.Action, c.Reason)
	}
	return b.String()
}

// logDecision writes a DecisionRecord to the routing audit trail for
// every decision except continue (the golden path needs no special
// logging, matching the audit package's own rule).
func (e *Engine) logDecision(runID kernel.RunId, state *kernel.RunState, step flowspec.StepSpec, chosen kernel.RoutingCandidate, outcome stepOutcome) {
	if chosen.Action == kernel.ActionContinue {
		return
	}
	trailAudit := audit.New(e.store.RunDir(runID), state.FlowKey)
	rec := audit.DecisionRecord{
		RunID:    runID,
		FlowKey:  state.FlowKey,
		StepID:   step.ID,
		Decision: audit.Decision(strings.ToUpper(string(chosen.Action))),
		Reason:   chosen.Reason,
		AgentKey: step.AgentKey,
	}
	if chosen.Action == kernel.ActionDetour {
		rec.DetourTarget = string(chosen.TargetNode)
	}
	if chosen.Action == kernel.ActionInjectFlow {
		rec.InjectedFlow = string(chosen.TargetNode)
	}
	if err := trailAudit.LogDecision(rec); err != nil {
		e.log.Warn("failed to log routing decision", "run_id", runID, "error", err)
	}
}

func (e *Engine) emitStepCompleted(runID kernel.RunId, state *kernel.RunState, step flowspec.StepSpec, outcome stepOutcome) error {
	env := outcome.envelope
	ev := kernel.NewEvent(runID, kernel.EventStepCompleted, state.FlowKey, step.ID, kernel.StepCompletedPayload{
		StepIndex: state.StepIndex,
		Status:    env.Status,
		Envelope:  &env,
	})
	if err := e.store.AppendEvent(runID, ev); err != nil {
		return err
	}
	// Records completed_nodes/handoff_envelopes; the cursor itself moves
	// via the route_decision that applyDecision emits next.
	*state = *kernel.ApplyEvent(state, ev)
	return nil
}

// applyDecision emits the event(s) that move the run's cursor (or
// terminate/pause it) per chosen.Action, then mutates state via
// kernel.ApplyEvent so the engine's in-memory state and the replayable
// event log never diverge.
func (e *Engine) applyDecision(runID kernel.RunId, state *kernel.RunState, flow flowspec.FlowSpec, step flowspec.StepSpec, chosen kernel.RoutingCandidate, outcome stepOutcome, opts RunOptions) error {
	switch chosen.Action {
	case kernel.ActionContinue:
		nextIdx := state.StepIndex + 1
		nextID := kernel.StepId("")
		if next, ok := flow.StepAt(nextIdx); ok {
			nextID = next.ID
		}
		return e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventRouteDecision, state.FlowKey, step.ID, kernel.RouteDecisionPayload{
			Action: kernel.ActionContinue, NextStepID: nextID, NextStepIndex: nextIdx,
		}))

	case kernel.ActionLoop:
		return e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventRouteDecision, state.FlowKey, step.ID, kernel.RouteDecisionPayload{
			Action: kernel.ActionLoop, LoopID: string(step.ID), NextStepID: step.ID, NextStepIndex: state.StepIndex,
		}))

	case kernel.ActionDetour:
		return e.applyDetour(runID, state, flow, step, chosen)

	case kernel.ActionInjectFlow:
		return e.applyInjectFlow(runID, state, step, outcome, opts)

	case kernel.ActionEscalate:
		frame := kernel.InterruptionFrame{
			Reason: "escalate:" + chosen.Reason, ReturnFlowKey: state.FlowKey, ReturnNode: step.ID,
			CurrentStepIndex: state.StepIndex, PushedAt: time.Now().UTC(),
		}
		return e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventFlowPaused, state.FlowKey, step.ID, kernel.FlowPausedPayload{Frame: frame}))

	case kernel.ActionTerminate:
		// Status flips to non-running here so the main loop exits; the
		// actual run_stopped event is appended once, by emitTerminal
		// after the loop, to avoid logging it twice.
		state.Status = kernel.RunStopped
		return nil

	default:
		return fmt.Errorf("unrecognized routing action %q", chosen.Action)
	}
}

func (e *Engine) applyDetour(runID kernel.RunId, state *kernel.RunState, flow flowspec.FlowSpec, step flowspec.StepSpec, chosen kernel.RoutingCandidate) error {
	targetIdx := flow.IndexOf(chosen.TargetNode)
	targetID := chosen.TargetNode
	if targetIdx < 0 {
		targetIdx = state.StepIndex
		targetID = step.ID
	}
	frame := kernel.InterruptionFrame{
		Reason: "detour:" + chosen.Reason, ReturnFlowKey: state.FlowKey, ReturnNode: step.ID,
		CurrentStepIndex: state.StepIndex, PushedAt: time.Now().UTC(),
	}
	return e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventDetourStarted, state.FlowKey, step.ID, kernel.DetourStartedPayload{
		Frame: frame, TargetStepID: targetID, TargetStepIndex: targetIdx,
	}))
}

func (e *Engine) applyInjectFlow(runID kernel.RunId, state *kernel.RunState, step flowspec.StepSpec, outcome stepOutcome, opts RunOptions) error {
	git := utilityflow.GitStatus{Diverged: outcome.after.Diverged, BehindCount: outcome.after.BehindUpstream}
	trigger, flow, ok, err := e.utilityFlows.Resolve(opts.RepoRoot, utilityflow.StepResult{Status: string(outcome.envelope.Status)}, state, git)
	if err != nil {
		return fmt.Errorf("resolving utility flow: %w", err)
	}
	if !ok {
		// The candidate named an inject_flow action but the trigger no
		// longer fires (state moved on); fall back to continuing in the
		// flow the run is still actually in.
		currentFlow, _ := e.flows.Get(state.FlowKey)
		return e.applyDecision(runID, state, currentFlow, step, kernel.RoutingCandidate{Action: kernel.ActionContinue}, outcome, opts)
	}

	frame := kernel.InterruptionFrame{
		Reason: "utility_flow:" + flow.FlowID, ReturnFlowKey: state.FlowKey, ReturnNode: step.ID,
		CurrentStepIndex: state.StepIndex, OnCompleteNext: flow.OnCompleteNextFlow,
		OnCompleteReason: flow.OnCompleteReason, PushedAt: time.Now().UTC(),
	}
	firstNodeIndex := 0
	if target, ok := e.flows.Get(kernel.FlowKey(flow.FlowID)); ok {
		if idx := target.IndexOf(flow.FirstNodeID); idx >= 0 {
			firstNodeIndex = idx
		}
	}
	payload := kernel.UtilityFlowInjectedPayload{
		FlowID: flow.FlowID, FirstNodeID: flow.FirstNodeID, FirstNodeIndex: firstNodeIndex,
		TriggerType: trigger.Type, Frame: frame,
	}
	ev := kernel.NewEvent(runID, kernel.EventUtilityFlowInject, kernel.FlowKey(flow.FlowID), step.ID, payload)
	if e.metrics != nil {
		e.metrics.RecordUtilityFlowInjection(flow.FlowID)
	}
	return e.appendAndApply(runID, state, ev)
}

// completeOrPopFlow handles reaching the end of the current flow's step
// list: pop the interruption stack if this flow was injected (detour or
// utility flow), switching either back to the interrupted position or
// on to the frame's on_complete_next_flow; otherwise report that the
// whole run is finished, leaving the caller to mark it succeeded once
// the main loop exits.
func (e *Engine) completeOrPopFlow(runID kernel.RunId, state *kernel.RunState) (bool, error) {
	if err := e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventFlowCompleted, state.FlowKey, "", nil)); err != nil {
		return false, err
	}

	if len(state.InterruptionStack) == 0 {
		return true, nil
	}

	top := state.InterruptionStack[len(state.InterruptionStack)-1]
	if err := e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventDetourCompleted, state.FlowKey, "", kernel.DetourCompletedPayload{Resolved: true})); err != nil {
		return false, err
	}

	if top.OnCompleteNext != "" && top.OnCompleteNext != top.ReturnFlowKey {
		toFlowIndex := 0
		if target, ok := e.flows.Get(top.OnCompleteNext); ok {
			toFlowIndex = target.Index
		}
		macro := kernel.NewEvent(runID, kernel.EventMacroRoute, state.FlowKey, "", kernel.MacroRoutePayload{
			ToFlow: top.OnCompleteNext, ToFlowIndex: toFlowIndex, Reason: top.OnCompleteReason,
		})
		if err := e.appendAndApply(runID, state, macro); err != nil {
			return false, err
		}
		if err := e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventFlowStarted, top.OnCompleteNext, "", nil)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (e *Engine) appendAndApply(runID kernel.RunId, state *kernel.RunState, ev kernel.Event) error {
	if err := e.store.AppendEvent(runID, ev); err != nil {
		return err
	}
	*state = *kernel.ApplyEvent(state, ev)
	return nil
}

// fail records run_failed for err and returns err, so callers can return
// directly from Run.
func (e *Engine) fail(runID kernel.RunId, state *kernel.RunState, err error) error {
	ev := kernel.NewEvent(runID, kernel.EventRunFailed, state.FlowKey, "", nil)
	if appendErr := e.store.AppendEvent(runID, ev); appendErr != nil {
		e.log.Error("failed to append run_failed event", "run_id", runID, "error", appendErr)
	} else {
		*state = *kernel.ApplyEvent(state, ev)
	}
	if writeErr := e.store.WriteRunState(runID, state); writeErr != nil {
		e.log.Error("failed to write run_state after failure", "run_id", runID, "error", writeErr)
	}
	return err
}

// pause pushes an interruption frame recording the run's exact position
// and appends flow_paused, the same event an ActionEscalate decision
// would emit, so a paused run and an escalated one resume identically.
func (e *Engine) pause(runID kernel.RunId, state *kernel.RunState, reason string) error {
	frame := kernel.InterruptionFrame{
		Reason: reason, ReturnFlowKey: state.FlowKey, ReturnNode: state.CurrentStepID,
		CurrentStepIndex: state.StepIndex, PushedAt: time.Now().UTC(),
	}
	ev := kernel.NewEvent(runID, kernel.EventFlowPaused, state.FlowKey, state.CurrentStepID, kernel.FlowPausedPayload{Frame: frame})
	if err := e.appendAndApply(runID, state, ev); err != nil {
		return fmt.Errorf("engine: pausing run: %w", err)
	}
	return e.store.WriteRunState(runID, state)
}

// resumeFromPause pops the frame pause pushed and flips the run back to
// running, restoring the exact step position it was paused at.
func (e *Engine) resumeFromPause(runID kernel.RunId, state *kernel.RunState) error {
	return e.appendAndApply(runID, state, kernel.NewEvent(runID, kernel.EventRunResumed, state.FlowKey, "", nil))
}

// emitTerminal records the run_completed/run_failed/run_stopped event
// matching state's final status. Paused and interrupted runs are
// resumable, so they emit nothing terminal.
func (e *Engine) emitTerminal(runID kernel.RunId, state *kernel.RunState) error {
	var kind kernel.EventKind
	switch state.Status {
	case kernel.RunSucceeded:
		kind = kernel.EventRunCompleted
	case kernel.RunFailed:
		kind = kernel.EventRunFailed
	case kernel.RunStopped:
		kind = kernel.EventRunStopped
	case kernel.RunCanceled:
		kind = kernel.EventRunCanceled
	default:
		return nil
	}
	ev := kernel.NewEvent(runID, kind, state.FlowKey, "", nil)
	if err := e.store.AppendEvent(runID, ev); err != nil {
		return fmt.Errorf("engine: appending terminal event: %w", err)
	}
	*state = *kernel.ApplyEvent(state, ev)
	return e.store.WriteRunState(runID, state)
}
