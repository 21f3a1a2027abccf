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

// Package runsvc is the control-plane's view of runs: one goroutine per
// run with a private cancellation handle (spec §9's "one task per run
// with a private mailbox"), backed by the same event-sourced Store the
// engine itself reads and writes. The HTTP surface only ever talks to a
// Supervisor, never to an engine.Engine directly.
package runsvc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/engine"
	"github.com/tombee/conductor-kernel/internal/kernel/extractor"
	"github.com/tombee/conductor-kernel/internal/kernel/flowspec"
	"github.com/tombee/conductor-kernel/internal/kernel/session"
	"github.com/tombee/conductor-kernel/internal/kernel/workspace"
)

// MetricsCollector is the observability seam a Supervisor reports
// through, mirroring the teacher's runner.MetricsCollector interface so
// the same collector shape carries over into the new domain. Nil is a
// valid *Supervisor.metrics (metrics become a no-op).
type MetricsCollector interface {
	RecordRunStart(flowKey kernel.FlowKey)
	RecordRunEnd(flowKey kernel.FlowKey, status kernel.RunStatus, duration time.Duration)
}

// WorkspaceFactory builds the workspace a run should execute inside,
// selecting real vs. shadow-fork per workspace.ForFlow.
type WorkspaceFactory func(ctx context.Context, runID kernel.RunId, flowKey kernel.FlowKey, repoRoot string) (ws workspace.Workspace, realRepoRoot string, err error)

// TransportFactory builds the Transport a run's steps execute against.
// Called once per run, not once per step, so a transport may hold
// per-run state (a live subprocess, a hot context) across steps.
type TransportFactory func(runID kernel.RunId) session.Transport

// Config wires a Supervisor to its engine and the factories it needs to
// start a brand new run.
type Config struct {
	Store           *kernel.Store
	Engine          *engine.Engine
	Flows           *flowspec.Registry
	Workspace       WorkspaceFactory
	Transport       TransportFactory
	Navigator       TransportFactory // nil means no Navigator is consulted
	Query           extractor.QueryFunc
	Metrics         MetricsCollector
	Log             *slog.Logger
	DefaultRepoRoot string
}

type handle struct {
	cancel    context.CancelFunc
	paused    atomic.Bool
	interrupt atomic.Pointer[string]
	done      chan struct{}
	flowKey   kernel.FlowKey
}

// interruptRequested implements engine.RunOptions.InterruptRequested,
// consuming the pending reason (if any) so a single Interrupt call
// pauses the run exactly once rather than on every loop iteration.
func (h *handle) interruptRequested() (string, bool) {
	reason := h.interrupt.Swap(nil)
	if reason == nil {
		return "", false
	}
	return *reason, true
}

// Supervisor tracks every run this process has started or resumed,
// translating HTTP-surface commands (pause/resume/interrupt/cancel) into
// the signals engine.Engine.Run polls for, the same shape as the
// teacher's Runner tracking *Run by id with a cancel func and a stopped
// channel.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	handles map[kernel.RunId]*handle
}

// New builds a Supervisor. cfg.Log may be nil (slog.Default() is used).
func New(cfg Config) *Supervisor {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Supervisor{cfg: cfg, log: cfg.Log, handles: make(map[kernel.RunId]*handle)}
}

// StartRequest describes a brand new run.
type StartRequest struct {
	RunID    kernel.RunId // generated if empty
	FlowKey  kernel.FlowKey
	RepoRoot string
}

// Start launches a new run in the background and returns immediately
// with its freshly-initialized state.
func (sup *Supervisor) Start(ctx context.Context, req StartRequest) (*kernel.RunState, error) {
	if req.FlowKey == "" {
		return nil, fmt.Errorf("runsvc: flow_key is required")
	}
	if _, ok := sup.cfg.Flows.Get(req.FlowKey); !ok {
		return nil, fmt.Errorf("runsvc: unknown flow_key %q", req.FlowKey)
	}
	runID := req.RunID
	if runID == "" {
		runID = kernel.NewRunId(req.FlowKey, time.Now())
	}

	sup.mu.Lock()
	if _, exists := sup.handles[runID]; exists {
		sup.mu.Unlock()
		return nil, fmt.Errorf("runsvc: run %q is already active", runID)
	}
	sup.mu.Unlock()

	repoRoot := req.RepoRoot
	if repoRoot == "" {
		repoRoot = sup.cfg.DefaultRepoRoot
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{}), flowKey: req.FlowKey}
	sup.mu.Lock()
	sup.handles[runID] = h
	sup.mu.Unlock()

	if sup.cfg.Metrics != nil {
		sup.cfg.Metrics.RecordRunStart(req.FlowKey)
	}
	startedAt := time.Now()
	go sup.drive(runCtx, runID, req.FlowKey, repoRoot, h, startedAt, false)

	// loadOrInitState has already run by the time the first loop
	// iteration's select is reached, but we don't block on that here;
	// the caller reads back via Get once the 201 response needs a body,
	// which tolerates a state that is still just "pending/running".
	return sup.waitForInit(ctx, runID)
}

// Resume restarts a paused run's goroutine with opts.Resume set, so
// engine.Run pops the pause frame and continues from the exact step it
// stopped at.
func (sup *Supervisor) Resume(ctx context.Context, runID kernel.RunId) error {
	state, err := sup.cfg.Store.ReadRunState(runID)
	if err != nil {
		return fmt.Errorf("runsvc: reading run state: %w", err)
	}
	if state == nil {
		return fmt.Errorf("runsvc: run %q not found", runID)
	}
	if state.Status != kernel.RunPaused {
		return fmt.Errorf("runsvc: run %q is not paused (status=%s)", runID, state.Status)
	}

	sup.mu.Lock()
	if _, exists := sup.handles[runID]; exists {
		sup.mu.Unlock()
		return fmt.Errorf("runsvc: run %q is already active", runID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{}), flowKey: state.FlowKey}
	sup.handles[runID] = h
	sup.mu.Unlock()

	go sup.drive(runCtx, runID, state.FlowKey, sup.cfg.DefaultRepoRoot, h, time.Now(), true)
	return nil
}

// Pause flags a running run to pause at the start of its next loop
// iteration. It is a no-op request, not a guarantee of timing: the
// engine only checks PauseRequested between steps.
func (sup *Supervisor) Pause(runID kernel.RunId) error {
	h := sup.handleFor(runID)
	if h == nil {
		return fmt.Errorf("runsvc: run %q is not active", runID)
	}
	h.paused.Store(true)
	return nil
}

// Cancel requests a run stop immediately via context cancellation; the
// engine records run_canceled before Run returns.
func (sup *Supervisor) Cancel(runID kernel.RunId) error {
	h := sup.handleFor(runID)
	if h == nil {
		return fmt.Errorf("runsvc: run %q is not active", runID)
	}
	h.cancel()
	return nil
}

// Interrupt requests a running run pause at a flagged detour, tagging
// the pushed interruption frame's reason so the audit trail records
// why control was handed back (spec's "inject a detour via the control
// plane" request, reusing the pause mechanism rather than a second
// resumption path).
func (sup *Supervisor) Interrupt(runID kernel.RunId, reason string) error {
	h := sup.handleFor(runID)
	if h == nil {
		return fmt.Errorf("runsvc: run %q is not active", runID)
	}
	if reason == "" {
		reason = "unspecified"
	}
	h.interrupt.Store(&reason)
	return nil
}

func (sup *Supervisor) handleFor(runID kernel.RunId) *handle {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.handles[runID]
}

// Get returns the current persisted state of a run, whether or not its
// goroutine is still active.
func (sup *Supervisor) Get(runID kernel.RunId) (*kernel.RunState, error) {
	state, err := sup.cfg.Store.ReadRunState(runID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("runsvc: run %q not found", runID)
	}
	return state, nil
}

// IsActive reports whether runID currently has a live goroutine.
func (sup *Supervisor) IsActive(runID kernel.RunId) bool {
	return sup.handleFor(runID) != nil
}

func (sup *Supervisor) waitForInit(ctx context.Context, runID kernel.RunId) (*kernel.RunState, error) {
	for i := 0; i < 100; i++ {
		state, err := sup.cfg.Store.ReadRunState(runID)
		if err == nil && state != nil {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("runsvc: run %q did not initialize in time", runID)
}

// drive runs one run to its terminal (or paused/canceled) state and
// clears its handle on exit, mirroring the teacher's Runner.execute.
func (sup *Supervisor) drive(ctx context.Context, runID kernel.RunId, flowKey kernel.FlowKey, repoRoot string, h *handle, startedAt time.Time, resume bool) {
	defer func() {
		sup.mu.Lock()
		delete(sup.handles, runID)
		sup.mu.Unlock()
		close(h.done)
	}()

	ws, realRepoRoot, err := sup.cfg.Workspace(ctx, runID, flowKey, repoRoot)
	if err != nil {
		sup.log.Error("runsvc: failed to build workspace, run cannot start", "run_id", runID, "error", err)
		return
	}
	opts := engine.RunOptions{
		RunID:              runID,
		FlowKey:            flowKey,
		Workspace:          ws,
		RepoRoot:           repoRoot,
		RealRepoRoot:       realRepoRoot,
		Transport:          sup.cfg.Transport(runID),
		Query:              sup.cfg.Query,
		Resume:             resume,
		PauseRequested:     h.paused.Load,
		InterruptRequested: h.interruptRequested,
	}
	if sup.cfg.Navigator != nil {
		opts.Navigator = sup.cfg.Navigator(runID)
	}

	runErr := sup.cfg.Engine.Run(ctx, opts)
	if runErr != nil && ctx.Err() == nil {
		sup.log.Warn("runsvc: run ended with error", "run_id", runID, "error", runErr)
	}

	if err := ws.Cleanup(context.Background(), runErr == nil); err != nil {
		sup.log.Warn("runsvc: workspace cleanup failed", "run_id", runID, "error", err)
	}

	if sup.cfg.Metrics != nil {
		final, _ := sup.cfg.Store.ReadRunState(runID)
		status := kernel.RunFailed
		if final != nil {
			status = final.Status
		}
		sup.cfg.Metrics.RecordRunEnd(flowKey, status, time.Since(startedAt))
	}
}

// Summary is the lightweight projection GET /runs lists.
type Summary struct {
	RunID     kernel.RunId     `json:"run_id"`
	FlowKey   kernel.FlowKey   `json:"flow_key"`
	Status    kernel.RunStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// List returns up to limit run summaries, newest first by the run
// directory's modification time (spec §6.1: "sorted by directory mtime
// desc"). limit<=0 means no cap.
func (sup *Supervisor) List(limit int) ([]Summary, error) {
	entries, err := sup.cfg.Store.ListRunDirs()
	if err != nil {
		return nil, fmt.Errorf("runsvc: listing runs: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.After(entries[j].ModTime) })

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		state, err := sup.cfg.Store.ReadRunState(e.RunID)
		if err != nil || state == nil {
			continue
		}
		out = append(out, Summary{RunID: e.RunID, FlowKey: state.FlowKey, Status: state.Status, UpdatedAt: state.UpdatedAt})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
