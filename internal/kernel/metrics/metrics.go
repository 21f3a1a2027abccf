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

// Package metrics exposes the Run Engine + HTTP surface metrics named
// in SPEC_FULL.md's dependency table: steps executed, detours
// triggered, stall count, budget overflow count. Grounded on the
// teacher's internal/controller/filewatcher package-level promauto
// vars (CounterVec/Gauge wired once at package init, no per-instance
// registry plumbing needed since this process only ever runs one
// kernel).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/conductor-kernel/internal/kernel"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_runs_total",
			Help: "Total runs started, by flow_key.",
		},
		[]string{"flow_key"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernel_run_duration_seconds",
			Help:    "Run wall-clock duration from start to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~4.5h
		},
		[]string{"flow_key", "status"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_steps_total",
			Help: "Total steps executed, by flow_key and outcome status.",
		},
		[]string{"flow_key", "status"},
	)

	detoursTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_detours_total",
			Help: "Total detour decisions, by matched failure signature.",
		},
		[]string{"signature_id"},
	)

	utilityFlowInjectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_utility_flow_injections_total",
			Help: "Total whole-flow injections, by injected flow_id.",
		},
		[]string{"flow_id"},
	)

	stallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_progress_stalls_total",
			Help: "Total times the Elephant Protocol progress tracker reported a stall.",
		},
		[]string{"flow_key", "step_id"},
	)

	budgetOverflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_budget_overflows_total",
			Help: "Total context budget overflow events, by flow_key.",
		},
		[]string{"flow_key"},
	)

	boundaryViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_boundary_violations_total",
			Help: "Total boundary violations observed, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_active_runs",
			Help: "Number of runs currently tracked by the supervisor (pending/running/paused/interrupted).",
		},
	)
)

// RecordRunStart implements runsvc.MetricsCollector.
func RecordRunStart(flowKey kernel.FlowKey) {
	runsTotal.WithLabelValues(string(flowKey)).Inc()
	activeRuns.Inc()
}

// RecordRunEnd implements runsvc.MetricsCollector.
func RecordRunEnd(flowKey kernel.FlowKey, status kernel.RunStatus, duration time.Duration) {
	runDuration.WithLabelValues(string(flowKey), string(status)).Observe(duration.Seconds())
	activeRuns.Dec()
}

// RecordStep records one completed step's terminal status.
func RecordStep(flowKey kernel.FlowKey, status kernel.EnvelopeStatus) {
	stepsTotal.WithLabelValues(string(flowKey), string(status)).Inc()
}

// RecordDetour records one detour decision matched to signatureID.
func RecordDetour(signatureID string) {
	detoursTotal.WithLabelValues(signatureID).Inc()
}

// RecordUtilityFlowInjection records one whole-flow injection.
func RecordUtilityFlowInjection(flowID string) {
	utilityFlowInjectionsTotal.WithLabelValues(flowID).Inc()
}

// RecordStall records one progress-tracker stall report.
func RecordStall(flowKey kernel.FlowKey, stepID kernel.StepId) {
	stallsTotal.WithLabelValues(string(flowKey), string(stepID)).Inc()
}

// RecordBudgetOverflow records one context budget overflow event.
func RecordBudgetOverflow(flowKey kernel.FlowKey) {
	budgetOverflowsTotal.WithLabelValues(string(flowKey)).Inc()
}

// RecordBoundaryViolation records one boundary scanner finding.
func RecordBoundaryViolation(violationType, severity string) {
	boundaryViolationsTotal.WithLabelValues(violationType, severity).Inc()
}

// Collector adapts this package's free functions to both
// runsvc.MetricsCollector's and engine.Recorder's interface shapes, so
// a single instance wires into Supervisor.Config.Metrics and
// Engine.WithMetrics without either package importing prometheus
// itself.
type Collector struct{}

// NewCollector returns a Collector backed by this package's
// process-wide promauto metrics.
func NewCollector() *Collector { return &Collector{} }

// RecordRunStart implements runsvc.MetricsCollector.
func (*Collector) RecordRunStart(flowKey kernel.FlowKey) { RecordRunStart(flowKey) }

// RecordRunEnd implements runsvc.MetricsCollector.
func (*Collector) RecordRunEnd(flowKey kernel.FlowKey, status kernel.RunStatus, duration time.Duration) {
	RecordRunEnd(flowKey, status, duration)
}

// RecordStep implements engine.Recorder.
func (*Collector) RecordStep(flowKey kernel.FlowKey, status kernel.EnvelopeStatus) {
	RecordStep(flowKey, status)
}

// RecordDetour implements engine.Recorder.
func (*Collector) RecordDetour(signatureID string) { RecordDetour(signatureID) }

// RecordUtilityFlowInjection implements engine.Recorder.
func (*Collector) RecordUtilityFlowInjection(flowID string) { RecordUtilityFlowInjection(flowID) }

// RecordStall implements engine.Recorder.
func (*Collector) RecordStall(flowKey kernel.FlowKey, stepID kernel.StepId) {
	RecordStall(flowKey, stepID)
}

// RecordBoundaryViolation implements engine.Recorder.
func (*Collector) RecordBoundaryViolation(violationType, severity string) {
	RecordBoundaryViolation(violationType, severity)
}
