// Package metrics is the ambient observability facade the Execution
// Engine reports to: Prometheus counters/histograms plus an
// OpenTelemetry tracer, wired as an injectable dependency the core
// algorithms never require directly — grounded on the teacher's
// pkg/observability package. The Engine records agent-run and
// linear-workflow-run outcomes; the tool-call, registration and
// run-duration recorders and StartSpan are available but nothing in
// this module calls them.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether metrics are collected and under what namespace.
type Config struct {
	Enabled   bool
	Namespace string
}

// Recorder is the facade the Engine reports to. A nil-safe
// no-op implementation (NoOp) is used when metrics are disabled so
// callers never need a conditional.
type Recorder struct {
	registry *prometheus.Registry
	tracer   trace.Tracer

	agentRuns        *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	workflowRuns     *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	registrations    *prometheus.CounterVec
}

// New builds a Recorder backed by a fresh Prometheus registry and the
// globally configured OpenTelemetry tracer provider.
func New(cfg Config) *Recorder {
	if !cfg.Enabled {
		return NoOp()
	}

	r := &Recorder{
		registry: prometheus.NewRegistry(),
		tracer:   otel.Tracer("aurite/engine"),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "agent", Name: "runs_total",
			Help: "Total number of run_agent invocations by terminal status.",
		}, []string{"agent_id", "status"}),
		agentRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "agent", Name: "run_duration_seconds",
			Help:    "run_agent wall-clock duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent_id"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "workflow", Name: "runs_total",
			Help: "Total number of run_linear_workflow invocations by terminal status.",
		}, []string{"workflow_id", "status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "tool", Name: "calls_total",
			Help: "Total number of tool invocations dispatched through the Host.",
		}, []string{"qualified_name", "is_error"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "tool", Name: "call_duration_seconds",
			Help:    "Tool call duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"qualified_name"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "host", Name: "registrations_total",
			Help: "Total number of tool-server registration attempts by outcome.",
		}, []string{"server_id", "outcome"}),
	}

	r.registry.MustRegister(r.agentRuns, r.agentRunDuration, r.workflowRuns, r.toolCalls, r.toolCallDuration, r.registrations)
	return r
}

// NoOp returns a Recorder whose methods are safe no-ops, used when
// metrics collection is disabled (the registry-backed fields are nil
// and every method checks for that before touching them).
func NoOp() *Recorder {
	return &Recorder{tracer: trace.NewNoopTracerProvider().Tracer("aurite/engine")}
}

// Registry exposes the underlying Prometheus registry for a /metrics
// HTTP handler to serve; no command in this module serves it.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// RecordAgentRun records one run_agent outcome.
func (r *Recorder) RecordAgentRun(agentID, status string) {
	if r == nil || r.agentRuns == nil {
		return
	}
	r.agentRuns.WithLabelValues(agentID, status).Inc()
}

// RecordAgentRunDuration records one run_agent's wall-clock duration.
func (r *Recorder) RecordAgentRunDuration(agentID string, d time.Duration) {
	if r == nil || r.agentRunDuration == nil {
		return
	}
	r.agentRunDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// RecordWorkflowRun records one workflow outcome.
func (r *Recorder) RecordWorkflowRun(workflowID, status string) {
	if r == nil || r.workflowRuns == nil {
		return
	}
	r.workflowRuns.WithLabelValues(workflowID, status).Inc()
}

// RecordToolCall records one tool dispatch outcome and its duration.
func (r *Recorder) RecordToolCall(qualifiedName string, isError bool, d time.Duration) {
	if r == nil || r.toolCalls == nil {
		return
	}
	r.toolCalls.WithLabelValues(qualifiedName, boolLabel(isError)).Inc()
	r.toolCallDuration.WithLabelValues(qualifiedName).Observe(d.Seconds())
}

// RecordRegistration records one tool-server registration attempt.
func (r *Recorder) RecordRegistration(serverID, outcome string) {
	if r == nil || r.registrations == nil {
		return
	}
	r.registrations.WithLabelValues(serverID, outcome).Inc()
}

// StartSpan opens a span on the Recorder's tracer, or a no-op span if
// metrics (and thus tracing) are disabled.
func (r *Recorder) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if r == nil || r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, name)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
