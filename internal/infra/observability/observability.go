// Package observability provides settlement tracing, Prometheus metrics and
// the structured logger shared by every component.
//
// This provides:
//   - Trace spans for the settlement lifecycle (lease → confirm → commit → release)
//   - Prometheus metrics for settlements, dispatch and reconciliation
//   - A zap logger configured from the daemon config
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans: in-memory span ring for inspection
// ═══════════════════════════════════════════════════════════════════════════

// Span represents a unit of work within a settlement trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitzero"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer records finished spans in a bounded ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span. The returned context carries the span as
// parent for nested spans. Callers must call EndSpan.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	if t == nil || !t.enabled {
		return ctx, &Span{Operation: operation}
	}

	span := &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
	ctx = WithTraceID(ctx, span.TraceID)
	ctx = WithSpanID(ctx, span.SpanID)
	return ctx, span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "agentledger-trace-id"
	spanIDKey  contextKey = "agentledger-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

var spanCounter atomic.Int64

// generateID creates a short unique ID. Not cryptographically secure.
func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Settlement Metrics ─────────────────────────────────────────────────────

// Settlements counts settlement attempts by outcome
// (success, already_completed, leased, external_failure, not_found, error).
var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentledger",
	Subsystem: "settlement",
	Name:      "attempts_total",
	Help:      "Settlement attempts by outcome.",
}, []string{"outcome"})

// CreditsAwarded sums rewards credited by settlements.
var CreditsAwarded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentledger",
	Subsystem: "settlement",
	Name:      "credits_awarded_total",
	Help:      "Total credits awarded by committed settlements.",
})

// ConfirmationLatency tracks external confirmation latency.
var ConfirmationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "agentledger",
	Subsystem: "settlement",
	Name:      "confirmation_seconds",
	Help:      "Latency of external work confirmation.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
})

// PendingCommits tracks confirmed settlements waiting for a successful commit.
var PendingCommits = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "agentledger",
	Subsystem: "settlement",
	Name:      "pending_commits",
	Help:      "Confirmed settlements whose commit is being retried.",
})

// ActiveLeases tracks currently held task leases.
var ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "agentledger",
	Subsystem: "settlement",
	Name:      "active_leases",
	Help:      "Task leases currently held.",
})

// ─── Dispatcher Metrics ─────────────────────────────────────────────────────

// DispatchInFlight is 1 while the background dispatcher has an attempt running.
var DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "agentledger",
	Subsystem: "dispatcher",
	Name:      "in_flight",
	Help:      "Whether a background dispatch is in flight (0/1).",
})

// DispatchTicks counts dispatcher ticks by result (dispatched, busy, idle).
var DispatchTicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentledger",
	Subsystem: "dispatcher",
	Name:      "ticks_total",
	Help:      "Dispatcher ticks by result.",
}, []string{"result"})

// ─── Reconciliation Metrics ─────────────────────────────────────────────────

// SyncRuns counts reconciliation runs by result (ok, unavailable).
var SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentledger",
	Subsystem: "sync",
	Name:      "runs_total",
	Help:      "Reconciliation runs by result.",
}, []string{"result"})

// SyncPushed counts local transactions pushed to the remote store.
var SyncPushed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentledger",
	Subsystem: "sync",
	Name:      "transactions_pushed_total",
	Help:      "Local transactions replicated to the remote store.",
})

// ─── Account Metrics ────────────────────────────────────────────────────────

// AccountBalance tracks the latest known balance per operator.
var AccountBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "agentledger",
	Subsystem: "account",
	Name:      "balance_credits",
	Help:      "Latest committed balance per operator.",
}, []string{"operator"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentledger",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentledger",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
