// Package observability provides fieldnet's logging, operation spans and
// Prometheus metrics.
//
// This provides:
//   - zap loggers (JSON in production, coloured console in development) with
//     optional lumberjack file rotation
//   - lightweight operation spans correlated by request id
//   - promauto collectors for the network, commission and territory engines
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
// Operation Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span is one timed service operation.
type Span struct {
	RequestID string            `json:"request_id"`
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
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

// Tracer keeps the most recent operation spans in a ring buffer so that
// slow or failing calls can be inspected from the debug endpoint.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
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

// StartSpan begins a span for operation. A nil tracer is a no-op.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if t == nil || !t.enabled {
		return nil
	}
	return &Span{
		RequestID: RequestIDFromContext(ctx),
		SpanID:    generateID(),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
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
	}
	OperationDuration.WithLabelValues(span.Operation, statusLabel(span.Status)).Observe(span.Duration.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans, oldest first.
func (t *Tracer) Spans(limit int) []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	out := make([]Span, limit)
	copy(out, t.spans[len(t.spans)-limit:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

func statusLabel(s SpanStatus) string {
	if s == SpanError {
		return "error"
	}
	return "ok"
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const requestIDKey contextKey = "fieldnet-request-id"

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// OperationDuration tracks service operation latency.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fieldnet",
	Subsystem: "service",
	Name:      "operation_duration_seconds",
	Help:      "Service operation latency by operation and outcome.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation", "status"})

// ─── Network Metrics ────────────────────────────────────────────────────────

// Enrollments counts new distributors by placement kind.
var Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "network",
	Name:      "enrollments_total",
	Help:      "Total distributors enrolled by placement kind (root, sponsored, unsponsored).",
}, []string{"placement"})

// SalesRecorded counts sales rolled into the network by type.
var SalesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "network",
	Name:      "sales_total",
	Help:      "Total sales recorded by sale type.",
}, []string{"type"})

// SaleVolume counts rolled-up sale volume in minor units.
var SaleVolume = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "network",
	Name:      "sale_volume_minor_total",
	Help:      "Total sale volume recorded, in minor currency units.",
})

// IntegrityWarnings counts dangling tree links met during traversal.
var IntegrityWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "network",
	Name:      "integrity_warnings_total",
	Help:      "Total dangling sponsor or binary links encountered.",
}, []string{"link"})

// ─── Rank Metrics ───────────────────────────────────────────────────────────

// RankChanges counts rank promotions and period regressions.
var RankChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "rank",
	Name:      "changes_total",
	Help:      "Total rank changes by direction (promotion, regression) and new rank.",
}, []string{"direction", "rank"})

// ─── Commission Metrics ─────────────────────────────────────────────────────

// CommissionPaid counts paid commission in minor units by type.
var CommissionPaid = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "commission",
	Name:      "paid_minor_total",
	Help:      "Total commission paid, in minor currency units, by commission type.",
}, []string{"type"})

// BinaryCapDiscarded counts binary payout discarded by the daily cap.
var BinaryCapDiscarded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "commission",
	Name:      "binary_cap_discarded_minor_total",
	Help:      "Total binary payout discarded by the daily cap, in minor currency units.",
})

// ─── Territory Metrics ──────────────────────────────────────────────────────

// TerritoryChecks counts availability checks by result.
var TerritoryChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "territory",
	Name:      "availability_checks_total",
	Help:      "Total territory availability checks by result (available, overlap, error).",
}, []string{"result"})

// TerritoryTransitions counts claim workflow transitions by target status.
var TerritoryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "territory",
	Name:      "transitions_total",
	Help:      "Total territory status transitions by new status.",
}, []string{"status"})

// TerritoryPrice tracks quoted territory prices in major units.
var TerritoryPrice = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fieldnet",
	Subsystem: "territory",
	Name:      "quoted_price",
	Help:      "Quoted territory licensing prices in major currency units.",
	Buckets:   []float64{5_000, 10_000, 25_000, 50_000, 100_000, 250_000, 500_000, 1_000_000},
})

// ─── Referral Metrics ───────────────────────────────────────────────────────

// ReferralsRecorded counts referral records by status change.
var ReferralsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "referral",
	Name:      "records_total",
	Help:      "Total referral records created or moved to a status.",
}, []string{"status"})

// ─── API Metrics ────────────────────────────────────────────────────────────

// RateLimited counts requests rejected by the per-client limiter.
var RateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fieldnet",
	Subsystem: "api",
	Name:      "rate_limited_total",
	Help:      "Total requests rejected by the per-client rate limiter.",
})
