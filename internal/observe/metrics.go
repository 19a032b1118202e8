// Package observe provides application-wide observability primitives for
// Voxweave: OpenTelemetry metrics and the provider setup that exposes them.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxweave metrics.
const meterName = "github.com/voxweave/voxweave"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// SegmentsCompleted counts segments emitted by the aggregator. Use with
	// attribute: attribute.String("reason", "complete"|"deadline"|"flush").
	SegmentsCompleted metric.Int64Counter

	// SegmentsDropped counts segments discarded at the deadline under the
	// drop policy.
	SegmentsDropped metric.Int64Counter

	// AnnotatorPartials counts annotator results applied to open segments.
	// Use with attribute: attribute.String("kind", ...).
	AnnotatorPartials metric.Int64Counter

	// StoreErrors counts failed transcript store writes by operation.
	StoreErrors metric.Int64Counter

	// AgentResponses counts agent completions by status.
	AgentResponses metric.Int64Counter

	// --- Gauges ---

	// OpenSegments tracks segments currently held open by aggregators.
	OpenSegments metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Latency histograms ---

	// DispatchDuration tracks time from segment completion to client
	// delivery.
	DispatchDuration metric.Float64Histogram

	// StoreDuration tracks transcript store write latency by operation.
	StoreDuration metric.Float64Histogram

	// AgentDuration tracks agent completion latency.
	AgentDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.SegmentsCompleted, err = m.Int64Counter("voxweave.segments.completed",
		metric.WithDescription("Total segments emitted by the aggregator, by completion reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("voxweave.segments.dropped",
		metric.WithDescription("Total segments discarded at the deadline."),
	); err != nil {
		return nil, err
	}
	if met.AnnotatorPartials, err = m.Int64Counter("voxweave.annotator.partials",
		metric.WithDescription("Total annotator results applied, by annotator kind."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("voxweave.store.errors",
		metric.WithDescription("Total failed transcript store writes by operation."),
	); err != nil {
		return nil, err
	}
	if met.AgentResponses, err = m.Int64Counter("voxweave.agent.responses",
		metric.WithDescription("Total agent completions by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.OpenSegments, err = m.Int64UpDownCounter("voxweave.open_segments",
		metric.WithDescription("Segments currently held open by aggregators."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxweave.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DispatchDuration, err = m.Float64Histogram("voxweave.dispatch.duration",
		metric.WithDescription("Time from segment completion to client delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreDuration, err = m.Float64Histogram("voxweave.store.duration",
		metric.WithDescription("Transcript store write latency by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = m.Float64Histogram("voxweave.agent.duration",
		metric.WithDescription("Agent completion latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegmentCompleted records one emitted segment with its completion
// reason ("complete" for a full annotator set, "deadline" for a force-emit).
func (m *Metrics) RecordSegmentCompleted(ctx context.Context, reason string) {
	m.SegmentsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordAnnotatorPartial records one applied annotator result.
func (m *Metrics) RecordAnnotatorPartial(ctx context.Context, kind string) {
	m.AnnotatorPartials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordStoreError records one failed store write for the given operation.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordAgentResponse records one agent completion with its status.
func (m *Metrics) RecordAgentResponse(ctx context.Context, status string) {
	m.AgentResponses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
