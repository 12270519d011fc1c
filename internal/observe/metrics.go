// Package observe provides application-wide observability primitives for
// Mealtone: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Mealtone metrics.
const meterName = "github.com/mealtone-ai/mealtone"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn latency from task start to release.
	// Use with attribute.String("status", ...).
	TurnDuration metric.Float64Histogram

	// StreamTTFB tracks the time from stream initiation to the provider's
	// first response.
	StreamTTFB metric.Float64Histogram

	// ToolExecutionDuration tracks tool dispatch latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts turn tasks by outcome. Use with attribute:
	//   attribute.String("status", "completed"|"cancelled"|"timeout"|"failed")
	Turns metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BargeIns counts genuine barge-in interruptions.
	BargeIns metric.Int64Counter

	// FramesOut counts outbound frames written to the voice transport.
	FramesOut metric.Int64Counter

	// POSRequests counts POS provider calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	POSRequests metric.Int64Counter

	// JobsEnqueued counts jobs pushed onto the durable queue by kind.
	JobsEnqueued metric.Int64Counter

	// JobsProcessed counts jobs consumed by the worker. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	JobsProcessed metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("mealtone.turn.duration",
		metric.WithDescription("End-to-end turn latency from task start to release."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamTTFB, err = m.Float64Histogram("mealtone.llm.ttfb",
		metric.WithDescription("Time from stream initiation to the provider's first response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("mealtone.tool.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("mealtone.turns",
		metric.WithDescription("Total turn tasks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("mealtone.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("mealtone.session.barge_ins",
		metric.WithDescription("Total genuine barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("mealtone.session.frames_out",
		metric.WithDescription("Total outbound frames written to the voice transport."),
	); err != nil {
		return nil, err
	}
	if met.POSRequests, err = m.Int64Counter("mealtone.pos.requests",
		metric.WithDescription("Total POS provider calls by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.JobsEnqueued, err = m.Int64Counter("mealtone.jobs.enqueued",
		metric.WithDescription("Total jobs pushed onto the durable queue by kind."),
	); err != nil {
		return nil, err
	}
	if met.JobsProcessed, err = m.Int64Counter("mealtone.jobs.processed",
		metric.WithDescription("Total jobs consumed by the worker by kind and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("mealtone.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mealtone.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordTurn records a completed turn task with its outcome and duration in
// seconds.
func (m *Metrics) RecordTurn(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordJob records a processed job with its kind and outcome.
func (m *Metrics) RecordJob(ctx context.Context, kind, status string) {
	m.JobsProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordPOSRequest records a POS provider call with its operation and status.
func (m *Metrics) RecordPOSRequest(ctx context.Context, op, status string) {
	m.POSRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
