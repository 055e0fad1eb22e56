// Package observe provides the bridge's observability primitives: OpenTelemetry
// metrics, distributed tracing, structured logging, and HTTP middleware that
// ties them together.
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

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/aivalabs/aiva-bridge"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CallSetupDuration tracks time from first RTP packet to the ready
	// signal.
	CallSetupDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool-call execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// CallDuration tracks total call length.
	CallDuration metric.Float64Histogram

	// CallCost tracks the final billed cost per call in USD.
	CallCost metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts admitted calls. Use with attribute:
	//   attribute.String("provider", ...)
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	CallsEnded metric.Int64Counter

	// CallsRejected counts calls dropped during admission. Use with attribute:
	//   attribute.String("reason", ...)
	CallsRejected metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ProviderErrors counts terminal provider session errors. Use with
	// attribute: attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// FramesDropped counts audio frames discarded because a queue was full.
	// Use with attribute: attribute.String("direction", "in"|"out")
	FramesDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// setup and tool-execution histograms.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets covers typical phone-call lengths in seconds.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// callCostBuckets covers typical per-call costs in USD.
var callCostBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallSetupDuration, err = m.Float64Histogram("aiva.call.setup.duration",
		metric.WithDescription("Time from first RTP packet to the ready signal."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("aiva.tool_execution.duration",
		metric.WithDescription("Latency of tool-call execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("aiva.call.duration",
		metric.WithDescription("Total call length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallCost, err = m.Float64Histogram("aiva.call.cost",
		metric.WithDescription("Final billed cost per call in USD."),
		metric.WithExplicitBucketBoundaries(callCostBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("aiva.calls.started",
		metric.WithDescription("Total admitted calls by provider."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("aiva.calls.ended",
		metric.WithDescription("Total finished calls by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.CallsRejected, err = m.Int64Counter("aiva.calls.rejected",
		metric.WithDescription("Total calls dropped during admission by reason."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("aiva.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("aiva.provider.errors",
		metric.WithDescription("Total terminal provider session errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("aiva.frames.dropped",
		metric.WithDescription("Total audio frames discarded because a queue was full."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("aiva.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aiva.http.request.duration",
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

// RecordCallStarted increments the started counter and the active-calls gauge.
func (m *Metrics) RecordCallStarted(ctx context.Context, provider string) {
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnded decrements the active-calls gauge and records the end
// counters plus the duration and cost histograms.
func (m *Metrics) RecordCallEnded(ctx context.Context, provider, status string, durationSec, costUSD float64) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	m.ActiveCalls.Add(ctx, -1)
	m.CallDuration.Record(ctx, durationSec)
	m.CallCost.Record(ctx, costUSD)
}

// RecordRejection increments the rejection counter.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.CallsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolCall records one tool invocation with its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, durationSec float64) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
	m.ToolExecutionDuration.Record(ctx, durationSec)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFrameDropped increments the dropped-frame counter for one direction.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}
