// Package observe carries the telemetry of a livevoice process: OpenTelemetry
// instruments for the session, capture and playback paths, span helpers, a
// session-aware logger and the HTTP middleware of the probe server.
//
// [InitProvider] installs the global providers and bridges metrics to a
// Prometheus registry. Components take a [*Metrics] explicitly and fall back
// to [DefaultMetrics]; tests build their own with [NewMetrics] over a manual
// reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening a live session takes, from dial
	// to the service acknowledging the setup. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksSent counts encoded microphone chunks forwarded to the service.
	// Use with attribute: attribute.String("provider", ...)
	ChunksSent metric.Int64Counter

	// ChunksReceived counts inbound audio chunks. Use with attribute:
	//   attribute.String("provider", ...)
	ChunksReceived metric.Int64Counter

	// PlaybackScheduled accumulates the seconds of audio placed on the
	// playback timeline.
	PlaybackScheduled metric.Float64Counter

	// LateChunks counts inbound chunks that arrived after the timeline cursor
	// had already passed and were therefore started at "now".
	LateChunks metric.Int64Counter

	// Interruptions counts barge-in events that cleared the playback timeline.
	Interruptions metric.Int64Counter

	// StateTransitions counts session lifecycle transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Recording is 1 while microphone audio is being forwarded, else 0.
	Recording metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, recorded by
	// [Middleware] with "method", "route" and "status" attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livevoice.session.connect.duration",
		metric.WithDescription("Latency of opening a live session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksSent, err = m.Int64Counter("livevoice.audio.chunks_sent",
		metric.WithDescription("Total microphone chunks forwarded to the service."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("livevoice.audio.chunks_received",
		metric.WithDescription("Total audio chunks received from the service."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Float64Counter("livevoice.playback.scheduled",
		metric.WithDescription("Seconds of audio placed on the playback timeline."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.LateChunks, err = m.Int64Counter("livevoice.playback.late_chunks",
		metric.WithDescription("Chunks that arrived after the timeline cursor had passed."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livevoice.playback.interruptions",
		metric.WithDescription("Barge-in events that cleared the playback timeline."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("livevoice.session.transitions",
		metric.WithDescription("Session lifecycle transitions by source and target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("livevoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of open live sessions."),
	); err != nil {
		return nil, err
	}
	if met.Recording, err = m.Int64UpDownCounter("livevoice.recording",
		metric.WithDescription("1 while microphone audio is being forwarded."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordChunkSent records one outbound chunk for provider.
func (m *Metrics) RecordChunkSent(ctx context.Context, provider string) {
	m.ChunksSent.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordChunkReceived records one inbound audio chunk for provider.
func (m *Metrics) RecordChunkReceived(ctx context.Context, provider string) {
	m.ChunksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordScheduled records one chunk placed on the playback timeline.
func (m *Metrics) RecordScheduled(ctx context.Context, seconds float64, late bool) {
	m.PlaybackScheduled.Add(ctx, seconds)
	if late {
		m.LateChunks.Add(ctx, 1)
	}
}

// RecordTransition records a session lifecycle transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
