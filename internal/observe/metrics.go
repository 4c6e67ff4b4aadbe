// Package observe provides application-wide observability primitives for
// Clinivox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Clinivox metrics.
const meterName = "github.com/clinivox/clinivox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per voice-pipeline stage ---

	// RecordingDuration tracks the length of finalized recordings.
	RecordingDuration metric.Float64Histogram

	// TranscriptionDuration tracks transcription round-trip latency.
	TranscriptionDuration metric.Float64Histogram

	// ReplyDuration tracks reply-generation round-trip latency.
	ReplyDuration metric.Float64Histogram

	// PlaybackDuration tracks synthesized-reply playback time.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversational turns. Use with attributes:
	//   attribute.String("stop_reason", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// TurnErrors counts failed turns by error code. Use with attribute:
	//   attribute.String("code", ...)
	TurnErrors metric.Int64Counter

	// ClipBytes counts total finalized clip bytes shipped for
	// transcription. Use with attribute:
	//   attribute.String("mime_type", ...)
	ClipBytes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected interview sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveRecordings tracks the number of live microphone captures.
	ActiveRecordings metric.Int64UpDownCounter

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
	if met.RecordingDuration, err = m.Float64Histogram("clinivox.recording.duration",
		metric.WithDescription("Length of finalized microphone recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("clinivox.transcription.duration",
		metric.WithDescription("Latency of transcription round-trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyDuration, err = m.Float64Histogram("clinivox.reply.duration",
		metric.WithDescription("Latency of reply-generation round-trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("clinivox.playback.duration",
		metric.WithDescription("Duration of synthesized-reply playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("clinivox.turns",
		metric.WithDescription("Completed conversational turns by stop reason and status."),
	); err != nil {
		return nil, err
	}
	if met.TurnErrors, err = m.Int64Counter("clinivox.turn.errors",
		metric.WithDescription("Failed turns by error code."),
	); err != nil {
		return nil, err
	}
	if met.ClipBytes, err = m.Int64Counter("clinivox.clip.bytes",
		metric.WithDescription("Finalized clip bytes shipped for transcription, by MIME type."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("clinivox.active_sessions",
		metric.WithDescription("Number of connected interview sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("clinivox.active_recordings",
		metric.WithDescription("Number of live microphone captures."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("clinivox.http.request.duration",
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

// RecordTurn records one completed turn with the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, stopReason, status string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stop_reason", stopReason),
			attribute.String("status", status),
		),
	)
}

// RecordTurnError records one failed turn by error code.
func (m *Metrics) RecordTurnError(ctx context.Context, code string) {
	m.TurnErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordClip records a finalized clip shipped for transcription.
func (m *Metrics) RecordClip(ctx context.Context, mimeType string, bytes int) {
	m.ClipBytes.Add(ctx, int64(bytes),
		metric.WithAttributes(attribute.String("mime_type", mimeType)),
	)
}
