// Package observe provides the server's observability surface: OpenTelemetry
// metrics with a Prometheus bridge for /metrics, distributed tracing, and
// HTTP middleware tying them together.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all voicepin metrics.
const meterName = "github.com/voicepin/voicepin"

// Metrics holds the metric instruments for the exchange pipeline. All fields
// are safe for concurrent use.
type Metrics struct {
	// ── Latency histograms per pipeline stage ─────────────────────────────

	// TranscribeDuration tracks speech-to-text latency.
	TranscribeDuration metric.Float64Histogram

	// GenerateDuration tracks reply generation latency, retries included.
	GenerateDuration metric.Float64Histogram

	// SynthesizeDuration tracks text-to-speech latency.
	SynthesizeDuration metric.Float64Histogram

	// ExchangeDuration tracks the full stop_recording → playback-start span.
	ExchangeDuration metric.Float64Histogram

	// ── Counters ──────────────────────────────────────────────────────────

	// AudioChunks counts accepted audio chunks.
	AudioChunks metric.Int64Counter

	// AudioBytes counts accepted audio bytes.
	AudioBytes metric.Int64Counter

	// Exchanges counts completed exchanges. Use with
	// attribute.String("outcome", ...): streamed, download, rerecord, failed.
	Exchanges metric.Int64Counter

	// RerecordRequests counts re-record prompts by reason.
	RerecordRequests metric.Int64Counter

	// ImagesAccepted counts camera uploads that passed intake.
	ImagesAccepted metric.Int64Counter

	// ProviderErrors counts collaborator failures. Use with
	// attribute.String("provider", ...), attribute.String("stage", ...).
	ProviderErrors metric.Int64Counter

	// ── Gauges ────────────────────────────────────────────────────────────

	// ActiveSessions tracks live device sessions, grace included.
	ActiveSessions metric.Int64UpDownCounter

	// ── HTTP middleware ───────────────────────────────────────────────────

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) sized for a pipeline
// whose stages run from tens of milliseconds to tens of seconds.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp. Returns an
// error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("voicepin.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerateDuration, err = m.Float64Histogram("voicepin.generate.duration",
		metric.WithDescription("Latency of reply generation, retries included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("voicepin.synthesize.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExchangeDuration, err = m.Float64Histogram("voicepin.exchange.duration",
		metric.WithDescription("End-to-end latency from recording stop to playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AudioChunks, err = m.Int64Counter("voicepin.audio.chunks",
		metric.WithDescription("Accepted audio chunks."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voicepin.audio.bytes",
		metric.WithDescription("Accepted audio bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Exchanges, err = m.Int64Counter("voicepin.exchanges",
		metric.WithDescription("Completed exchanges by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RerecordRequests, err = m.Int64Counter("voicepin.rerecord.requests",
		metric.WithDescription("Re-record prompts by reason."),
	); err != nil {
		return nil, err
	}
	if met.ImagesAccepted, err = m.Int64Counter("voicepin.images.accepted",
		metric.WithDescription("Camera uploads that passed intake."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicepin.provider.errors",
		metric.WithDescription("Collaborator failures by provider and stage."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicepin.active_sessions",
		metric.WithDescription("Live device sessions, grace window included."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicepin.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider. Panics if instrument creation fails,
// which cannot happen with the global provider.
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

// RecordExchange increments the exchange counter with its outcome.
func (m *Metrics) RecordExchange(ctx context.Context, outcome string) {
	m.Exchanges.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRerecord increments the re-record counter with the verdict that
// triggered it.
func (m *Metrics) RecordRerecord(ctx context.Context, reason string) {
	m.RerecordRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError increments the collaborator failure counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}

// RecordAudioChunk adds one accepted chunk of the given size.
func (m *Metrics) RecordAudioChunk(ctx context.Context, bytes int) {
	m.AudioChunks.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(bytes))
}
