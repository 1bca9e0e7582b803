package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/voicepin/voicepin/internal/ingest"
	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/resilience"
	"github.com/voicepin/voicepin/pkg/audio"
	"github.com/voicepin/voicepin/pkg/provider/stt"
)

// Verdict classifies a finished recording. Everything except VerdictOK asks
// the device to record again (or, for collaborator errors, reports a server
// problem).
type Verdict string

// Recording verdicts.
const (
	VerdictOK            Verdict = "ok"
	VerdictEmpty         Verdict = "empty"
	VerdictTooShort      Verdict = "too_short"
	VerdictTooQuiet      Verdict = "too_quiet"
	VerdictTooLoud       Verdict = "too_loud"
	VerdictLowConfidence Verdict = "low_confidence"
	VerdictProviderError Verdict = "collaborator_error"
)

// Signal-level bounds. Mean RMS below the floor is silence or a dead mic;
// above the ceiling the capture is clipped beyond recovery.
const (
	rmsFloor   = 50.0
	rmsCeiling = 5000.0
)

// Assessment is the recognizer's judgement of one recording.
type Assessment struct {
	Verdict    Verdict
	Text       string
	Confidence float64

	// RMS is the recording's mean signal level, reported for diagnostics.
	RMS float64
}

// Retryable reports whether the device should be asked to record again.
func (a *Assessment) Retryable() bool {
	return a.Verdict != VerdictOK && a.Verdict != VerdictProviderError
}

// RecognizerConfig parameterizes a Recognizer.
type RecognizerConfig struct {
	SampleRate    int
	Channels      int
	MinDuration   time.Duration
	ConfThreshold float64
	Language      string
}

// Recognizer turns a finalized recording into an assessed transcript. Cheap
// signal checks run before the transcription call so obviously unusable
// audio never reaches the provider.
type Recognizer struct {
	provider stt.Provider
	breaker  *resilience.Breaker
	metrics  *observe.Metrics
	cfg      RecognizerConfig
}

// NewRecognizer creates a Recognizer. A nil breaker disables circuit
// breaking; a nil metrics falls back to the package default.
func NewRecognizer(provider stt.Provider, breaker *resilience.Breaker, metrics *observe.Metrics, cfg RecognizerConfig) *Recognizer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = audio.DefaultChannels
	}
	return &Recognizer{provider: provider, breaker: breaker, metrics: metrics, cfg: cfg}
}

// Assess checks the recording's signal quality and, when it passes,
// transcribes it. Assess never returns an error: collaborator failures
// become VerdictProviderError so the controller can report them uniformly.
func (r *Recognizer) Assess(ctx context.Context, rec *ingest.Recording) *Assessment {
	rms := audio.RMS(rec.PCM)
	a := &Assessment{RMS: rms}

	switch {
	case rec.Duration < r.cfg.MinDuration:
		a.Verdict = VerdictTooShort
		return a
	case rms < rmsFloor:
		a.Verdict = VerdictTooQuiet
		return a
	case rms > rmsCeiling:
		a.Verdict = VerdictTooLoud
		return a
	}

	start := time.Now()
	transcript, err := r.transcribe(ctx, rec.PCM)
	r.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		observe.Logger(ctx).Error("transcription failed", "error", err)
		r.metrics.RecordProviderError(ctx, "stt", "transcribe")
		a.Verdict = VerdictProviderError
		return a
	}

	a.Text = strings.TrimSpace(transcript.Text)
	a.Confidence = transcript.Confidence

	switch {
	case a.Text == "":
		a.Verdict = VerdictEmpty
	case a.Confidence < r.cfg.ConfThreshold:
		a.Verdict = VerdictLowConfidence
	default:
		a.Verdict = VerdictOK
	}
	return a
}

func (r *Recognizer) transcribe(ctx context.Context, pcm []byte) (*stt.Transcript, error) {
	format := stt.AudioFormat{
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
		Language:   r.cfg.Language,
	}

	if r.breaker == nil {
		return r.provider.Transcribe(ctx, pcm, format)
	}

	var transcript *stt.Transcript
	err := r.breaker.Execute(func() error {
		var innerErr error
		transcript, innerErr = r.provider.Transcribe(ctx, pcm, format)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return transcript, nil
}
