package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/resilience"
	"github.com/voicepin/voicepin/pkg/audio"
	"github.com/voicepin/voicepin/pkg/provider/tts"
)

// Placeholder tone played when synthesis fails: a short mid-range beep that
// tells the user a reply happened even though the voice is gone.
const (
	placeholderFreqHz = 660
	placeholderMs     = 400
	placeholderAmp    = 8000
)

// Artifact is one synthesized reply on disk.
type Artifact struct {
	// Path is the WAV file inside the session's temp directory.
	Path string

	// Data is the complete WAV, header included.
	Data []byte

	Duration time.Duration

	// Placeholder is set when Data is the fallback tone, not real speech.
	Placeholder bool
}

// SynthesizerConfig parameterizes a Synthesizer.
type SynthesizerConfig struct {
	Voice      tts.Voice
	SampleRate int
}

// Synthesizer turns reply text into a playable WAV artifact. Provider
// failures degrade to a placeholder tone so the playback phase always has
// audio to offer.
type Synthesizer struct {
	provider tts.Provider
	breaker  *resilience.Breaker
	metrics  *observe.Metrics
	cfg      SynthesizerConfig
}

// NewSynthesizer creates a Synthesizer. A nil breaker disables circuit
// breaking.
func NewSynthesizer(provider tts.Provider, breaker *resilience.Breaker, metrics *observe.Metrics, cfg SynthesizerConfig) *Synthesizer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	return &Synthesizer{provider: provider, breaker: breaker, metrics: metrics, cfg: cfg}
}

// Synthesize renders text to a WAV file in dir and returns the artifact.
// The returned error is non-nil only when even the placeholder cannot be
// written to disk.
func (s *Synthesizer) Synthesize(ctx context.Context, dir, text string) (*Artifact, error) {
	start := time.Now()
	wav, err := s.render(ctx, text)
	s.metrics.SynthesizeDuration.Record(ctx, time.Since(start).Seconds())

	placeholder := false
	if err != nil {
		observe.Logger(ctx).Error("synthesis failed, using placeholder tone", "error", err)
		s.metrics.RecordProviderError(ctx, "tts", "synthesize")
		pcm := audio.Tone(placeholderFreqHz, placeholderMs, s.cfg.SampleRate, placeholderAmp)
		wav = audio.EncodeWAV(pcm, s.cfg.SampleRate, 1)
		placeholder = true
	}

	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("pipeline: synthesized audio is not valid WAV: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("reply-%d.wav", time.Now().UnixNano()))
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write reply artifact: %w", err)
	}

	return &Artifact{
		Path:        path,
		Data:        wav,
		Duration:    audio.Duration(info.DataSize, info.SampleRate, info.Channels),
		Placeholder: placeholder,
	}, nil
}

func (s *Synthesizer) render(ctx context.Context, text string) ([]byte, error) {
	if s.breaker == nil {
		res, err := s.provider.Synthesize(ctx, text, s.cfg.Voice)
		if err != nil {
			return nil, err
		}
		return res.WAV, nil
	}

	var wav []byte
	err := s.breaker.Execute(func() error {
		res, innerErr := s.provider.Synthesize(ctx, text, s.cfg.Voice)
		if innerErr != nil {
			return innerErr
		}
		wav = res.WAV
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wav, nil
}
