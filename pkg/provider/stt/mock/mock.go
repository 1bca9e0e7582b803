// Package mock provides a test double for the stt.Provider interface.
//
// Configure the transcript to return and inspect the recorded calls:
//
//	p := &mock.Provider{Result: &stt.Transcript{Text: "hello", Confidence: 0.9}}
//	tr, _ := p.Transcribe(ctx, pcm, stt.AudioFormat{SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/voicepin/voicepin/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Format is the format passed to Transcribe.
	Format stt.AudioFormat
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result *stt.Transcript

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Results, when non-empty, is consumed one element per call before
	// falling back to Result. Useful for re-record sequences.
	Results []*stt.Transcript

	// TranscribeCalls records every call in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured transcript or error.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format stt.AudioFormat) (*stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pcmCopy := make([]byte, len(pcm))
	copy(pcmCopy, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: pcmCopy, Format: format})

	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Results) > 0 {
		r := p.Results[0]
		p.Results = p.Results[1:]
		return r, nil
	}
	return p.Result, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
