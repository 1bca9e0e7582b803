// Package tts defines the text-to-speech provider contract: one blocking
// synthesis per reply, returning a complete WAV artifact that the playback
// streamer chunks onto the wire.
package tts

import "context"

// Voice selects the synthesis voice.
type Voice struct {
	// ID is the provider-specific voice or speaker identifier. Empty uses
	// the provider default.
	ID string

	// Language is a BCP-47 code ("en"). Empty uses the provider default.
	Language string
}

// Result is one synthesized utterance.
type Result struct {
	// WAV is a complete RIFF/WAVE file (header + PCM).
	WAV []byte
}

// Provider synthesizes speech.
type Provider interface {
	// Synthesize renders text as speech. It blocks until the provider
	// answers or ctx is done.
	Synthesize(ctx context.Context, text string, voice Voice) (*Result, error)
}
