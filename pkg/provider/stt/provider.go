// Package stt defines the speech-to-text provider contract. A provider takes
// one finalized utterance of raw PCM and returns a transcript; there is no
// streaming surface because the device delivers complete recordings.
package stt

import "context"

// AudioFormat describes the PCM passed to Transcribe.
type AudioFormat struct {
	// SampleRate in Hz (16000 for device capture).
	SampleRate int

	// Channels: 1 for mono device capture.
	Channels int

	// Language is a BCP-47 hint ("en"). Empty lets the provider decide.
	Language string
}

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech, whitespace-trimmed. Empty means the
	// provider heard nothing intelligible.
	Text string

	// Confidence is the provider's overall score in [0,1]. Providers that do
	// not report confidence return 1 so thresholding never rejects them.
	Confidence float64
}

// Provider transcribes finalized utterances.
type Provider interface {
	// Transcribe converts one utterance of 16-bit little-endian PCM to text.
	// It blocks until the provider answers or ctx is done.
	Transcribe(ctx context.Context, pcm []byte, format AudioFormat) (*Transcript, error)
}
