// Package pipeline orchestrates one device exchange: assess the captured
// audio, generate a reply, synthesize it, and stream it back. The
// [Controller] owns a connected session and drives these stages from the
// device's frames.
package pipeline

import (
	"context"

	"github.com/voicepin/voicepin/internal/protocol"
)

// Conn is the transport the pipeline writes to. The server's websocket
// wrapper implements it; tests use an in-memory fake.
type Conn interface {
	// Send writes one JSON text frame.
	Send(ctx context.Context, env protocol.Envelope) error

	// SendBinary writes one binary audio frame.
	SendBinary(ctx context.Context, payload []byte) error
}
