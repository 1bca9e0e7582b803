package server

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"github.com/voicepin/voicepin/internal/pipeline"
	"github.com/voicepin/voicepin/internal/protocol"
)

// Compile-time interface check.
var _ pipeline.Conn = (*wsConn)(nil)

// wsConn adapts a websocket connection to the pipeline's Conn. The write
// mutex serializes frames from the dispatch loop and the exchange goroutine;
// coder/websocket allows only one writer at a time.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// Send encodes env as a JSON text frame.
func (c *wsConn) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// SendBinary writes a raw binary frame.
func (c *wsConn) SendBinary(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}
