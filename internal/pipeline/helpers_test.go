package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voicepin/voicepin/internal/pipeline"
	"github.com/voicepin/voicepin/internal/protocol"
)

// fakeConn records outbound frames and optionally reacts to them, standing
// in for the websocket wrapper.
type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	binary [][]byte

	// onSend, when set, runs after each recorded text frame. Used to script
	// device reactions like playback_ready.
	onSend func(env protocol.Envelope)
}

var _ pipeline.Conn = (*fakeConn)(nil)

func (f *fakeConn) Send(_ context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	f.frames = append(f.frames, env)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (f *fakeConn) SendBinary(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.binary = append(f.binary, cp)
	return nil
}

// sent returns a snapshot of the recorded text frames.
func (f *fakeConn) sent() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, len(f.frames))
	copy(out, f.frames)
	return out
}

// binaryBytes returns the total streamed binary payload size.
func (f *fakeConn) binaryBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, b := range f.binary {
		total += len(b)
	}
	return total
}

// firstOfType returns the first recorded frame of the given type.
func (f *fakeConn) firstOfType(msgType string) (protocol.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.frames {
		if env.Type == msgType {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

// countOfType returns how many frames of the given type were recorded.
func (f *fakeConn) countOfType(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.frames {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

// waitForFrame polls until a frame of the given type shows up.
func waitForFrame(t *testing.T, conn *fakeConn, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env, ok := conn.firstOfType(msgType); ok {
			return env
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame within deadline; got %+v", msgType, conn.sent())
	return protocol.Envelope{}
}

// waitForFrameCount polls until at least n frames of the given type arrived.
func waitForFrameCount(t *testing.T, conn *fakeConn, msgType string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.countOfType(msgType) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d %s frames within deadline", n, msgType)
}

// fakeIssuer mints predictable download tokens.
type fakeIssuer struct {
	mu     sync.Mutex
	issued []string
}

func (f *fakeIssuer) Issue(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, path)
	return "tok1234567890abc", nil
}
