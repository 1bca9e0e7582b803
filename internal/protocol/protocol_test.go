package protocol_test

import (
	"strings"
	"testing"

	"github.com/voicepin/voicepin/internal/protocol"
)

func TestDecodeKnownFrame(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"audio_chunk_meta","seq":7,"size":16000}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type != protocol.TypeAudioChunkMeta {
		t.Errorf("type: got %q, want %q", env.Type, protocol.TypeAudioChunkMeta)
	}
	if env.Seq != 7 {
		t.Errorf("seq: got %d, want 7", env.Seq)
	}
	if env.Size != 16000 {
		t.Errorf("size: got %d, want 16000", env.Size)
	}
}

func TestDecodeUnknownTypeSucceeds(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"future_thing","seq":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type != "future_thing" {
		t.Errorf("type: got %q, want %q", env.Type, "future_thing")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := protocol.Decode([]byte(`{"type":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := protocol.Decode([]byte(`{"seq":1}`)); err == nil {
		t.Error("expected error for frame without type")
	}
}

func TestEncodeOmitsZeroFields(t *testing.T) {
	data, err := protocol.Encode(protocol.Envelope{Type: protocol.TypePong})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := string(data); got != `{"type":"pong"}` {
		t.Errorf("encoded pong: got %s", got)
	}

	data, err = protocol.Encode(protocol.Envelope{
		Type:       protocol.TypeTTSReady,
		Format:     "wav",
		SampleRate: 16000,
		TotalBytes: 64000,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"format":"wav"`) {
		t.Errorf("tts_ready missing format: %s", data)
	}
}

func TestValidateAudioChunkBoundary(t *testing.T) {
	if err := protocol.ValidateAudioChunk(make([]byte, 31), 0); err == nil {
		t.Error("31-byte chunk should be refused")
	}
	if err := protocol.ValidateAudioChunk(make([]byte, 32), 0); err != nil {
		t.Errorf("32-byte chunk should be accepted: %v", err)
	}
	if err := protocol.ValidateAudioChunk(make([]byte, 100), 200); err == nil {
		t.Error("size mismatch with declared meta should be refused")
	}
	if err := protocol.ValidateAudioChunk(make([]byte, 200), 200); err != nil {
		t.Errorf("matching declared size should be accepted: %v", err)
	}
}
