package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voicepin/voicepin/pkg/provider/stt"
)

func TestTranscribePostsWAVAndParsesText(t *testing.T) {
	var gotLanguage string
	var gotWAVPrefix []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path: got %q, want /inference", r.URL.Path)
		}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Fatalf("multipart reader: %v", err)
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("next part: %v", err)
			}
			switch part.FormName() {
			case "file":
				buf := make([]byte, 12)
				io.ReadFull(part, buf)
				gotWAVPrefix = buf
			case "language":
				data, _ := io.ReadAll(part)
				gotLanguage = string(data)
			}
			part.Close()
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "  turn on the lights  "})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := make([]byte, 32000)
	tr, err := p.Transcribe(context.Background(), pcm, stt.AudioFormat{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if tr.Text != "turn on the lights" {
		t.Errorf("text: got %q, want %q", tr.Text, "turn on the lights")
	}
	if tr.Confidence != 1.0 {
		t.Errorf("confidence: got %v, want 1.0", tr.Confidence)
	}
	if gotLanguage != "de" {
		t.Errorf("language field: got %q, want %q", gotLanguage, "de")
	}
	if len(gotWAVPrefix) < 4 || string(gotWAVPrefix[0:4]) != "RIFF" {
		t.Errorf("uploaded file is not a WAV: % x", gotWAVPrefix)
	}
}

func TestTranscribeResamplesToSixteenKHz(t *testing.T) {
	var gotHeader []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			t.Fatalf("multipart reader: %v", err)
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("next part: %v", err)
			}
			if part.FormName() == "file" {
				buf := make([]byte, 28)
				io.ReadFull(part, buf)
				gotHeader = buf
			}
			part.Close()
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.Transcribe(context.Background(), make([]byte, 16000), stt.AudioFormat{SampleRate: 8000, Channels: 1}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if len(gotHeader) < 28 {
		t.Fatalf("short WAV header: %d bytes", len(gotHeader))
	}
	// Sample rate lives at byte offset 24 of the RIFF header.
	rate := binary.LittleEndian.Uint32(gotHeader[24:28])
	if rate != 16000 {
		t.Errorf("uploaded WAV sample rate: got %d, want 16000", rate)
	}
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	_, err := p.Transcribe(context.Background(), make([]byte, 320), stt.AudioFormat{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status: %v", err)
	}
}

func TestNewRejectsEmptyURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
}

func TestPCMToFloat32Mono(t *testing.T) {
	// Two stereo frames: (16384, -16384) averages to 0; (8192, 8192) to 0.25.
	pcm := []byte{
		0x00, 0x40, 0x00, 0xc0,
		0x00, 0x20, 0x00, 0x20,
	}
	out := pcmToFloat32Mono(pcm, 2)
	if len(out) != 2 {
		t.Fatalf("frames: got %d, want 2", len(out))
	}
	if out[0] != 0 {
		t.Errorf("frame 0: got %v, want 0", out[0])
	}
	if out[1] != 0.25 {
		t.Errorf("frame 1: got %v, want 0.25", out[1])
	}
}
