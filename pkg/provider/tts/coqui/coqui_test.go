package coqui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicepin/voicepin/pkg/audio"
	"github.com/voicepin/voicepin/pkg/provider/tts"
)

func TestSynthesizeStandard(t *testing.T) {
	wav := audio.EncodeWAV(make([]byte, 640), 22050, 1)

	var gotText, gotSpeaker string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tts" {
			t.Errorf("path: got %q, want /api/tts", r.URL.Path)
		}
		gotText = r.URL.Query().Get("text")
		gotSpeaker = r.URL.Query().Get("speaker_id")
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := p.Synthesize(context.Background(), "hello there", tts.Voice{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotText != "hello there" {
		t.Errorf("text param: got %q, want %q", gotText, "hello there")
	}
	if gotSpeaker != "p225" {
		t.Errorf("speaker param: got %q, want %q", gotSpeaker, "p225")
	}
	if len(result.WAV) != len(wav) {
		t.Errorf("WAV length: got %d, want %d", len(result.WAV), len(wav))
	}
}

func TestSynthesizeXTTS(t *testing.T) {
	wav := audio.EncodeWAV(make([]byte, 320), 24000, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts_to_audio/" {
			t.Errorf("path: got %q, want /tts_to_audio/", r.URL.Path)
		}
		var body ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Text != "guten tag" {
			t.Errorf("text: got %q, want %q", body.Text, "guten tag")
		}
		if body.Language != "de" {
			t.Errorf("language: got %q, want %q", body.Language, "de")
		}
		w.Write(wav)
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("de"))
	result, err := p.Synthesize(context.Background(), "guten tag", tts.Voice{ID: "speaker.wav"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(result.WAV) != len(wav) {
		t.Errorf("WAV length: got %d, want %d", len(result.WAV), len(wav))
	}
}

func TestSynthesizeRejectsBadResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>error page</html>"))
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Error("expected error for non-WAV response body")
	}
}

func TestSynthesizeValidation(t *testing.T) {
	p, _ := New("http://localhost:5002", WithAPIMode(APIModeXTTS))
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Error("XTTS mode without voice ID should fail")
	}
	if _, err := p.Synthesize(context.Background(), "   ", tts.Voice{ID: "v"}); err == nil {
		t.Error("blank text should fail")
	}
}
