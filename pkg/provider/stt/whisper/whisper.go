// Package whisper provides speech-to-text providers backed by whisper.cpp:
// an HTTP provider targeting the whisper.cpp server's /inference endpoint,
// and a native CGO provider that runs inference in-process (native.go).
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voicepin/voicepin/pkg/audio"
	"github.com/voicepin/voicepin/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

const (
	defaultLanguage    = "en"
	defaultTimeout     = 60 * time.Second
	inferenceEndpoint  = "/inference"
	defaultSampleRate  = 16000
	defaultChannelsNum = 1
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language hint sent with every request.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s; whisper
// inference on long utterances can take a while on CPU-only servers.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements stt.Provider against a running whisper.cpp server
// (e.g. ggerganov/whisper.cpp `server -m model.bin`). Safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// New creates a Provider targeting the whisper.cpp server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is the JSON body returned by POST /inference.
type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Transcribe implements stt.Provider. It wraps the PCM in a WAV container and
// posts it as a multipart upload to /inference.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format stt.AudioFormat) (*stt.Transcript, error) {
	sr := format.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := format.Channels
	if ch <= 0 {
		ch = defaultChannelsNum
	}
	lang := format.Language
	if lang == "" {
		lang = p.language
	}

	// whisper.cpp expects 16 kHz mono input.
	if ch == 2 {
		pcm = audio.StereoToMono(pcm)
		ch = 1
	}
	if sr != defaultSampleRate {
		pcm = audio.ResampleMono16(pcm, sr, defaultSampleRate)
		sr = defaultSampleRate
	}

	wav := audio.EncodeWAV(pcm, sr, ch)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write form file: %w", err)
	}
	if err := mw.WriteField("language", lang); err != nil {
		return nil, fmt.Errorf("whisper: write language field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.WriteField("temperature", "0.0"); err != nil {
		return nil, fmt.Errorf("whisper: write temperature field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+inferenceEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create inference request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: POST %s: %w", inferenceEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("whisper: POST %s returned status %d: %s", inferenceEndpoint, resp.StatusCode, snippet)
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("whisper: decode inference response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("whisper: server error: %s", result.Error)
	}

	// The server reports no confidence score; 1.0 keeps thresholding neutral.
	return &stt.Transcript{
		Text:       strings.TrimSpace(result.Text),
		Confidence: 1.0,
	}, nil
}
