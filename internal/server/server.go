// Package server exposes the device-facing surface: the duplex WebSocket
// channel at /ws plus the REST endpoints for image intake, session state,
// reply downloads, health, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicepin/voicepin/internal/config"
	"github.com/voicepin/voicepin/internal/health"
	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/pipeline"
	"github.com/voicepin/voicepin/internal/resilience"
	"github.com/voicepin/voicepin/internal/session"
	"github.com/voicepin/voicepin/internal/storage"
	"github.com/voicepin/voicepin/internal/vision"
	"github.com/voicepin/voicepin/pkg/provider/llm"
	"github.com/voicepin/voicepin/pkg/provider/stt"
	"github.com/voicepin/voicepin/pkg/provider/tts"
)

// Providers holds one interface value per pipeline stage. Populated by
// main.go via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// Server owns the HTTP listener and builds one pipeline controller per
// accepted WebSocket connection.
type Server struct {
	cfg       config.Config
	sessions  *session.Store
	files     *storage.Manager
	downloads *storage.DownloadStore
	images    *vision.Processor

	recognizer  *pipeline.Recognizer
	generator   *pipeline.Generator
	synthesizer *pipeline.Synthesizer
	streamer    *pipeline.Streamer
	sink        pipeline.ExchangeSink

	metrics *observe.Metrics
	logger  *slog.Logger
	httpSrv *http.Server

	// connMu guards conns, the live device channel per session. REST
	// handlers use it to push confirmations onto the channel.
	connMu sync.Mutex
	conns  map[string]*wsConn
}

// Option is a functional option for New.
type Option func(*Server)

// WithSink injects the exchange archive. Nil disables archiving.
func WithSink(sink pipeline.ExchangeSink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New wires the server. extraCheckers join the readiness probe after the
// built-in disk check.
func New(cfg config.Config, providers Providers, sessions *session.Store, files *storage.Manager, downloads *storage.DownloadStore, extraCheckers []health.Checker, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		files:     files,
		downloads: downloads,
		images:    vision.NewProcessor(cfg.Image),
		logger:    slog.Default(),
		conns:     make(map[string]*wsConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.recognizer = pipeline.NewRecognizer(providers.STT, resilience.NewBreaker("stt", 5, 30*time.Second), s.metrics, pipeline.RecognizerConfig{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      1,
		MinDuration:   cfg.Audio.MinRecordDuration(),
		ConfThreshold: cfg.Session.STTConfThreshold,
		Language:      stringOption(cfg.Providers.STT.Options, "language"),
	})
	s.generator = pipeline.NewGenerator(providers.LLM, s.metrics, pipeline.GeneratorConfig{
		SystemPrompt:  stringOption(cfg.Providers.LLM.Options, "system_prompt"),
		FallbackModel: cfg.Providers.LLM.FallbackModel,
	})
	s.synthesizer = pipeline.NewSynthesizer(providers.TTS, resilience.NewBreaker("tts", 5, 30*time.Second), s.metrics, pipeline.SynthesizerConfig{
		Voice: tts.Voice{
			ID:       stringOption(cfg.Providers.TTS.Options, "voice"),
			Language: stringOption(cfg.Providers.TTS.Options, "language"),
		},
		SampleRate: cfg.Audio.SampleRate,
	})
	s.streamer = pipeline.NewStreamer(downloads, s.metrics, pipeline.StreamerConfig{
		ChunkSizeBytes: cfg.Audio.ChunkSizeBytes,
		ReadyTimeout:   cfg.Session.PlaybackReadyTimeout(),
		TokenTTL:       cfg.Storage.DownloadTTL(),
		BuildURL:       s.downloadURL,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /image", s.handleImage)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /download/{token}", s.handleDownload)
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := append([]health.Checker{{
		Name: "storage",
		Check: func(context.Context) error {
			_, err := files.DiskUsage()
			return err
		},
	}}, extraCheckers...)
	h := health.New(health.Stats{
		ActiveSessions: sessions.ActiveCount,
		DiskUsage:      files.DiskUsage,
		Models: map[string]string{
			"stt": providerLabel(cfg.Providers.STT),
			"llm": providerLabel(cfg.Providers.LLM.ProviderEntry),
			"tts": providerLabel(cfg.Providers.TTS),
		},
	}, checkers...)
	h.Register(mux)

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(s.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler. Used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", s.cfg.Server.ListenAddr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// downloadURL renders a download token as the URL the device should fetch.
// Links are relative when no public base URL is configured; the device
// resolves them against the host it connected to.
func (s *Server) downloadURL(token string) string {
	path := "/download/" + token
	if base := s.cfg.Server.PublicBaseURL; base != "" {
		return base + path
	}
	return path
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Name + "/" + e.Model
	}
	return e.Name
}

// stringOption reads a string value from a provider options map.
func stringOption(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}
