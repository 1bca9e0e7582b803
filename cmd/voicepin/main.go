// Command voicepin is the server for the wearable voice assistant: it owns
// the device WebSocket channel and drives the STT → LLM → TTS exchange
// pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/voicepin/voicepin/internal/archive"
	"github.com/voicepin/voicepin/internal/config"
	"github.com/voicepin/voicepin/internal/discovery"
	"github.com/voicepin/voicepin/internal/health"
	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/server"
	"github.com/voicepin/voicepin/internal/session"
	"github.com/voicepin/voicepin/internal/storage"
	"github.com/voicepin/voicepin/pkg/provider/llm"
	"github.com/voicepin/voicepin/pkg/provider/llm/anyllm"
	llmmock "github.com/voicepin/voicepin/pkg/provider/llm/mock"
	llmopenai "github.com/voicepin/voicepin/pkg/provider/llm/openai"
	"github.com/voicepin/voicepin/pkg/provider/stt"
	sttmock "github.com/voicepin/voicepin/pkg/provider/stt/mock"
	"github.com/voicepin/voicepin/pkg/provider/stt/whisper"
	"github.com/voicepin/voicepin/pkg/provider/tts"
	"github.com/voicepin/voicepin/pkg/provider/tts/coqui"
	ttsmock "github.com/voicepin/voicepin/pkg/provider/tts/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicepin: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicepin: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicepin starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicepin"})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	files, err := storage.NewManager(cfg.Storage.TempDir)
	if err != nil {
		slog.Error("failed to init storage", "err", err)
		return 1
	}
	downloads := storage.NewDownloadStore(cfg.Storage.DownloadTTL())
	sessions := session.NewStore(session.Limits{
		MaxRerecordAttempts: cfg.Session.MaxRerecordAttempts,
		MaxHistoryTurns:     cfg.Session.MaxHistoryTurns,
		LLMHistoryTurns:     cfg.Session.LLMHistoryTurns,
		MaxSessionDiskBytes: int64(cfg.Session.MaxSessionDiskMB) << 20,
	}, cfg.Session.Grace())

	// ── Archive (optional) ────────────────────────────────────────────────────
	var serverOpts []server.Option
	var extraCheckers []health.Checker
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		store, err := archive.Open(ctx, dsn)
		if err != nil {
			slog.Error("failed to open archive", "err", err)
			return 1
		}
		defer store.Close()
		serverOpts = append(serverOpts, server.WithSink(store))
		extraCheckers = append(extraCheckers, health.Checker{Name: "archive", Check: store.Ping})
		slog.Info("exchange archive enabled")
	}

	printStartupSummary(cfg)

	srv := server.New(*cfg, *providers, sessions, files, downloads, extraCheckers, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(gctx) })

	g.Go(func() error {
		sweeper := &storage.Sweeper{
			Interval:  cfg.Storage.SweepInterval(),
			Sessions:  sessions,
			Files:     files,
			Downloads: downloads,
			Logger:    logger,
		}
		sweeper.Run(gctx)
		return nil
	})

	if cfg.Discovery.Enabled {
		wsURL := discovery.WSURL(discovery.PrimaryIP(), listenPort(cfg.Server.ListenAddr), cfg.Server.WSToken)
		beacon, err := discovery.NewBeacon(wsURL, cfg.Discovery.Port, cfg.Discovery.Interval())
		if err != nil {
			slog.Error("failed to create discovery beacon", "err", err)
			return 1
		}
		g.Go(func() error { return beacon.Run(gctx) })
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// The native OpenAI client carries vision support, so camera uploads can
	// become model context.
	reg.RegisterLLM("openai", func(entry config.LLMEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// Text-only providers route through any-llm.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.LLMEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.LLMEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Mocks, for running without external services ──────────────────────────

	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		text := optString(entry.Options, "text")
		if text == "" {
			text = "mock transcription"
		}
		return &sttmock.Provider{Result: &stt.Transcript{Text: text, Confidence: 1}}, nil
	})
	reg.RegisterLLM("mock", func(entry config.LLMEntry) (llm.Provider, error) {
		reply := optString(entry.Options, "reply")
		if reply == "" {
			reply = "This is a mock reply."
		}
		return &llmmock.Provider{Response: &llm.CompletionResponse{Content: reply}}, nil
	})
	reg.RegisterTTS("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		// No Result configured, so the synthesizer's placeholder tone plays.
		return &ttsmock.Provider{Err: errors.New("mock tts has no audio")}, nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*server.Providers, error) {
	ps := &server.Providers{}
	var err error

	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voicepin — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	if cfg.Discovery.Enabled {
		fmt.Printf("║  Discovery       : udp:%-15d ║\n", cfg.Discovery.Port)
	} else {
		fmt.Printf("║  Discovery       : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// listenPort extracts the port from a host:port listen address.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8000
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8000
	}
	return port
}

// optString extracts a string value from a provider Options map[string]any.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
