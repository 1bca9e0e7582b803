package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names the stock binary registers.
// Loading a config with a name outside this set logs a warning rather than
// failing, because embedders may register their own factories.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "mock"},
	"llm": {"openai", "anyllm", "mock"},
	"tts": {"coqui", "mock"},
}

// Load reads, decodes, and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes and validates YAML configuration from r. Unknown
// keys are rejected so typos surface immediately. Defaults are applied before
// decoding, so absent keys keep their documented values.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			// Empty file: run with pure defaults (validation still applies).
			err = nil
		} else {
			return nil, fmt.Errorf("config: decode: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration:\n%w", err)
	}

	warnUnknownProvider("stt", cfg.Providers.STT.Name)
	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	warnUnknownProvider("tts", cfg.Providers.TTS.Name)

	return &cfg, nil
}

// warnUnknownProvider logs when a configured provider name is not one the
// stock binary knows about. Empty names are fine (stage runs with its mock).
func warnUnknownProvider(kind, name string) {
	if name == "" {
		return
	}
	for _, known := range ValidProviderNames[kind] {
		if name == known {
			return
		}
	}
	slog.Warn("unrecognized provider name; expecting a custom registration",
		"kind", kind, "name", name, "known", ValidProviderNames[kind])
}
