// Package config defines the YAML configuration schema for the voicepin
// server, the loader that reads and validates it, and the provider registry
// that maps configured provider names to constructors.
package config

import (
	"errors"
	"fmt"
	"time"
)

// LogLevel is the textual slog level accepted in the config file.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognized levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root of the YAML configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Image     ImageConfig     `yaml:"image"`
	Providers ProvidersConfig `yaml:"providers"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	// ListenAddr is the host:port the server binds, e.g. "0.0.0.0:8000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel selects the slog level: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`

	// WSToken is the shared secret devices present when connecting.
	WSToken string `yaml:"ws_token"`

	// PublicBaseURL is the externally reachable base URL used when building
	// download links (e.g. "http://192.168.1.10:8000"). Empty means links are
	// built relative to the request host.
	PublicBaseURL string `yaml:"public_base_url"`
}

// AudioConfig holds the capture format and ingest limits.
type AudioConfig struct {
	// SampleRate of device capture in Hz.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSizeBytes is the playback streaming chunk size.
	ChunkSizeBytes int `yaml:"chunk_size_bytes"`

	// MinRecordDurationSec is the shortest recording considered usable.
	MinRecordDurationSec float64 `yaml:"min_record_duration_sec"`

	// MaxRecordingMB is the hard ceiling on a single recording.
	MaxRecordingMB int `yaml:"max_recording_mb"`

	// SeqTolerance is the largest chunk sequence gap that is forward-filled
	// rather than aborting the recording.
	SeqTolerance int `yaml:"seq_tolerance"`

	// MemorySpillKB is how much recorded audio is held in memory before
	// chunks spill to the session's temp file.
	MemorySpillKB int `yaml:"memory_spill_kb"`
}

// MinRecordDuration returns the minimum usable recording length.
func (a AudioConfig) MinRecordDuration() time.Duration {
	return time.Duration(a.MinRecordDurationSec * float64(time.Second))
}

// SessionConfig holds the per-session policy knobs.
type SessionConfig struct {
	MaxRerecordAttempts     int     `yaml:"max_rerecord_attempts"`
	PlaybackReadyTimeoutSec float64 `yaml:"playback_ready_timeout_sec"`
	ChunkArrivalTimeoutSec  float64 `yaml:"chunk_arrival_timeout_sec"`
	SessionGraceSec         int     `yaml:"session_grace_sec"`
	MaxSessionDiskMB        int     `yaml:"max_session_disk_mb"`
	MaxHistoryTurns         int     `yaml:"max_history_turns"`
	LLMHistoryTurns         int     `yaml:"llm_history_turns"`
	STTConfThreshold        float64 `yaml:"stt_conf_threshold"`
}

// PlaybackReadyTimeout returns the ready-handshake deadline as a Duration.
func (s SessionConfig) PlaybackReadyTimeout() time.Duration {
	return time.Duration(s.PlaybackReadyTimeoutSec * float64(time.Second))
}

// ChunkArrivalTimeout returns the recording stall deadline as a Duration.
func (s SessionConfig) ChunkArrivalTimeout() time.Duration {
	return time.Duration(s.ChunkArrivalTimeoutSec * float64(time.Second))
}

// Grace returns the post-disconnect retention window as a Duration.
func (s SessionConfig) Grace() time.Duration {
	return time.Duration(s.SessionGraceSec) * time.Second
}

// StorageConfig holds the on-disk artifact settings.
type StorageConfig struct {
	TempDir           string `yaml:"temp_dir"`
	DownloadURLTTLSec int    `yaml:"download_url_ttl_sec"`
	SweepIntervalSec  int    `yaml:"sweep_interval_sec"`
}

// DownloadTTL returns the download token lifetime as a Duration.
func (s StorageConfig) DownloadTTL() time.Duration {
	return time.Duration(s.DownloadURLTTLSec) * time.Second
}

// SweepInterval returns the sweeper cadence as a Duration.
func (s StorageConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// ImageConfig holds the image intake limits.
type ImageConfig struct {
	MaxBytes      int `yaml:"max_bytes"`
	MaxDimension  int `yaml:"max_dimension"`
	ResizeTarget  int `yaml:"resize_target"`
	JPEGQuality   int `yaml:"jpeg_quality"`
	ThumbnailSize int `yaml:"thumbnail_size"`
}

// ProvidersConfig selects one provider per pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM LLMEntry      `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry configures a single named provider. Name is used to look up
// the constructor in the [Registry]; the remaining fields are passed through.
type ProviderEntry struct {
	Name    string         `yaml:"name"`
	APIKey  string         `yaml:"api_key"`
	BaseURL string         `yaml:"base_url"`
	Model   string         `yaml:"model"`
	Options map[string]any `yaml:"options"`
}

// LLMEntry extends ProviderEntry with a fallback model tried once when the
// primary model exhausts its retries.
type LLMEntry struct {
	ProviderEntry `yaml:",inline"`
	FallbackModel string `yaml:"fallback_model"`
}

// ArchiveConfig enables the optional interaction archive. An empty DSN
// disables archiving entirely.
type ArchiveConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DiscoveryConfig controls the LAN presence beacon.
type DiscoveryConfig struct {
	Enabled     bool `yaml:"enabled"`
	Port        int  `yaml:"port"`
	IntervalSec int  `yaml:"interval_sec"`
}

// Interval returns the beacon cadence as a Duration.
func (d DiscoveryConfig) Interval() time.Duration {
	return time.Duration(d.IntervalSec) * time.Second
}

// Default returns a Config populated with the documented defaults. The loader
// starts from this value so a minimal file yields a runnable configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:8000",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:           16000,
			ChunkSizeBytes:       16000,
			MinRecordDurationSec: 0.5,
			MaxRecordingMB:       50,
			SeqTolerance:         10,
			MemorySpillKB:        512,
		},
		Session: SessionConfig{
			MaxRerecordAttempts:     2,
			PlaybackReadyTimeoutSec: 5.0,
			ChunkArrivalTimeoutSec:  5.0,
			SessionGraceSec:         30,
			MaxSessionDiskMB:        100,
			MaxHistoryTurns:         10,
			LLMHistoryTurns:         5,
			STTConfThreshold:        0.5,
		},
		Storage: StorageConfig{
			TempDir:           "./temp",
			DownloadURLTTLSec: 300,
			SweepIntervalSec:  300,
		},
		Image: ImageConfig{
			MaxBytes:      2 * 1024 * 1024,
			MaxDimension:  1600,
			ResizeTarget:  1024,
			JPEGQuality:   85,
			ThumbnailSize: 256,
		},
		Discovery: DiscoveryConfig{
			Enabled:     false,
			Port:        5355,
			IntervalSec: 10,
		},
	}
}

// Validate checks the configuration for problems and returns all of them
// joined, so a bad file reports every mistake in one run.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	if c.Server.WSToken == "" {
		errs = append(errs, errors.New("server.ws_token must not be empty"))
	}

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.ChunkSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size_bytes must be positive, got %d", c.Audio.ChunkSizeBytes))
	}
	if c.Audio.MinRecordDurationSec < 0 {
		errs = append(errs, fmt.Errorf("audio.min_record_duration_sec must not be negative, got %v", c.Audio.MinRecordDurationSec))
	}
	if c.Audio.MaxRecordingMB <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_recording_mb must be positive, got %d", c.Audio.MaxRecordingMB))
	}
	if c.Audio.SeqTolerance < 0 {
		errs = append(errs, fmt.Errorf("audio.seq_tolerance must not be negative, got %d", c.Audio.SeqTolerance))
	}

	if c.Session.MaxRerecordAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.max_rerecord_attempts must not be negative, got %d", c.Session.MaxRerecordAttempts))
	}
	if c.Session.PlaybackReadyTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("session.playback_ready_timeout_sec must be positive, got %v", c.Session.PlaybackReadyTimeoutSec))
	}
	if c.Session.ChunkArrivalTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("session.chunk_arrival_timeout_sec must be positive, got %v", c.Session.ChunkArrivalTimeoutSec))
	}
	if c.Session.MaxSessionDiskMB <= 0 {
		errs = append(errs, fmt.Errorf("session.max_session_disk_mb must be positive, got %d", c.Session.MaxSessionDiskMB))
	}
	if c.Session.STTConfThreshold < 0 || c.Session.STTConfThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.stt_conf_threshold must be in [0,1], got %v", c.Session.STTConfThreshold))
	}
	if c.Session.LLMHistoryTurns > c.Session.MaxHistoryTurns {
		errs = append(errs, fmt.Errorf("session.llm_history_turns (%d) must not exceed session.max_history_turns (%d)",
			c.Session.LLMHistoryTurns, c.Session.MaxHistoryTurns))
	}

	if c.Storage.TempDir == "" {
		errs = append(errs, errors.New("storage.temp_dir must not be empty"))
	}
	if c.Storage.DownloadURLTTLSec <= 0 {
		errs = append(errs, fmt.Errorf("storage.download_url_ttl_sec must be positive, got %d", c.Storage.DownloadURLTTLSec))
	}

	if c.Image.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("image.max_bytes must be positive, got %d", c.Image.MaxBytes))
	}
	if c.Image.JPEGQuality < 1 || c.Image.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("image.jpeg_quality must be in [1,100], got %d", c.Image.JPEGQuality))
	}

	if c.Discovery.Enabled && c.Discovery.Port <= 0 {
		errs = append(errs, fmt.Errorf("discovery.port must be positive when discovery is enabled, got %d", c.Discovery.Port))
	}

	return errors.Join(errs...)
}
