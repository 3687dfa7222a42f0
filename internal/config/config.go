package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Capture       CaptureConfig       `yaml:"capture"`
	VAD           VADConfig           `yaml:"vad"`
	Permission    PermissionConfig    `yaml:"permission"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CaptureConfig contains microphone capture and chunking parameters
type CaptureConfig struct {
	Device           string `yaml:"device"`   // "wav" or "portaudio"
	WAVPath          string `yaml:"wav_path"` // input file for the wav device
	Loop             bool   `yaml:"loop"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
	AutoGainControl  bool   `yaml:"auto_gain_control"`
	ChunkDuration    int    `yaml:"chunk_duration"`  // milliseconds
	LevelInterval    int    `yaml:"level_interval"`  // milliseconds
	FFTSize          int    `yaml:"fft_size"`        // samples
	EnableRealTime   bool   `yaml:"enable_real_time_transcription"`
}

// VADConfig contains voice activity annotation parameters
type VADConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Threshold  float32 `yaml:"threshold"`
	WindowSize int     `yaml:"window_size"` // samples
}

// PermissionConfig contains the initial microphone authorization state
type PermissionConfig struct {
	Initial string `yaml:"initial"` // "granted", "denied" or "prompt"
}

// StreamingConfig contains the bidirectional channel configuration
type StreamingConfig struct {
	URL              string `yaml:"url"`
	HandshakeTimeout int    `yaml:"handshake_timeout"` // seconds
	ReconnectDelay   int    `yaml:"reconnect_delay"`   // seconds
	OutboxSize       int    `yaml:"outbox_size"`
}

// TranscriptionConfig contains final transcription API configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	Language      string `yaml:"language"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with service defaults
func Default() Config {
	return Config{
		Capture: CaptureConfig{
			Device:           "wav",
			SampleRate:       16000,
			Channels:         1,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			ChunkDuration:    3000,
			LevelInterval:    16,
			FFTSize:          256,
			EnableRealTime:   true,
		},
		VAD: VADConfig{
			Enabled:    true,
			Threshold:  0.5,
			WindowSize: 512,
		},
		Permission: PermissionConfig{
			Initial: "prompt",
		},
		Streaming: StreamingConfig{
			HandshakeTimeout: 10,
			ReconnectDelay:   2,
			OutboxSize:       64,
		},
		Transcription: TranscriptionConfig{
			Timeout:       30,
			Language:      "ko",
			MaxConcurrent: 2,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, then applies .env and
// environment overrides
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load without the .env step; tests inject lookup maps
func LoadWithLookup(path string, lookup func(string) (string, bool)) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides selected fields from VOICE_* environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}

	overrideString(lookup, "VOICE_CAPTURE_DEVICE", &c.Capture.Device)
	overrideString(lookup, "VOICE_CAPTURE_WAV_PATH", &c.Capture.WAVPath)
	overrideString(lookup, "VOICE_PERMISSION", &c.Permission.Initial)
	overrideString(lookup, "VOICE_STREAMING_URL", &c.Streaming.URL)
	overrideString(lookup, "VOICE_TRANSCRIPTION_ENDPOINT", &c.Transcription.Endpoint)
	overrideString(lookup, "VOICE_TRANSCRIPTION_API_KEY", &c.Transcription.APIKey)
	overrideString(lookup, "VOICE_TRANSCRIPTION_LANGUAGE", &c.Transcription.Language)
	overrideString(lookup, "VOICE_LOG_LEVEL", &c.Logging.Level)

	if err := overrideInt(lookup, "VOICE_CHUNK_DURATION", &c.Capture.ChunkDuration); err != nil {
		return err
	}
	if err := overrideBool(lookup, "VOICE_REAL_TIME", &c.Capture.EnableRealTime); err != nil {
		return err
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Permission.Validate(); err != nil {
		return fmt.Errorf("permission config: %w", err)
	}

	if err := c.Streaming.Validate(c.Capture.EnableRealTime); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (a *CaptureConfig) Validate() error {
	switch a.Device {
	case "wav":
		if a.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty when device is 'wav'")
		}
	case "portaudio":
	default:
		return fmt.Errorf("device must be 'wav' or 'portaudio', got '%s'", a.Device)
	}

	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.ChunkDuration < 100 {
		return fmt.Errorf("chunk_duration must be at least 100 ms, got %d", a.ChunkDuration)
	}

	if a.LevelInterval < 1 {
		return fmt.Errorf("level_interval must be at least 1 ms, got %d", a.LevelInterval)
	}

	if a.FFTSize < 32 || a.FFTSize > 32768 || a.FFTSize&(a.FFTSize-1) != 0 {
		return fmt.Errorf("fft_size must be a power of two between 32 and 32768, got %d", a.FFTSize)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if !v.Enabled {
		return nil
	}

	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.WindowSize < 256 || v.WindowSize > 2048 {
		return fmt.Errorf("window_size must be between 256 and 2048 samples, got %d", v.WindowSize)
	}

	return nil
}

// Validate validates permission configuration
func (p *PermissionConfig) Validate() error {
	validStates := map[string]bool{"granted": true, "denied": true, "prompt": true}
	if !validStates[p.Initial] {
		return fmt.Errorf("initial must be one of [granted, denied, prompt], got '%s'", p.Initial)
	}
	return nil
}

// Validate validates streaming configuration; the URL is only required when
// real-time transcription is enabled
func (s *StreamingConfig) Validate(realTime bool) error {
	if realTime && s.URL == "" {
		return fmt.Errorf("url cannot be empty when real-time transcription is enabled")
	}

	if s.URL != "" && !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
		return fmt.Errorf("url must use ws:// or wss://, got '%s'", s.URL)
	}

	if s.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", s.HandshakeTimeout)
	}

	if s.ReconnectDelay < 1 {
		return fmt.Errorf("reconnect_delay must be at least 1 second, got %d", s.ReconnectDelay)
	}

	if s.OutboxSize < 1 {
		return fmt.Errorf("outbox_size must be at least 1, got %d", s.OutboxSize)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path
	return nil
}

// GetChunkDuration returns the chunk flush interval as a time.Duration
func (a *CaptureConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkDuration) * time.Millisecond
}

// GetLevelInterval returns the visualization sampling interval as a time.Duration
func (a *CaptureConfig) GetLevelInterval() time.Duration {
	return time.Duration(a.LevelInterval) * time.Millisecond
}

// GetHandshakeTimeout returns the websocket handshake timeout as a time.Duration
func (s *StreamingConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeout) * time.Second
}

// GetReconnectDelay returns the websocket reconnect delay as a time.Duration
func (s *StreamingConfig) GetReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelay) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s must be an integer, got '%s'", key, value)
	}
	*target = n
	return nil
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got '%s'", key, value)
	}
	*target = b
	return nil
}
