package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// EngineConfig contains inference backend configuration
type EngineConfig struct {
	Backend       string `yaml:"backend"` // "remote" or "stub"
	Device        string `yaml:"device"`  // "cuda" or "cpu"
	ComputeType   string `yaml:"compute_type"`
	DefaultModel  string `yaml:"default_model"`
	PreloadModel  bool   `yaml:"preload_model"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// DispatcherConfig contains inference dispatcher configuration
type DispatcherConfig struct {
	Workers   int `yaml:"workers"`    // 0 = one per CPU thread
	QueueSize int `yaml:"queue_size"` // 0 = unbounded
}

// StreamingConfig contains streaming session configuration
type StreamingConfig struct {
	BufferThresholdBytes int  `yaml:"buffer_threshold_bytes"`
	FlushOnClose         bool `yaml:"flush_on_close"`
	SessionTimeout       int  `yaml:"session_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when a field is absent from the
// config file. The streaming threshold corresponds to roughly two seconds of
// 16 kHz 16-bit mono audio.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Address:      "0.0.0.0",
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Engine: EngineConfig{
			Backend:       "stub",
			Device:        "cuda",
			ComputeType:   "float16",
			DefaultModel:  "distil-medium.en",
			PreloadModel:  true,
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		Dispatcher: DispatcherConfig{
			Workers:   0,
			QueueSize: 0,
		},
		Streaming: StreamingConfig{
			BufferThresholdBytes: 32000,
			FlushOnClose:         false,
			SessionTimeout:       300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file on top of defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv applies environment-variable overrides. Tests can inject a
// deterministic lookup function.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	overrideString(lookup, "STT_DEFAULT_MODEL", &c.Engine.DefaultModel)
	overrideString(lookup, "STT_ENGINE_BACKEND", &c.Engine.Backend)
	overrideString(lookup, "STT_ENGINE_ENDPOINT", &c.Engine.Endpoint)
	overrideString(lookup, "STT_LOG_LEVEL", &c.Logging.Level)
	overrideInt(lookup, "STT_HTTP_PORT", &c.Server.Port)
	overrideInt(lookup, "STT_MAX_WORKERS", &c.Dispatcher.Workers)

	if value, ok := lookup("STT_FORCE_CPU"); ok && strings.EqualFold(strings.TrimSpace(value), "true") {
		c.Engine.Device = "cpu"
		c.Engine.ComputeType = "int8"
	}
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) {
	value, ok := lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return
	}
	*target = parsed
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher config: %w", err)
	}

	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	validBackends := map[string]bool{"remote": true, "stub": true}
	if !validBackends[e.Backend] {
		return fmt.Errorf("backend must be 'remote' or 'stub', got '%s'", e.Backend)
	}

	validDevices := map[string]bool{"cuda": true, "cpu": true}
	if !validDevices[e.Device] {
		return fmt.Errorf("device must be 'cuda' or 'cpu', got '%s'", e.Device)
	}

	if e.DefaultModel == "" {
		return fmt.Errorf("default_model cannot be empty")
	}

	if e.Backend == "remote" && e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty for the remote backend")
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	return nil
}

// Validate validates dispatcher configuration
func (d *DispatcherConfig) Validate() error {
	if d.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", d.Workers)
	}

	if d.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative, got %d", d.QueueSize)
	}

	return nil
}

// Validate validates streaming configuration
func (s *StreamingConfig) Validate() error {
	if s.BufferThresholdBytes < 1024 {
		return fmt.Errorf("buffer_threshold_bytes must be at least 1024, got %d", s.BufferThresholdBytes)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
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

	validOutputs := map[string]bool{"stdout": true, "stderr": true}
	if !validOutputs[l.Output] {
		return fmt.Errorf("output must be 'stdout' or 'stderr', got '%s'", l.Output)
	}

	return nil
}

// GetReadTimeout returns the read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the engine timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetSessionTimeoutDuration returns the session timeout as a time.Duration
func (s *StreamingConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}
