// Package config loads the contextual client's YAML configuration.
//
// Precedence, lowest to highest: built-in defaults, the user config
// ($XDG_CONFIG_HOME/contextual/config.yaml), an explicit --config file, then
// CONTEXTUAL_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/contextual/configs"
	"github.com/Aman-CERP/contextual/internal/backend"
	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
	"github.com/Aman-CERP/contextual/internal/logging"
)

// CurrentVersion is the config schema version written by `config init`.
const CurrentVersion = 1

// Config is the complete client configuration.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// BackendConfig configures the connection to the backend.
// Durations are strings such as "500ms" or "30s".
type BackendConfig struct {
	SocketPath             string        `yaml:"socket_path" json:"socket_path"`
	DialTimeout            string        `yaml:"dial_timeout" json:"dial_timeout"`
	CallTimeout            string        `yaml:"call_timeout" json:"call_timeout"`
	QueueWhileDisconnected bool          `yaml:"queue_while_disconnected" json:"queue_while_disconnected"`
	QueueSize              int           `yaml:"queue_size" json:"queue_size"`
	MaxInFlight            int           `yaml:"max_in_flight" json:"max_in_flight"`
	SendIDs                bool          `yaml:"send_ids" json:"send_ids"`
	MaxFrameBytes          int           `yaml:"max_frame_bytes" json:"max_frame_bytes"`
	MaxMalformedFrames     int           `yaml:"max_malformed_frames" json:"max_malformed_frames"`
	WatchSocket            bool          `yaml:"watch_socket" json:"watch_socket"`
	Backoff                BackoffConfig `yaml:"backoff" json:"backoff"`
	Launch                 LaunchConfig  `yaml:"launch" json:"launch"`
}

// BackoffConfig shapes the reconnect delay.
type BackoffConfig struct {
	Min        string  `yaml:"min" json:"min"`
	Max        string  `yaml:"max" json:"max"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// LaunchConfig configures backend auto-start. An empty command disables it.
type LaunchConfig struct {
	Command        string   `yaml:"command" json:"command"`
	Args           []string `yaml:"args" json:"args"`
	PIDPath        string   `yaml:"pid_path" json:"pid_path"`
	LockPath       string   `yaml:"lock_path" json:"lock_path"`
	StartupTimeout string   `yaml:"startup_timeout" json:"startup_timeout"`
}

// CacheConfig configures client-side caches.
type CacheConfig struct {
	// SummarySize is the number of summaries kept; 0 disables the cache.
	SummarySize int    `yaml:"summary_size" json:"summary_size"`
	SummaryTTL  string `yaml:"summary_ttl" json:"summary_ttl"`
}

// LoggingConfig configures the log file.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	b := backend.DefaultConfig()
	l := logging.DefaultConfig()

	return &Config{
		Version: CurrentVersion,
		Backend: BackendConfig{
			SocketPath:             b.SocketPath,
			DialTimeout:            b.DialTimeout.String(),
			CallTimeout:            b.CallTimeout.String(),
			QueueWhileDisconnected: b.QueueWhileDisconnected,
			QueueSize:              b.QueueSize,
			MaxInFlight:            b.MaxInFlight,
			SendIDs:                b.SendIDs,
			MaxFrameBytes:          b.MaxFrameBytes,
			MaxMalformedFrames:     b.MaxMalformedFrames,
			WatchSocket:            b.WatchSocket,
			Backoff: BackoffConfig{
				Min:        b.BackoffMin.String(),
				Max:        b.BackoffMax.String(),
				Multiplier: b.BackoffMultiplier,
			},
			Launch: LaunchConfig{
				PIDPath:        b.Launch.PIDPath,
				LockPath:       b.Launch.LockPath,
				StartupTimeout: b.Launch.StartupTimeout.String(),
			},
		},
		Cache: CacheConfig{
			SummarySize: b.SummaryCacheSize,
			SummaryTTL:  b.SummaryCacheTTL.String(),
		},
		Logging: LoggingConfig{
			Level:     l.Level,
			File:      l.FilePath,
			MaxSizeMB: l.MaxSizeMB,
			MaxFiles:  l.MaxFiles,
		},
	}
}

// GetUserConfigPath returns the user config file path, honouring XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "contextual", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "contextual", "config.yaml")
	}
	return filepath.Join(home, ".config", "contextual", "config.yaml")
}

// GetUserConfigDir returns the directory holding the user config.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether the user config file exists.
func UserConfigExists() bool {
	_, err := os.Stat(GetUserConfigPath())
	return err == nil
}

// Load builds the effective configuration. explicit is an optional config
// file that must exist when given.
func Load(explicit string) (*Config, error) {
	cfg := NewConfig()

	if UserConfigExists() {
		if err := cfg.loadYAML(GetUserConfigPath()); err != nil {
			return nil, err
		}
	}

	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, cxerrors.New(cxerrors.ErrCodeConfigNotFound, "config file not found", err).
				WithDetail("path", explicit)
		}
		if err := cfg.loadYAML(explicit); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile returns the defaults overlaid with path alone, without the user
// config or environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML overlays the keys present in path onto c.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cxerrors.ConfigError("failed to read config file", err).WithDetail("path", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return cxerrors.ConfigError("failed to parse config file", err).WithDetail("path", path)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONTEXTUAL_SOCKET"); v != "" {
		c.Backend.SocketPath = v
	}
	if v := os.Getenv("CONTEXTUAL_DIAL_TIMEOUT"); v != "" {
		c.Backend.DialTimeout = v
	}
	if v := os.Getenv("CONTEXTUAL_CALL_TIMEOUT"); v != "" {
		c.Backend.CallTimeout = v
	}
	if v := os.Getenv("CONTEXTUAL_QUEUE_WHILE_DISCONNECTED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Backend.QueueWhileDisconnected = b
		}
	}
	if v := os.Getenv("CONTEXTUAL_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Backend.MaxInFlight = n
		}
	}
	if v := os.Getenv("CONTEXTUAL_BACKEND_COMMAND"); v != "" {
		fields := strings.Fields(v)
		c.Backend.Launch.Command = fields[0]
		c.Backend.Launch.Args = fields[1:]
	}
	if v := os.Getenv("CONTEXTUAL_SUMMARY_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Cache.SummarySize = n
		}
	}
	if v := os.Getenv("CONTEXTUAL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONTEXTUAL_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// Validate checks the configuration, including every duration string.
func (c *Config) Validate() error {
	if _, err := c.BackendConfig(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return cxerrors.ConfigError(fmt.Sprintf("invalid logging.level %q", c.Logging.Level), nil)
	}
	return nil
}

// BackendConfig converts the configuration into a validated backend.Config.
func (c *Config) BackendConfig() (backend.Config, error) {
	cfg := backend.DefaultConfig()
	b := c.Backend

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"backend.dial_timeout", b.DialTimeout, &cfg.DialTimeout},
		{"backend.call_timeout", b.CallTimeout, &cfg.CallTimeout},
		{"backend.backoff.min", b.Backoff.Min, &cfg.BackoffMin},
		{"backend.backoff.max", b.Backoff.Max, &cfg.BackoffMax},
		{"backend.launch.startup_timeout", b.Launch.StartupTimeout, &cfg.Launch.StartupTimeout},
		{"cache.summary_ttl", c.Cache.SummaryTTL, &cfg.SummaryCacheTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return backend.Config{}, cxerrors.ConfigError(fmt.Sprintf("invalid %s %q", d.key, d.raw), err)
		}
		*d.dst = v
	}

	if b.SocketPath != "" {
		cfg.SocketPath = b.SocketPath
	}
	cfg.QueueWhileDisconnected = b.QueueWhileDisconnected
	cfg.QueueSize = b.QueueSize
	cfg.MaxInFlight = b.MaxInFlight
	cfg.SendIDs = b.SendIDs
	cfg.MaxFrameBytes = b.MaxFrameBytes
	cfg.MaxMalformedFrames = b.MaxMalformedFrames
	cfg.WatchSocket = b.WatchSocket
	if b.Backoff.Multiplier != 0 {
		cfg.BackoffMultiplier = b.Backoff.Multiplier
	}
	cfg.SummaryCacheSize = c.Cache.SummarySize

	cfg.Launch.Command = b.Launch.Command
	cfg.Launch.Args = b.Launch.Args
	if b.Launch.PIDPath != "" {
		cfg.Launch.PIDPath = expandHome(b.Launch.PIDPath)
	}
	if b.Launch.LockPath != "" {
		cfg.Launch.LockPath = expandHome(b.Launch.LockPath)
	}

	if err := cfg.Validate(); err != nil {
		return backend.Config{}, cxerrors.ConfigError("invalid backend configuration", err)
	}
	return cfg, nil
}

// LogConfig returns the logging configuration; debug raises the level and
// mirrors logs to stderr.
func (c *Config) LogConfig(debug bool) logging.Config {
	cfg := logging.Config{
		Level:     c.Logging.Level,
		FilePath:  expandHome(c.Logging.File),
		MaxSizeMB: c.Logging.MaxSizeMB,
		MaxFiles:  c.Logging.MaxFiles,
	}
	if debug {
		cfg.Level = "debug"
		cfg.WriteToStderr = true
	}
	return cfg
}

// WriteYAML writes the configuration to path, creating its directory.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// WriteUserTemplate writes the commented default configuration to the user
// config path. It fails if the file already exists.
func WriteUserTemplate() (string, error) {
	path := GetUserConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.WriteString(configs.UserConfigTemplate); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, f.Close()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
