// Package config loads boardsync client and relay settings from TOML, YAML
// or JSON files, with BOARDSYNC_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/timezone"
	"github.com/boardsync/boardsync/pkg/validation"
)

// Version is the current config file version.
const Version = 1

type Config struct {
	Version   int             `toml:"version" json:"version" yaml:"version"`
	Session   SessionConfig   `toml:"session" json:"session" yaml:"session"`
	Limits    LimitsConfig    `toml:"limits" json:"limits" yaml:"limits"`
	Presence  PresenceConfig  `toml:"presence" json:"presence" yaml:"presence"`
	Transport TransportConfig `toml:"transport" json:"transport" yaml:"transport"`
	Cache     CacheConfig     `toml:"cache" json:"cache" yaml:"cache"`
	Relay     RelayConfig     `toml:"relay" json:"relay" yaml:"relay"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
}

type SessionConfig struct {
	// Timezone is the viewer's IANA zone. Empty means the local zone.
	Timezone string `toml:"timezone" json:"timezone" yaml:"timezone"`
	// Ambiguity picks the instant for wall clocks a DST fall-back repeats:
	// "earliest" or "latest".
	Ambiguity       string   `toml:"ambiguity" json:"ambiguity" yaml:"ambiguity"`
	GraceWindow     Duration `toml:"grace_window" json:"grace_window" yaml:"grace_window"`
	SweepInterval   Duration `toml:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval"`
	DebounceWindow  Duration `toml:"debounce_window" json:"debounce_window" yaml:"debounce_window"`
	EchoWindow      Duration `toml:"echo_window" json:"echo_window" yaml:"echo_window"`
	InitRetryDelay  Duration `toml:"init_retry_delay" json:"init_retry_delay" yaml:"init_retry_delay"`
	InitMaxAttempts int      `toml:"init_max_attempts" json:"init_max_attempts" yaml:"init_max_attempts"`
	CompactEvery    int      `toml:"compact_every" json:"compact_every" yaml:"compact_every"`
}

type LimitsConfig struct {
	TitleMaxLength       int      `toml:"title_max_length" json:"title_max_length" yaml:"title_max_length"`
	DescriptionMaxLength int      `toml:"description_max_length" json:"description_max_length" yaml:"description_max_length"`
	MinEventDuration     Duration `toml:"min_event_duration" json:"min_event_duration" yaml:"min_event_duration"`
}

type PresenceConfig struct {
	Heartbeat Duration `toml:"heartbeat" json:"heartbeat" yaml:"heartbeat"`
	Timeout   Duration `toml:"timeout" json:"timeout" yaml:"timeout"`
}

type TransportConfig struct {
	// Kind is "websocket" or "memory".
	Kind             string   `toml:"kind" json:"kind" yaml:"kind"`
	URL              string   `toml:"url" json:"url" yaml:"url"`
	ReconnectInitial Duration `toml:"reconnect_initial" json:"reconnect_initial" yaml:"reconnect_initial"`
	ReconnectMax     Duration `toml:"reconnect_max" json:"reconnect_max" yaml:"reconnect_max"`
}

type CacheConfig struct {
	// Kind is "sqlite" or "memory".
	Kind string `toml:"kind" json:"kind" yaml:"kind"`
	Path string `toml:"path" json:"path" yaml:"path"`
}

type RelayConfig struct {
	Addr         string   `toml:"addr" json:"addr" yaml:"addr"`
	ReadLimit    int64    `toml:"read_limit" json:"read_limit" yaml:"read_limit"`
	WriteTimeout Duration `toml:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`
	// Format is "text", "json" or "zerolog".
	Format string `toml:"format" json:"format" yaml:"format"`
	// Output is a file path. Empty means stderr.
	Output string `toml:"output" json:"output" yaml:"output"`
}

// Default returns the configuration every file is decoded on top of.
func Default() *Config {
	return &Config{
		Version: Version,
		Session: SessionConfig{
			Ambiguity:       timezone.Earliest.String(),
			GraceWindow:     Duration{constants.DefaultGraceWindow},
			SweepInterval:   Duration{constants.DefaultSweepInterval},
			DebounceWindow:  Duration{constants.DefaultDebounceWindow},
			EchoWindow:      Duration{constants.DefaultEchoWindow},
			InitRetryDelay:  Duration{constants.DefaultInitRetryDelay},
			InitMaxAttempts: constants.DefaultInitMaxAttempts,
			CompactEvery:    constants.DefaultCompactEvery,
		},
		Limits: LimitsConfig{
			TitleMaxLength:       constants.DefaultTitleMaxLength,
			DescriptionMaxLength: constants.DefaultDescriptionMaxLength,
			MinEventDuration:     Duration{constants.DefaultMinEventDuration},
		},
		Presence: PresenceConfig{
			Heartbeat: Duration{constants.DefaultPresenceHeartbeat},
			Timeout:   Duration{constants.DefaultPresenceTimeout},
		},
		Transport: TransportConfig{
			Kind:             "websocket",
			URL:              "ws://localhost:8085",
			ReconnectInitial: Duration{time.Second},
			ReconnectMax:     Duration{30 * time.Second},
		},
		Cache: CacheConfig{
			Kind: "sqlite",
			Path: filepath.Join(DataDir(), "cache.db"),
		},
		Relay: RelayConfig{
			Addr:         ":8085",
			ReadLimit:    4 << 20,
			WriteTimeout: Duration{10 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DataDir is where the default cache lives: $BOARDSYNC_DATA_DIR, or
// ~/.boardsync.
func DataDir() string {
	if dir := os.Getenv("BOARDSYNC_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".boardsync"
	}
	return filepath.Join(home, ".boardsync")
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces fields with BOARDSYNC_* variables that are set.
// Unparseable values are ignored and left to Validate.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("BOARDSYNC_TIMEZONE"); v != "" {
		c.Session.Timezone = v
	}
	if v := os.Getenv("BOARDSYNC_GRACE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.GraceWindow = Duration{d}
		}
	}
	if v := os.Getenv("BOARDSYNC_TRANSPORT_KIND"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("BOARDSYNC_TRANSPORT_URL"); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv("BOARDSYNC_CACHE_KIND"); v != "" {
		c.Cache.Kind = v
	}
	if v := os.Getenv("BOARDSYNC_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("BOARDSYNC_RELAY_ADDR"); v != "" {
		c.Relay.Addr = v
	}
	if v := os.Getenv("BOARDSYNC_RELAY_READ_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Relay.ReadLimit = n
		}
	}
	if v := os.Getenv("BOARDSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BOARDSYNC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("BOARDSYNC_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
}

// ValidationLimits converts the limits section for the validation layer.
func (c *Config) ValidationLimits() validation.Limits {
	return validation.Limits{
		TitleMaxLength:       c.Limits.TitleMaxLength,
		DescriptionMaxLength: c.Limits.DescriptionMaxLength,
		MinEventDuration:     c.Limits.MinEventDuration.Duration,
	}
}

// Ambiguity returns the configured DST fall-back strategy.
func (c *Config) Ambiguity() timezone.Ambiguity {
	if c.Session.Ambiguity == timezone.Latest.String() {
		return timezone.Latest
	}
	return timezone.Earliest
}

// PurgeRetention is how long purged keys are remembered.
func (c *Config) PurgeRetention() time.Duration {
	return constants.DefaultPurgeRetentionFactor * c.Session.GraceWindow.Duration
}

// NewLogger builds the logger the logging section describes. The returned
// closer releases the output file, if any.
func (c *Config) NewLogger() (logger.Logger, io.Closer, error) {
	l := c.Logging
	if l.Format == "zerolog" {
		build := logger.NewZerolog().Level(l.Level)
		if l.Output != "" {
			build = build.FromPath(l.Output)
		} else {
			build = build.FromBuffer(os.Stderr)
		}
		data, err := build.Make()
		if err != nil {
			return nil, nil, err
		}
		return data, data, nil
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if l.Output != "" {
		f, err := os.OpenFile(l.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return logger.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return logger.New(slog.NewTextHandler(w, opts)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Duration is a time.Duration written as "100ms" or "1m30s" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
