// Package config loads the CLI configuration from a JSON5 file with
// NODELINK_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "NODELINK_CONFIG"

	defaultDir = "~/.nodelink"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `json:"log"`
	Settings  SettingsConfig  `json:"settings"`
	Client    ClientConfig    `json:"client"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// SettingsConfig locates the encrypted settings database.
type SettingsConfig struct {
	Path string `json:"path"`
	// Profile separates keyring entries when several databases share a host.
	Profile string `json:"profile,omitempty"`
}

// ClientConfig tunes the node client.
type ClientConfig struct {
	Name              string  `json:"name"`
	RequestTimeoutSec int     `json:"requestTimeoutSec"`
	HTTPTimeoutSec    int     `json:"httpTimeoutSec"`
	RateLimit         float64 `json:"rateLimit"` // calls per second, 0 = unlimited
	RateBurst         int     `json:"rateBurst"`
	LoopbackAlias     string  `json:"loopbackAlias,omitempty"`
	LoopbackHost      string  `json:"loopbackHost,omitempty"`
}

// ReconnectConfig drives `subscribe` reconnection.
type ReconnectConfig struct {
	MaxRetries  int `json:"maxRetries"` // negative = forever
	BaseDelayMs int `json:"baseDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs"`
}

// TelemetryConfig configures OTLP trace export (-tags otel builds only).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // grpc, http
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	SampleRatio float64           `json:"sampleRatio,omitempty"` // 0 = keep all
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Settings: SettingsConfig{Path: defaultDir + "/settings.db"},
		Client: ClientConfig{
			Name:              hostname(),
			RequestTimeoutSec: 30,
			HTTPTimeoutSec:    30,
			RateLimit:         20,
			RateBurst:         10,
		},
		Reconnect: ReconnectConfig{MaxRetries: -1, BaseDelayMs: 2000, MaxDelayMs: 30000},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "nodelink"},
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "nodelink"
	}
	return h
}

// DefaultPath returns $NODELINK_CONFIG or ~/.nodelink/config.json5.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return ExpandHome(defaultDir + "/config.json5")
}

// Load reads path on top of the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON (valid JSON5).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("NODELINK_LOG_LEVEL", &c.Log.Level)
	envStr("NODELINK_LOG_FORMAT", &c.Log.Format)
	envStr("NODELINK_SETTINGS_PATH", &c.Settings.Path)
	envStr("NODELINK_PROFILE", &c.Settings.Profile)
	envStr("NODELINK_CLIENT_NAME", &c.Client.Name)
	envInt("NODELINK_REQUEST_TIMEOUT_SEC", &c.Client.RequestTimeoutSec)
	envStr("NODELINK_LOOPBACK_ALIAS", &c.Client.LoopbackAlias)
	envStr("NODELINK_OTEL_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("NODELINK_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is invalid", c.Log.Format)
	}
	if c.Settings.Path == "" {
		return fmt.Errorf("settings.path is required")
	}
	if c.Client.RequestTimeoutSec <= 0 || c.Client.HTTPTimeoutSec <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if c.Client.RateLimit < 0 || c.Client.RateBurst < 0 {
		return fmt.Errorf("client.rateLimit and client.rateBurst must not be negative")
	}
	if c.Reconnect.BaseDelayMs <= 0 || c.Reconnect.MaxDelayMs < c.Reconnect.BaseDelayMs {
		return fmt.Errorf("reconnect delays are invalid")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sampleRatio must be within [0,1]")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol %q is invalid", c.Telemetry.Protocol)
	}
	return nil
}

// RequestTimeout returns the per-call websocket timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Client.RequestTimeoutSec) * time.Second
}

// HTTPTimeout returns the pairing/session HTTP timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Client.HTTPTimeoutSec) * time.Second
}

// SettingsPath returns the settings database path with ~ expanded.
func (c *Config) SettingsPath() string {
	return ExpandHome(c.Settings.Path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
