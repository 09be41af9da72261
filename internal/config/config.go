// Package config provides configuration management for the durango bridge.
// It supports loading configuration from environment variables, a config file
// in the durango config directory, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/durango-dev/durango/internal/common/logger"
)

// Config holds all configuration sections for the bridge daemon.
// It is read once at startup and never mutated afterwards.
type Config struct {
	Machine MachineConfig        `mapstructure:"machine"`
	Relay   RelayConfig          `mapstructure:"relay"`
	Codex   CodexConfig          `mapstructure:"codex"`
	Debug   DebugConfig          `mapstructure:"debug"`
	Logging logger.LoggingConfig `mapstructure:"logging"`

	// ConfigDir is the directory the config was loaded from.
	ConfigDir string `mapstructure:"-"`
}

// MachineConfig identifies this machine and its user to the relay.
type MachineConfig struct {
	MachineID string `mapstructure:"machineId"`
	UserID    string `mapstructure:"userId"`
	Token     string `mapstructure:"token"`
}

// RelayConfig holds relay connectivity settings.
type RelayConfig struct {
	// URL is the relay base URL (http(s) scheme; the WebSocket endpoint is <url>/ws).
	URL string `mapstructure:"url"`
	// WebURL is the web product base URL, used for user-facing links.
	WebURL string `mapstructure:"webUrl"`
}

// CodexConfig holds agent-server connectivity settings.
type CodexConfig struct {
	// AppServerURL is the agent server WebSocket URL.
	AppServerURL string `mapstructure:"appServerUrl"`
	// Bin is the agent binary used when no server answers at AppServerURL.
	Bin string `mapstructure:"bin"`
	// Version is the agent version reported to the relay, if known.
	Version string `mapstructure:"version"`
}

// DebugConfig holds the optional local debug endpoint settings.
type DebugConfig struct {
	// Addr is the listen address for the debug HTTP server. Empty disables it.
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.url", "https://relay.durango.dev")
	v.SetDefault("relay.webUrl", "https://app.durango.dev")
	v.SetDefault("codex.appServerUrl", "ws://127.0.0.1:48765")
	v.SetDefault("codex.bin", "codex")
	v.SetDefault("debug.addr", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stderr")
}

// Load reads configuration from the durango config directory and environment.
// Environment variables use the prefix DURANGO_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithDir(os.Getenv("DURANGO_CONFIG_DIR"))
}

// LoadWithDir reads configuration from the given config directory.
// An empty dir falls back to ~/.durango.
func LoadWithDir(dir string) (*Config, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".durango")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DURANGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("relay.url", "DURANGO_RELAY_URL")
	_ = v.BindEnv("relay.webUrl", "DURANGO_WEB_URL")
	_ = v.BindEnv("codex.appServerUrl", "DURANGO_CODEX_APP_SERVER_URL")
	_ = v.BindEnv("codex.bin", "DURANGO_CODEX_BIN")
	_ = v.BindEnv("codex.version", "CODEX_VERSION")
	_ = v.BindEnv("machine.machineId", "DURANGO_MACHINE_ID")
	_ = v.BindEnv("machine.userId", "DURANGO_USER_ID")
	_ = v.BindEnv("machine.token", "DURANGO_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	// Read config file (ignore if not found; env vars may carry everything)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.ConfigDir = dir

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Machine.MachineID == "" {
		errs = append(errs, "machine.machineId is required (run `durango login` first)")
	}
	if cfg.Machine.UserID == "" {
		errs = append(errs, "machine.userId is required")
	}
	if cfg.Machine.Token == "" {
		errs = append(errs, "machine.token is required")
	}
	if cfg.Relay.URL == "" {
		errs = append(errs, "relay.url is required")
	}
	if cfg.Codex.AppServerURL == "" {
		errs = append(errs, "codex.appServerUrl is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// RelayWebSocketURL returns the relay WebSocket endpoint derived from the base URL.
func (c *Config) RelayWebSocketURL() string {
	url := strings.TrimRight(c.Relay.URL, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws"
}

// ProjectsFile returns the path of the project manifest consumed at startup.
func (c *Config) ProjectsFile() string {
	return filepath.Join(c.ConfigDir, "projects.json")
}
