// Package config provides dynamic configuration management for npdash.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for npdash.
type Config struct {
	// ── Backend ──────────────────────────────────────────────────────────────
	// BackendURL is the NodePass dashboard backend, e.g. http://127.0.0.1:3000
	BackendURL string `mapstructure:"backend_url"`
	// APIToken, when set, is sent as Bearer token and skips the stored session.
	APIToken string `mapstructure:"api_token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
	SSEPath        string `mapstructure:"sse_path"`     // %s = instance id
	MonitorPath    string `mapstructure:"monitor_path"` // %s = endpoint id

	// ── Sync ─────────────────────────────────────────────────────────────────
	// SettleDelayMS is the quiet period after stream events before the
	// snapshot is re-fetched.
	SettleDelayMS  int `mapstructure:"settle_delay_ms"`
	LogCap         int `mapstructure:"log_cap"`
	ReconnectMinMS int `mapstructure:"reconnect_min_ms"`
	ReconnectMaxMS int `mapstructure:"reconnect_max_ms"`

	// ── Local dashboard host ─────────────────────────────────────────────────
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
	// JWTSecret signs tokens issued by the local host. Change in production.
	JWTSecret string `mapstructure:"jwt_secret"`

	// ── Storage ──────────────────────────────────────────────────────────────
	DBPath string `mapstructure:"db_path"`

	// ── Host monitor ─────────────────────────────────────────────────────────
	MonitorIntervalSeconds int `mapstructure:"monitor_interval_seconds"`
}

// SettleDelay returns SettleDelayMS as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// Timeout returns RequestTimeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Load reads config from file (./config.yaml or ~/.npdash/config.yaml)
// and falls back to smart defaults. Environment variables with prefix NPDASH_
// override file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.npdash")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return finish(v)
}

// LoadFile reads one explicit config file instead of searching.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return finish(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend_url", "http://127.0.0.1:3000")
	v.SetDefault("api_token", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("request_timeout_seconds", 10)
	v.SetDefault("sse_path", "/api/sse/tunnel/%s")
	v.SetDefault("monitor_path", "/api/ws/system-monitor?endpointId=%s")

	v.SetDefault("settle_delay_ms", 2000)
	v.SetDefault("log_cap", 100)
	v.SetDefault("reconnect_min_ms", 500)
	v.SetDefault("reconnect_max_ms", 30000)

	v.SetDefault("listen_host", "127.0.0.1")
	v.SetDefault("listen_port", 6688)
	v.SetDefault("jwt_secret", "npd$Wq3@zL8!tR5#vM1^cX7&bN2*hJ9")

	v.SetDefault("db_path", "npdash.db")
	v.SetDefault("monitor_interval_seconds", 2)
}

func finish(v *viper.Viper) (*Config, error) {
	// --- Environment Variables ---
	v.SetEnvPrefix("NPDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the sync layer cannot work with.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url must not be empty")
	}
	if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("backend_url %q must start with http:// or https://", c.BackendURL)
	}
	c.BackendURL = strings.TrimRight(c.BackendURL, "/")
	if c.SettleDelayMS <= 0 {
		return fmt.Errorf("settle_delay_ms must be positive, got %d", c.SettleDelayMS)
	}
	if c.LogCap <= 0 {
		return fmt.Errorf("log_cap must be positive, got %d", c.LogCap)
	}
	if c.ReconnectMinMS <= 0 || c.ReconnectMaxMS < c.ReconnectMinMS {
		return fmt.Errorf("reconnect window %d..%d ms is invalid", c.ReconnectMinMS, c.ReconnectMaxMS)
	}
	if !strings.Contains(c.SSEPath, "%s") {
		return fmt.Errorf("sse_path %q must contain %%s for the instance id", c.SSEPath)
	}
	return nil
}
