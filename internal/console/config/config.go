// Package config provides configuration loading for the console.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override, e.g. TEACONSOLE_API_BASE_URL.
const EnvPrefix = "TEACONSOLE"

// Storage drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds all console configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	OAuth     OAuthConfig     `mapstructure:"oauth" yaml:"oauth"`
	OTP       OTPConfig       `mapstructure:"otp" yaml:"otp"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// APIConfig points the console at the REST backend.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StorageConfig selects where credentials and the cached profile live.
type StorageConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Debug bool   `mapstructure:"debug" yaml:"debug"`
	// File enables a rotating log file next to stderr output.
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// OAuthConfig configures provider login (Google by default).
type OAuthConfig struct {
	Issuer       string   `mapstructure:"issuer" yaml:"issuer"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id,omitempty"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret,omitempty"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

// OTPConfig controls one-time password resends.
type OTPConfig struct {
	ResendCooldown time.Duration `mapstructure:"resend_cooldown" yaml:"resend_cooldown"`
}

// TelemetryConfig configures OTLP trace export. Empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint,omitempty"`
}

// MetricsConfig configures the optional textfile dump written at exit.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

// Dir returns the per-user configuration directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".teaconsole"
	}
	return filepath.Join(home, ".config", "teaconsole")
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:3000/api",
			Timeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver:    DriverFile,
			Path:      filepath.Join(Dir(), "credentials.json"),
			Namespace: "teaconsole",
		},
		Log: LogConfig{
			Level:      "warn",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		OAuth: OAuthConfig{
			Issuer: "https://accounts.google.com",
			Scopes: []string{"openid", "email", "profile"},
		},
		OTP: OTPConfig{
			ResendCooldown: time.Minute,
		},
	}
}

// ResolvePath returns explicit when set, otherwise the default config file
// if one exists, otherwise "".
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	candidate := filepath.Join(Dir(), "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// Load reads configuration from a file (yaml or json), then overlays
// TEACONSOLE_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Default(), fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), fmt.Errorf("parse config: %w", err)
	}
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.namespace", d.Storage.Namespace)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("oauth.issuer", d.OAuth.Issuer)
	v.SetDefault("oauth.client_id", d.OAuth.ClientID)
	v.SetDefault("oauth.client_secret", d.OAuth.ClientSecret)
	v.SetDefault("oauth.scopes", d.OAuth.Scopes)
	v.SetDefault("otp.resend_cooldown", d.OTP.ResendCooldown)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.API.BaseURL)
	switch {
	case c.API.BaseURL == "":
		errs = append(errs, errors.New("api.base_url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("api.base_url must be http(s), got %q", u.Scheme))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be file, sqlite or memory, got %q", c.Storage.Driver))
	}
	if c.Storage.Namespace == "" {
		errs = append(errs, errors.New("storage.namespace is required"))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.OTP.ResendCooldown < 0 {
		errs = append(errs, errors.New("otp.resend_cooldown must not be negative"))
	}

	return errors.Join(errs...)
}

// HasOAuth returns true when provider login is configured.
func (c Config) HasOAuth() bool {
	return c.OAuth.Issuer != "" && c.OAuth.ClientID != ""
}
