// Package config loads taskauth settings from a YAML file, TASKAUTH_*
// environment variables, and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// TASKAUTH_AUTH_JWT_SECRET for auth.jwt_secret.
const EnvPrefix = "TASKAUTH"

// YAMLConfig represents the top-level taskauth configuration file.
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string          `yaml:"host" mapstructure:"host"`
	Port            int             `yaml:"port" mapstructure:"port"`
	MaxBodySize     string          `yaml:"max_body_size" mapstructure:"max_body_size"`
	ShutdownTimeout string          `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORS            CORSConfig      `yaml:"cors" mapstructure:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// RateLimitConfig sets per-minute request limits. Zero disables a limit.
type RateLimitConfig struct {
	Auth         int `yaml:"auth" mapstructure:"auth"`
	SecondFactor int `yaml:"second_factor" mapstructure:"second_factor"`
}

// DatabaseConfig selects the user and session store. An empty DSN with the
// sqlite driver stores taskauth.db in the data directory.
type DatabaseConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret         string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	SessionTTL        string `yaml:"session_ttl" mapstructure:"session_ttl"`
	BcryptCost        int    `yaml:"bcrypt_cost" mapstructure:"bcrypt_cost"`
	TOTPIssuer        string `yaml:"totp_issuer" mapstructure:"totp_issuer"`
	AdminSecondFactor bool   `yaml:"admin_second_factor" mapstructure:"admin_second_factor"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
// Fields absent from the file keep their defaults.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load resolves the effective configuration from v, which the caller has
// already pointed at a config file and bound to flags. Defaults are
// registered first so TASKAUTH_* variables override keys the file omits.
func Load(v *viper.Viper) (*YAMLConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &YAMLConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults registers every default value on v. Registering each key is
// also what lets AutomaticEnv see it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := DefaultYAMLConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("server.rate_limit.auth", d.Server.RateLimit.Auth)
	v.SetDefault("server.rate_limit.second_factor", d.Server.RateLimit.SecondFactor)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.session_ttl", d.Auth.SessionTTL)
	v.SetDefault("auth.bcrypt_cost", d.Auth.BcryptCost)
	v.SetDefault("auth.totp_issuer", d.Auth.TOTPIssuer)
	v.SetDefault("auth.admin_second_factor", d.Auth.AdminSecondFactor)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodySize:     "1MB",
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
			RateLimit: RateLimitConfig{
				Auth:         20,
				SecondFactor: 10,
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Auth: AuthConfig{
			SessionTTL: "168h",
			BcryptCost: 10,
			TOTPIssuer: "DPM Task Manager",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks values that would otherwise fail later at startup.
func (c *YAMLConfig) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := c.Server.MaxBodyBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Server.ShutdownDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Auth.SessionDuration(); err != nil {
		errs = append(errs, err)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, postgres, mysql", c.Database.Driver))
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// MaxBodyBytes parses max_body_size ("1MB", "512KiB"). Empty means no limit.
func (s ServerConfig) MaxBodyBytes() (int64, error) {
	if s.MaxBodySize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s.MaxBodySize)
	if err != nil {
		return 0, fmt.Errorf("server.max_body_size: %w", err)
	}
	return int64(n), nil
}

// ShutdownDuration parses shutdown_timeout, defaulting to 30s when empty.
func (s ServerConfig) ShutdownDuration() (time.Duration, error) {
	return parseDuration("server.shutdown_timeout", s.ShutdownTimeout, 30*time.Second)
}

// SessionDuration parses session_ttl. Empty selects the 7-day default.
func (a AuthConfig) SessionDuration() (time.Duration, error) {
	return parseDuration("auth.session_ttl", a.SessionTTL, 7*24*time.Hour)
}

func parseDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}
