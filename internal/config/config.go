// Package config loads mirage runtime configuration with viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/mirage/internal/protocol"
)

// EnvPrefix prefixes environment overrides, e.g. MIRAGE_DB.
const EnvPrefix = "MIRAGE"

// Config holds runtime configuration for mirage commands.
// Values are populated from mirage.yaml, MIRAGE_* env vars, and CLI flags.
type Config struct {
	DBPath          string        `mapstructure:"db"`
	Codec           string        `mapstructure:"codec"`
	Listen          string        `mapstructure:"listen"`
	Context         string        `mapstructure:"context"`
	AutoVivify      bool          `mapstructure:"auto_vivify"`
	EvaluateTimeout time.Duration `mapstructure:"evaluate_timeout"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	LogLevel        string        `mapstructure:"log_level"`
}

// New returns a viper instance with mirage defaults and env overrides.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("db", "mirage.db")
	v.SetDefault("codec", "json")
	v.SetDefault("listen", "127.0.0.1:7411")
	v.SetDefault("context", "")
	v.SetDefault("auto_vivify", false)
	v.SetDefault("evaluate_timeout", 30*time.Second)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads path into v. With an empty path it looks for mirage.yaml
// in the working directory, and a missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mirage")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the codec name, log level and timeout.
func (c Config) Validate() error {
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("invalid config: log_level: %w", err)
	}
	if c.EvaluateTimeout < 0 {
		return fmt.Errorf("invalid config: evaluate_timeout must not be negative")
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}
