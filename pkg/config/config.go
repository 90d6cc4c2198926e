// Package config loads service settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the service configuration.
type Config struct {
	DatabaseURL        string   `mapstructure:"database_url"`
	DatabasePassword   string   `mapstructure:"database_password"`
	DatabaseMaxConns   int32    `mapstructure:"database_max_conns"`
	HTTPAddr           string   `mapstructure:"http_addr"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	RedisURL           string   `mapstructure:"redis_url"`
	LogLevel           string   `mapstructure:"log_level"`
	ScheduleEnabled    bool     `mapstructure:"schedule_enabled"`
}

// ErrMissingDatabaseURL is returned when no database URL is configured.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is not set")

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("database_password", "")
	v.SetDefault("database_max_conns", 10)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("cors_allowed_origins", []string{"*"})
	v.SetDefault("redis_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("schedule_enabled", false)
}

// Load reads configuration from file (when non-empty) and the environment. Every
// key can be overridden by its upper-case environment variable, e.g. DATABASE_URL.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORSAllowedOrigins = splitOrigins(cfg.CORSAllowedOrigins)

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, ErrMissingDatabaseURL
	}
	return &cfg, nil
}

// splitOrigins flattens comma-separated entries and drops blanks.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, origin := range strings.Split(item, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
