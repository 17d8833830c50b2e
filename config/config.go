/*
Package config loads the leave-import configuration.

PURPOSE:
  One place for every tunable of the server and the CLI. Values come from,
  in order of precedence:
    1. LEAVEIMPORT_* environment variables (LEAVEIMPORT_SERVER_PORT, ...)
    2. the config file (--config, else ./leaveimport.yaml or
       $HOME/.config/leaveimport/leaveimport.yaml)
    3. defaults below

KEYS:
  server.port                                     8080
  server.cors_origins                             [*]
  database.path                                   ./leave.db
  logging.level                                   info   (debug|info|warn|error)
  logging.format                                  console (console|json)
  engine.require_explicit_over_allotment_review   false
  engine.concurrency                              8
  engine.resolution_seconds.<stage>               per-item estimate, seconds

SEE ALSO:
  - cmd/server/main.go: flag bindings
  - reconcile/engine.go: Options
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/leave-import/reconcile"
)

const EnvPrefix = "LEAVEIMPORT"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	RequireExplicitOverAllotmentReview bool           `mapstructure:"require_explicit_over_allotment_review"`
	Concurrency                        int            `mapstructure:"concurrency"`
	ResolutionSeconds                  map[string]int `mapstructure:"resolution_seconds"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.path", "./leave.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("engine.require_explicit_over_allotment_review", false)
	v.SetDefault("engine.concurrency", 8)
	for stage, d := range reconcile.DefaultResolutionTimes() {
		v.SetDefault("engine.resolution_seconds."+string(stage), int(d/time.Second))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. An empty path
// searches the standard locations; a missing file there is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leaveimport")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "leaveimport"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	for key, secs := range c.Engine.ResolutionSeconds {
		if !reconcile.Stage(key).Valid() {
			return fmt.Errorf("engine.resolution_seconds: unknown stage %q", key)
		}
		if secs < 0 {
			return fmt.Errorf("engine.resolution_seconds.%s must not be negative", key)
		}
	}
	return nil
}

// EngineOptions converts the engine section for reconcile.NewEngine.
func (c *Config) EngineOptions() reconcile.Options {
	times := reconcile.DefaultResolutionTimes()
	for key, secs := range c.Engine.ResolutionSeconds {
		times[reconcile.Stage(key)] = time.Duration(secs) * time.Second
	}
	return reconcile.Options{
		RequireExplicitReview: c.Engine.RequireExplicitOverAllotmentReview,
		ResolutionTimes:       times,
		Concurrency:           c.Engine.Concurrency,
	}
}

// =============================================================================
// LOGGING
// =============================================================================

func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", level)
}

// NewLogger builds the process logger described by the logging section.
func NewLogger(c LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch c.Format {
	case "console":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", c.Format)
	}
	return slog.New(handler), nil
}
