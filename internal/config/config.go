// Package config loads rowsync settings from defaults, an optional config
// file, ROWSYNC_* environment variables and command-line flags, in that
// order of precedence (flags win).
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/cleanup"
	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/retry"
)

// EnvPrefix prefixes every environment variable, e.g. ROWSYNC_BATCH_SIZE.
const EnvPrefix = "ROWSYNC"

// Config is the decoded configuration.
type Config struct {
	Database           string `mapstructure:"database"`
	TransactionMode    string `mapstructure:"transaction_mode"`
	ConflictPolicy     string `mapstructure:"conflict_policy"`
	ErrorPolicy        string `mapstructure:"error_policy"`
	DisableConstraints bool   `mapstructure:"disable_constraints"`

	Batch    BatchConfig    `mapstructure:"batch"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type BatchConfig struct {
	Dir  string `mapstructure:"dir"`
	Size int    `mapstructure:"size"`
}

type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
}

type CleanupConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	EverySessions int  `mapstructure:"every_sessions"`
}

// RetryConfig bounds retries of transient failures. MaxAttempts counts the
// first try.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type ServerConfig struct {
	// Addr is the listen address of `rowsync serve`.
	Addr string `mapstructure:"addr"`
	// URL is the server base URL used by `rowsync sync`.
	URL string `mapstructure:"url"`
}

// LogConfig selects the log handler. When File is set, logs go to a
// size-rotated file instead of stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key. Keys without a default are invisible to
// AutomaticEnv when unmarshalling, so each one is listed here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database", "rowsync.db")
	v.SetDefault("transaction_mode", string(model.TransactionAllOrNothing))
	v.SetDefault("conflict_policy", string(model.PolicyServerWins))
	v.SetDefault("error_policy", string(model.ErrorThrow))
	v.SetDefault("disable_constraints", false)

	v.SetDefault("batch.dir", "")
	v.SetDefault("batch.size", batch.DefaultSize)
	v.SetDefault("snapshot.dir", "")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.every_sessions", cleanup.DefaultEverySessions)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_delay", 50*time.Millisecond)
	v.SetDefault("retry.max_delay", 2*time.Second)

	v.SetDefault("server.addr", "127.0.0.1:7420")
	v.SetDefault("server.url", "http://127.0.0.1:7420")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads file (if not empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings and bounds.
func (c *Config) Validate() error {
	mode, err := model.ParseTransactionMode(c.TransactionMode)
	if err != nil {
		return fmt.Errorf("transaction_mode: %w", err)
	}
	if mode == model.TransactionNone && c.DisableConstraints {
		return fmt.Errorf("disable_constraints requires a transaction, transaction_mode is %q", c.TransactionMode)
	}
	if _, err := model.ParseConflictPolicy(c.ConflictPolicy); err != nil {
		return fmt.Errorf("conflict_policy: %w", err)
	}
	if _, err := model.ParseErrorAction(c.ErrorPolicy); err != nil {
		return fmt.Errorf("error_policy: %w", err)
	}
	if c.Batch.Size < 0 {
		return fmt.Errorf("batch.size must not be negative, got %d", c.Batch.Size)
	}
	if c.Cleanup.EverySessions < 0 {
		return fmt.Errorf("cleanup.every_sessions must not be negative, got %d", c.Cleanup.EverySessions)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// EngineOptions converts the configuration into engine options. The logger
// is passed separately since its lifetime belongs to the caller.
func (c *Config) EngineOptions(logger *slog.Logger) ([]engine.Option, error) {
	mode, err := model.ParseTransactionMode(c.TransactionMode)
	if err != nil {
		return nil, err
	}
	policy, err := model.ParseConflictPolicy(c.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	errPolicy, err := model.ParseErrorAction(c.ErrorPolicy)
	if err != nil {
		return nil, err
	}

	cleanupEvery := c.Cleanup.EverySessions
	if !c.Cleanup.Enabled {
		cleanupEvery = 0
	}

	backoff := retry.NewBackoff()
	backoff.MaxRetries = c.Retry.MaxAttempts - 1
	backoff.InitialDelay = c.Retry.InitialDelay
	backoff.MaxDelay = c.Retry.MaxDelay

	opts := []engine.Option{
		engine.WithTransactionMode(mode),
		engine.WithConflictPolicy(policy),
		engine.WithErrorPolicy(errPolicy),
		engine.WithDisableConstraints(c.DisableConstraints),
		engine.WithCleanupEvery(cleanupEvery),
		engine.WithRetryer(backoff),
	}
	if c.Batch.Dir != "" {
		opts = append(opts, engine.WithBatchDir(c.Batch.Dir))
	}
	if c.Batch.Size > 0 {
		opts = append(opts, engine.WithBatchSize(c.Batch.Size))
	}
	if c.Snapshot.Dir != "" {
		opts = append(opts, engine.WithSnapshotDir(c.Snapshot.Dir))
	}
	if logger != nil {
		opts = append(opts, engine.WithLogger(logger))
	}
	return opts, nil
}

// NewLogger builds the slog logger described by c. Output goes to stderr
// unless c.File is set. The returned closer releases the log file.
func NewLogger(c LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	w := stderr
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w, closer = rotated, rotated
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler), closer, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
