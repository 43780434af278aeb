package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment names.
const (
	EnvPrefix     = "PHOTDB_"
	EnvConfigPath = "PHOTDB_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if PHOTDB_CONFIG is set
//  3. env (prefix PHOTDB_)
func Load(ctx context.Context) (*Config, error) {
	return LoadFile(ctx, os.Getenv(EnvConfigPath))
}

// LoadFile is Load with an explicit file path. An empty path skips the file
// layer.
func LoadFile(_ context.Context, path string) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// PHOTDB_BATCH_SIZE -> batch_size; underscores are kept to match the
	// flat koanf tags.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, strings.ToLower(EnvPrefix))
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}
	// The path variable itself is not a setting.
	k.Delete("config")

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Addr == "" {
		bad("addr must not be empty")
	}
	switch c.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		bad("unknown driver %q", c.Driver)
	}
	if (c.Driver == DriverPostgres || c.Driver == DriverMySQL) && c.DSN == "" {
		bad("driver %s needs a dsn", c.Driver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		bad("unknown log_format %q", c.LogFormat)
	}
	if c.MatchToleranceArcsec <= 0 {
		bad("match_tolerance_arcsec must be positive")
	}
	if c.IngestToleranceArcsec <= 0 {
		bad("ingest_tolerance_arcsec must be positive")
	}
	if c.BoxMultiplier < 1 {
		bad("box_multiplier must be at least 1")
	}
	if c.BatchSize <= 0 {
		bad("batch_size must be positive")
	}
	if c.ReconcileWorkers <= 0 {
		bad("reconcile_workers must be positive")
	}
	if c.ReconcileIntervalMS < 0 {
		bad("reconcile_interval_ms must not be negative")
	}
	if c.QueueSize <= 0 {
		bad("queue_size must be positive")
	}
	switch c.LockBackend {
	case LockNone, LockLocal:
	case LockRedis:
		if c.RedisAddr == "" {
			bad("lock_backend redis needs redis_addr")
		}
	default:
		bad("unknown lock_backend %q", c.LockBackend)
	}
	if c.LockCellDeg <= 0 {
		bad("lock_cell_deg must be positive")
	}
	return errors.Join(errs...)
}
