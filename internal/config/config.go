// Package config defines service configuration structures and loading hooks.
package config

import (
	"runtime"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Lock backends.
const (
	LockNone  = "none"
	LockLocal = "local"
	LockRedis = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Driver selects the catalog store: memory, sqlite, postgres or mysql.
	Driver string `koanf:"driver"`
	// DSN is the database/sql data source name. Ignored for memory.
	DSN string `koanf:"dsn"`
	// MaxOpenConns caps the SQL connection pool. Zero keeps the driver default.
	MaxOpenConns int `koanf:"max_open_conns"`

	// QueueSize bounds the in-memory ingest queue.
	QueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of ingest workers.
	WorkerCount int `koanf:"worker_count"`
	// DedupeSize bounds the set of remembered exposure ids.
	DedupeSize int `koanf:"dedupe_size"`
	// ExposureCacheSize bounds the exposure lookup cache.
	ExposureCacheSize int `koanf:"exposure_cache_size"`

	// MatchToleranceArcsec is the reconciliation tolerance.
	MatchToleranceArcsec float64 `koanf:"match_tolerance_arcsec"`
	// IngestToleranceArcsec is the reference object upsert tolerance.
	IngestToleranceArcsec float64 `koanf:"ingest_tolerance_arcsec"`
	// BoxMultiplier scales the candidate box relative to the tolerance.
	BoxMultiplier float64 `koanf:"box_multiplier"`
	// BatchSize bounds one reconciliation pass.
	BatchSize int `koanf:"batch_size"`
	// ReconcileWorkers is the number of partitioned reconcile loops.
	ReconcileWorkers int `koanf:"reconcile_workers"`
	// ReconcileIntervalMS runs reconciliation in the background; 0 disables it.
	ReconcileIntervalMS int `koanf:"reconcile_interval_ms"`

	// LockBackend is none, local or redis.
	LockBackend string `koanf:"lock_backend"`
	// LockCellDeg is the side of a lock cell in degrees.
	LockCellDeg float64 `koanf:"lock_cell_deg"`
	// LockTTLMS bounds how long a crashed holder keeps a redis lock.
	LockTTLMS int `koanf:"lock_ttl_ms"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":9080",
		Driver:                DriverMemory,
		QueueSize:             1024,
		WorkerCount:           runtime.NumCPU(),
		DedupeSize:            50_000,
		ExposureCacheSize:     1024,
		MatchToleranceArcsec:  1.0,
		IngestToleranceArcsec: 0.5,
		BoxMultiplier:         6,
		BatchSize:             5000,
		ReconcileWorkers:      1,
		ReconcileIntervalMS:   0,
		LockBackend:           LockNone,
		LockCellDeg:           0.1,
		LockTTLMS:             10_000,
		RedisAddr:             "localhost:6379",
	}
}
