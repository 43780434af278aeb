package service

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/photdb/internal/adapters/lock"
	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/config"
	"github.com/okian/photdb/pkg/logger"
)

// OpenStore opens the catalog store for driver. SQLite stores are always
// migrated; server databases only when migrate is set.
func OpenStore(ctx context.Context, driver, dsn string, maxOpenConns int, migrate bool, log logger.Logger) (repository.Store, error) {
	if driver == "" || driver == config.DriverMemory {
		return repository.NewMemStore(ctx), nil
	}

	dialect, err := repository.ParseDialect(driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	if dialect == repository.DialectSQLite && dsn == "" {
		dsn = ":memory:"
	}
	st, err := repository.OpenSQL(ctx, dialect, dsn,
		repository.WithMaxOpenConns(maxOpenConns),
		repository.WithSQLLogger(log),
	)
	if err != nil {
		return nil, err
	}
	if migrate || dialect == repository.DialectSQLite {
		n, err := st.Migrate(ctx)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if n > 0 {
			log.Info(ctx, "schema migrated", logger.Int("applied", n))
		}
	}
	return st, nil
}

// OpenLocker returns the locker named by cfg, or nil when locking is off.
// The returned close func is never nil.
func OpenLocker(ctx context.Context, cfg *config.Config, log logger.Logger) (lock.Locker, func() error, error) {
	noop := func() error { return nil }
	switch cfg.LockBackend {
	case config.LockLocal:
		return lock.NewLocal(), noop, nil
	case config.LockRedis:
		r := lock.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			lock.WithTTL(time.Duration(cfg.LockTTLMS)*time.Millisecond),
			lock.WithLogger(log),
		)
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, noop, err
		}
		return r, r.Close, nil
	default:
		return nil, noop, nil
	}
}

// Options maps cfg onto service options.
func Options(cfg *config.Config) []Option {
	return []Option{
		WithDriver(cfg.Driver, cfg.DSN, cfg.MaxOpenConns),
		WithWorkerCount(cfg.WorkerCount),
		WithQueueSize(cfg.QueueSize),
		WithDedupeSize(cfg.DedupeSize),
		WithExposureCacheSize(cfg.ExposureCacheSize),
		WithTolerances(cfg.MatchToleranceArcsec, cfg.IngestToleranceArcsec),
		WithBoxMultiplier(cfg.BoxMultiplier),
		WithReconcile(cfg.BatchSize, cfg.ReconcileWorkers, time.Duration(cfg.ReconcileIntervalMS)*time.Millisecond),
	}
}
