package service

import (
	"time"

	"github.com/okian/photdb/internal/adapters/lock"
	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of ingest workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of queued batches.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many submitted exposure ids are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithExposureCacheSize bounds the exposure lookup cache.
func WithExposureCacheSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.cacheSize = size
		}
	}
}

// WithStore uses an already opened store. The caller keeps ownership.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

// WithDriver selects the store opened on Start when no store was given.
func WithDriver(driver, dsn string, maxOpenConns int) Option {
	return func(s *Service) {
		if driver != "" {
			s.driver = driver
		}
		s.dsn = dsn
		s.maxOpenConns = maxOpenConns
	}
}

// WithTolerances sets the reconcile and ingest tolerances in arcseconds.
func WithTolerances(matchArcsec, ingestArcsec float64) Option {
	return func(s *Service) {
		if matchArcsec > 0 {
			s.matchTol = matchArcsec
		}
		if ingestArcsec > 0 {
			s.ingestTol = ingestArcsec
		}
	}
}

// WithBoxMultiplier scales the candidate box relative to the tolerance.
func WithBoxMultiplier(k float64) Option {
	return func(s *Service) {
		if k >= 1 {
			s.boxMultiplier = k
		}
	}
}

// WithReconcile sets the pass size, the number of partitioned workers and
// the background interval. A zero interval disables the background loop.
func WithReconcile(batchSize, workers int, interval time.Duration) Option {
	return func(s *Service) {
		if batchSize > 0 {
			s.batchSize = batchSize
		}
		if workers > 0 {
			s.reconcileWorkers = workers
		}
		if interval >= 0 {
			s.reconcileInterval = interval
		}
	}
}

// WithLocker serialises match-or-create decisions across workers.
func WithLocker(l lock.Locker, cellDeg float64) Option {
	return func(s *Service) {
		s.locker = l
		if cellDeg > 0 {
			s.cellDeg = cellDeg
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
