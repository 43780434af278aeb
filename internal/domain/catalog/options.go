package catalog

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/photdb/internal/adapters/lock"
	"github.com/okian/photdb/internal/domain/matcher"
	"github.com/okian/photdb/pkg/logger"
)

// Defaults for catalog operations.
const (
	// DefaultMatchTolerance is the reconciliation tolerance in arcseconds.
	DefaultMatchTolerance = 1.0
	// DefaultIngestTolerance is the tolerance used when upserting reference
	// objects delivered with a batch.
	DefaultIngestTolerance = 0.5
	// DefaultBatchSize bounds one reconciliation pass.
	DefaultBatchSize = 5000
	// DefaultLockCellDeg is the side of a lock cell in degrees.
	DefaultLockCellDeg = 0.1
	// maxPassErrors bounds the per-item errors kept for a failed pass.
	maxPassErrors = 16
)

// Option configures the catalog components.
type Option func(*Mutator)

// WithMatcher replaces the default matcher.
func WithMatcher(m *matcher.Matcher) Option {
	return func(mu *Mutator) {
		if m != nil {
			mu.matcher = m
		}
	}
}

// WithLocker serialises match-or-create decisions for overlapping sky cells.
// Without a locker two workers may create near-coincident objects.
func WithLocker(l lock.Locker) Option {
	return func(mu *Mutator) {
		mu.locker = l
	}
}

// WithLockCellDeg sets the lock cell size in degrees.
func WithLockCellDeg(deg float64) Option {
	return func(mu *Mutator) {
		if deg > 0 {
			mu.cellDeg = deg
		}
	}
}

// WithIngestTolerance sets the reference object upsert tolerance in arcseconds.
func WithIngestTolerance(arcsec float64) Option {
	return func(mu *Mutator) {
		if arcsec > 0 {
			mu.ingestTol = arcsec
		}
	}
}

// WithExposureCache puts a cache in front of exposure lookups.
func WithExposureCache(c *ExposureCache) Option {
	return func(mu *Mutator) {
		mu.cache = c
	}
}

// WithTracer sets the tracer for batch spans.
func WithTracer(t trace.Tracer) Option {
	return func(mu *Mutator) {
		if t != nil {
			mu.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(mu *Mutator) {
		if l != nil {
			mu.log = l
		}
	}
}
