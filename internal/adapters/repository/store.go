// Package repository defines the catalog storage interface and its
// in-memory and SQL implementations.
package repository

import (
	"context"

	"github.com/okian/photdb/internal/domain/model"
)

// UnmatchedQuery selects a bounded page of unlinked measurements.
// When Partitions > 1 only ids with id % Partitions == Partition are returned.
type UnmatchedQuery struct {
	Limit      int
	Partition  int
	Partitions int
}

// Stats summarises catalog sizes.
type Stats struct {
	Exposures    int64 `json:"exposures"`
	Measurements int64 `json:"measurements"`
	Unmatched    int64 `json:"unmatched"`
	Objects      int64 `json:"objects"`
}

// Store provides read/write access to exposures, measurements and
// reference objects.
type Store interface {
	// InsertExposure stores a new exposure. A duplicate id is an integrity violation.
	InsertExposure(ctx context.Context, e model.Exposure) error
	// GetExposure returns ErrNotFound for an unknown id.
	GetExposure(ctx context.Context, id string) (model.Exposure, error)
	// ExposureIDsByFilter returns matching exposure ids in ascending order.
	ExposureIDsByFilter(ctx context.Context, filter string) ([]string, error)
	// SetExposureZeroPoint records the calibration zero-point.
	SetExposureZeroPoint(ctx context.Context, id string, zp float64) error

	InsertMeasurement(ctx context.Context, m model.Measurement) (int64, error)
	// InsertMeasurements stores all rows or none.
	InsertMeasurements(ctx context.Context, ms []model.Measurement) ([]int64, error)
	MeasurementsForObject(ctx context.Context, objectID int64) ([]model.Measurement, error)
	// MeasurementsForExposure returns the detections of one exposure in id
	// order. An unknown exposure yields an empty list.
	MeasurementsForExposure(ctx context.Context, exposureID string) ([]model.Measurement, error)

	// RangeQueryObjects returns objects inside the axis-aligned box of
	// halfWidthDeg around (ra, dec).
	RangeQueryObjects(ctx context.Context, ra, dec, halfWidthDeg float64) ([]model.ReferenceObject, error)
	InsertObject(ctx context.Context, o model.ReferenceObject) (int64, error)
	GetObject(ctx context.Context, id int64) (model.ReferenceObject, error)
	// ObjectsByIDRange returns objects with minID <= id <= maxID in id order.
	ObjectsByIDRange(ctx context.Context, minID, maxID int64) ([]model.ReferenceObject, error)

	// UpdateMeasurementObjectRef links a measurement to an object. Relinking to
	// the same object is a no-op; relinking to another object fails with
	// ErrAlreadyLinked.
	UpdateMeasurementObjectRef(ctx context.Context, measurementID, objectID int64) error
	// SelectUnmatchedMeasurements returns unlinked measurements oldest first.
	// Every call observes all commits made before it started.
	SelectUnmatchedMeasurements(ctx context.Context, q UnmatchedQuery) ([]model.Unmatched, error)

	Stats(ctx context.Context) (Stats, error)

	// InTx runs fn inside one transaction. The Store passed to fn must be used
	// for every call belonging to the unit. Nested calls join the outer unit.
	InTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
