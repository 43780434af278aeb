// Package types contains read shapes shared by the service and the HTTP layer.
package types

import (
	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/model"
)

// Ingest acknowledgement statuses.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

// IngestAck answers an asynchronous batch submission.
type IngestAck struct {
	Status     string `json:"status"`
	ExposureID string `json:"exposure_id"`
	JobID      string `json:"job_id,omitempty"`
	Duplicate  bool   `json:"duplicate"`
}

// Accepted acknowledges a queued batch.
func Accepted(exposureID, jobID string) IngestAck {
	return IngestAck{Status: StatusAccepted, ExposureID: exposureID, JobID: jobID}
}

// Duplicate acknowledges a batch whose exposure was already submitted.
func Duplicate(exposureID string) IngestAck {
	return IngestAck{Status: StatusDuplicate, ExposureID: exposureID, Duplicate: true}
}

// MatchResult is the outcome of a positional match. Object is nil when no
// reference object lies within the tolerance.
type MatchResult struct {
	Matched   bool                   `json:"matched"`
	Tolerance float64                `json:"tolerance_arcsec"`
	Object    *model.ReferenceObject `json:"object,omitempty"`
}

// NewMatchResult builds a MatchResult from a matcher outcome.
func NewMatchResult(obj model.ReferenceObject, ok bool, tol float64) MatchResult {
	if !ok {
		return MatchResult{Tolerance: tol}
	}
	return MatchResult{Matched: true, Tolerance: tol, Object: &obj}
}

// Stats reports the running service.
type Stats struct {
	Started       bool             `json:"started"`
	Driver        string           `json:"driver"`
	Workers       int              `json:"workers"`
	BusyWorkers   int64            `json:"busy_workers"`
	QueueLength   int              `json:"queue_length"`
	QueueCapacity int              `json:"queue_capacity"`
	DedupeSize    int64            `json:"dedupe_size"`
	Catalog       repository.Stats `json:"catalog"`
}
