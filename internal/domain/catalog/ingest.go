package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/pkg/logger"
	"github.com/okian/photdb/pkg/metrics"
)

// ExposureInput is exposure metadata as delivered with a batch.
type ExposureInput struct {
	ID         string   `json:"id" yaml:"id"`
	Instrument string   `json:"instrument,omitempty" yaml:"instrument,omitempty"`
	Filter     string   `json:"filter" yaml:"filter"`
	Airmass    float64  `json:"airmass" yaml:"airmass"`
	ExpTime    float64  `json:"exptime" yaml:"exptime"`
	Seeing     float64  `json:"fwhm" yaml:"fwhm"`
	DateObs    string   `json:"dateobs,omitempty" yaml:"dateobs,omitempty"`
	ZeroPoint  *float64 `json:"photzp,omitempty" yaml:"photzp,omitempty"`
}

var dateObsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Exposure validates the input and converts it to a catalog exposure.
func (in ExposureInput) Exposure() (model.Exposure, error) {
	e := model.Exposure{
		ID:         in.ID,
		Instrument: in.Instrument,
		Filter:     in.Filter,
		Airmass:    in.Airmass,
		ExpTime:    in.ExpTime,
		Seeing:     in.Seeing,
		ZeroPoint:  in.ZeroPoint,
	}
	if s := strings.TrimSpace(in.DateObs); s != "" {
		t, err := parseDateObs(s)
		if err != nil {
			return model.Exposure{}, model.WrapKind("catalog.exposure", model.ErrMalformedInput, err)
		}
		e.ObservedAt = t
	}
	return model.NewExposure(e)
}

func parseDateObs(s string) (time.Time, error) {
	for _, layout := range dateObsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised dateobs %q", s)
}

// RefCandidate is the external-catalog source paired with a detection.
type RefCandidate struct {
	RA   *float64           `json:"ra" yaml:"ra"`
	Dec  *float64           `json:"dec" yaml:"dec"`
	Mags model.ExternalMags `json:"mags" yaml:"mags"`
}

// Row is one detection of a batch, optionally paired with a reference source.
// Pointer fields distinguish a missing value from zero.
type Row struct {
	RA     *float64      `json:"ra" yaml:"ra"`
	Dec    *float64      `json:"dec" yaml:"dec"`
	Mag    *float64      `json:"mag" yaml:"mag"`
	MagErr *float64      `json:"magerr" yaml:"magerr"`
	Sensor *int          `json:"ota,omitempty" yaml:"ota,omitempty"`
	X      *int          `json:"x,omitempty" yaml:"x,omitempty"`
	Y      *int          `json:"y,omitempty" yaml:"y,omitempty"`
	Ref    *RefCandidate `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Measurement validates the detection part of the row.
func (r Row) Measurement(exposureID string) (model.Measurement, error) {
	const op = "catalog.row"
	switch {
	case r.RA == nil || r.Dec == nil:
		return model.Measurement{}, model.WrapKind(op, model.ErrMalformedInput, fmt.Errorf("missing position"))
	case r.Mag == nil:
		return model.Measurement{}, model.WrapKind(op, model.ErrMalformedInput, fmt.Errorf("missing mag"))
	}
	magErr := 0.0
	if r.MagErr != nil {
		magErr = *r.MagErr
	}
	m, err := model.NewMeasurement(exposureID, model.Position{RA: *r.RA, Dec: *r.Dec}, *r.Mag, magErr)
	if err != nil {
		return model.Measurement{}, err
	}
	if r.Sensor != nil {
		m.Sensor = *r.Sensor
	}
	if r.X != nil {
		m.X = *r.X
	}
	if r.Y != nil {
		m.Y = *r.Y
	}
	return m, nil
}

// IngestReport counts the outcome of one batch.
type IngestReport struct {
	ExposureID     string        `json:"exposure_id"`
	Measurements   int           `json:"measurements"`
	Skipped        int           `json:"skipped"`
	ObjectsCreated int           `json:"objects_created"`
	ObjectsMatched int           `json:"objects_matched"`
	ObjectsFailed  int           `json:"objects_failed"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Ingester stores exposure batches.
type Ingester struct {
	*Mutator
}

// NewIngester returns an Ingester sharing m's store and matcher.
func NewIngester(m *Mutator) *Ingester {
	return &Ingester{Mutator: m}
}

// IngestBatch stores the exposure, upserts the reference sources at the
// ingest tolerance and inserts every valid detection unlinked. Malformed rows
// are skipped and counted. An invalid or duplicate exposure aborts the batch
// before anything is written. The exposure and its detections commit as one
// unit, so a batch that failed in transport can be submitted again; reference
// sources upserted by the failed attempt are matched, not duplicated.
func (in *Ingester) IngestBatch(ctx context.Context, exp ExposureInput, rows []Row) (rep IngestReport, err error) {
	start := time.Now()
	ctx, span := in.tracer.Start(ctx, "catalog.ingest_batch",
		trace.WithAttributes(
			attribute.String("exposure_id", exp.ID),
			attribute.Int("rows", len(rows)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordErrorByComponent("ingester", kindLabel(err))
		}
		span.End()
	}()

	e, err := exp.Exposure()
	if err != nil {
		return rep, err
	}
	rep.ExposureID = e.ID

	switch _, err := in.store.GetExposure(ctx, e.ID); {
	case err == nil:
		metrics.RecordExposureDuplicate()
		return rep, fmt.Errorf("exposure %q: %w", e.ID, repository.ErrDuplicate)
	case !errors.Is(err, model.ErrNotFound):
		return rep, fmt.Errorf("exposure %s: %w", e.ID, err)
	}

	var (
		cands  []ObjectCandidate
		visits = make([]model.Measurement, 0, len(rows))
	)
	for i, r := range rows {
		if r.Ref != nil {
			if r.Ref.RA == nil || r.Ref.Dec == nil {
				rep.ObjectsFailed++
			} else {
				cands = append(cands, ObjectCandidate{
					Pos:  model.Position{RA: *r.Ref.RA, Dec: *r.Ref.Dec},
					Mags: r.Ref.Mags,
				})
			}
		}
		m, err := r.Measurement(e.ID)
		if err != nil {
			rep.Skipped++
			in.log.Debug(ctx, "skipping row", logger.Int("row", i), logger.Error(err))
			continue
		}
		visits = append(visits, m)
	}

	if len(cands) > 0 {
		_, up, err := in.bulkUpsert(ctx, cands, in.ingestTol, sourceIngest)
		rep.ObjectsCreated, rep.ObjectsMatched = up.Created, up.Matched
		rep.ObjectsFailed += up.Failed
		if err != nil {
			return rep, fmt.Errorf("exposure %s objects: %w", e.ID, err)
		}
	}

	err = in.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.InsertExposure(ctx, e); err != nil {
			return err
		}
		if len(visits) == 0 {
			return nil
		}
		_, err := tx.InsertMeasurements(ctx, visits)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrIntegrity) {
			metrics.RecordExposureDuplicate()
		}
		return rep, fmt.Errorf("exposure %s: %w", e.ID, err)
	}
	metrics.RecordExposureIngested()
	if in.cache != nil {
		in.cache.Put(e)
	}
	rep.Measurements = len(visits)
	rep.Elapsed = time.Since(start)

	metrics.RecordMeasurementsIngested(rep.Measurements)
	metrics.RecordMeasurementSkipped(rep.Skipped)
	span.SetAttributes(
		attribute.Int("measurements", rep.Measurements),
		attribute.Int("skipped", rep.Skipped),
		attribute.Int("objects_created", rep.ObjectsCreated),
		attribute.Int("objects_matched", rep.ObjectsMatched),
	)
	in.log.Info(ctx, "ingested exposure",
		logger.String("exposure_id", e.ID),
		logger.String("filter", e.Filter),
		logger.Int("measurements", rep.Measurements),
		logger.Int("skipped", rep.Skipped),
		logger.Int("objects_created", rep.ObjectsCreated),
		logger.Int("objects_matched", rep.ObjectsMatched),
		logger.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}
