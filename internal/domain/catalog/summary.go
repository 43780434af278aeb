package catalog

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/okian/photdb/internal/domain/model"
)

// MaxObjectRange bounds the id span of one ObjectsByIDRange call.
const MaxObjectRange = 10000

// Visit is a measurement joined with its exposure.
type Visit struct {
	model.Measurement
	Filter     string    `json:"filter"`
	ObservedAt time.Time `json:"dateobs"`
	ExpTime    float64   `json:"exptime"`
	// Calibrated is mag + zero-point + 2.5 log10(exptime); nil until the
	// exposure has a zero-point.
	Calibrated *float64 `json:"calibrated_mag,omitempty"`
}

func newVisit(meas model.Measurement, e model.Exposure) Visit {
	v := Visit{
		Measurement: meas,
		Filter:      e.Filter,
		ObservedAt:  e.ObservedAt,
		ExpTime:     e.ExpTime,
	}
	if e.ZeroPoint != nil && e.ExpTime > 0 {
		c := meas.Mag + *e.ZeroPoint + 2.5*math.Log10(e.ExpTime)
		v.Calibrated = &c
	}
	return v
}

// VisitQuery narrows the visits of a light curve. Empty fields match all.
type VisitQuery struct {
	MinVisits   int      `json:"min_visits"`
	Filter      string   `json:"filter,omitempty"`
	ExposureIDs []string `json:"exposure_ids,omitempty"`
}

func (q VisitQuery) match(e model.Exposure) bool {
	if q.Filter != "" && e.Filter != q.Filter {
		return false
	}
	return len(q.ExposureIDs) == 0 || slices.Contains(q.ExposureIDs, e.ID)
}

// Summary is an object's light curve.
type Summary struct {
	Object  model.ReferenceObject `json:"object"`
	Visits  []Visit               `json:"visits"`
	MeanMag float64               `json:"mean_mag"`
	StdMag  float64               `json:"std_mag"`
}

// Summarize returns objectID with the visits selected by q and the mean and
// population standard deviation of their instrumental magnitudes. With fewer
// than q.MinVisits selected visits the list is empty and the statistics are
// zero. Restrict q to one filter for a meaningful mean.
func (m *Mutator) Summarize(ctx context.Context, objectID int64, q VisitQuery) (Summary, error) {
	obj, err := m.store.GetObject(ctx, objectID)
	if err != nil {
		return Summary{}, err
	}
	ms, err := m.store.MeasurementsForObject(ctx, objectID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Object: obj, Visits: []Visit{}}

	visits := make([]Visit, 0, len(ms))
	for _, meas := range ms {
		e, err := m.GetExposure(ctx, meas.ExposureID)
		if err != nil {
			return Summary{}, err
		}
		if q.match(e) {
			visits = append(visits, newVisit(meas, e))
		}
	}
	if len(visits) == 0 || len(visits) < q.MinVisits {
		return s, nil
	}

	mags := make([]float64, len(visits))
	for i, v := range visits {
		mags[i] = v.Mag
	}
	s.Visits = visits
	s.MeanMag, s.StdMag = meanStd(mags)
	return s, nil
}

// ExposureVisits is one exposure with every detection it holds.
type ExposureVisits struct {
	Exposure model.Exposure `json:"exposure"`
	Visits   []Visit        `json:"visits"`
}

// VisitsForExposure returns the detections of one exposure joined with its
// calibration. An unknown exposure is ErrNotFound.
func (m *Mutator) VisitsForExposure(ctx context.Context, exposureID string) (ExposureVisits, error) {
	e, err := m.GetExposure(ctx, exposureID)
	if err != nil {
		return ExposureVisits{}, err
	}
	ms, err := m.store.MeasurementsForExposure(ctx, exposureID)
	if err != nil {
		return ExposureVisits{}, err
	}
	out := ExposureVisits{Exposure: e, Visits: make([]Visit, 0, len(ms))}
	for _, meas := range ms {
		out.Visits = append(out.Visits, newVisit(meas, e))
	}
	return out, nil
}

// ObjectsByIDRange lists the objects with minID <= id <= maxID. Ids start at
// 1 and the span is limited to MaxObjectRange ids.
func (m *Mutator) ObjectsByIDRange(ctx context.Context, minID, maxID int64) ([]model.ReferenceObject, error) {
	const op = "catalog.objects_by_id"
	minID = max(minID, 1)
	switch {
	case minID > maxID:
		return nil, model.WrapKind(op, model.ErrMalformedInput, fmt.Errorf("min id %d above max id %d", minID, maxID))
	case maxID-minID >= MaxObjectRange:
		return nil, model.WrapKind(op, model.ErrMalformedInput, fmt.Errorf("range spans more than %d ids", MaxObjectRange))
	}
	return m.store.ObjectsByIDRange(ctx, minID, maxID)
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
