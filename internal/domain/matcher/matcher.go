// Package matcher resolves a sky position to the nearest reference object
// within an angular tolerance.
package matcher

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/internal/domain/sky"
	"github.com/okian/photdb/pkg/logger"
	"github.com/okian/photdb/pkg/metrics"
)

// ObjectFinder is the box query the matcher needs from storage.
type ObjectFinder interface {
	RangeQueryObjects(ctx context.Context, ra, dec, halfWidthDeg float64) ([]model.ReferenceObject, error)
}

// Matcher performs single nearest-neighbour searches against a catalog.
type Matcher struct {
	boxMultiplier float64
	maxBoxDeg     float64
	log           logger.Logger
}

// New returns a Matcher with the given options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		boxMultiplier: DefaultBoxMultiplier,
		maxBoxDeg:     DefaultMaxBoxDeg,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Default("matcher")
	}
	return m
}

// FindCandidates returns every object inside the axis-aligned box of
// radiusArcsec around (ra, dec). Order is unspecified.
func (m *Matcher) FindCandidates(ctx context.Context, f ObjectFinder, ra, dec, radiusArcsec float64) ([]model.ReferenceObject, error) {
	if radiusArcsec < 0 || math.IsNaN(radiusArcsec) {
		return nil, model.WrapKind("matcher.find_candidates", model.ErrMalformedInput, fmt.Errorf("invalid radius %v", radiusArcsec))
	}
	if err := (model.Position{RA: ra, Dec: dec}).Validate(); err != nil {
		return nil, model.WrapKind("matcher.find_candidates", model.ErrMalformedInput, err)
	}
	return f.RangeQueryObjects(ctx, ra, dec, sky.ArcsecToDeg(radiusArcsec))
}

// BoxHalfWidth returns the candidate box half-width in degrees for a
// tolerance at the given declination. The box is never narrower than the
// accept radius once RA is projected by cos(dec).
func (m *Matcher) BoxHalfWidth(dec, toleranceArcsec float64) float64 {
	tol := sky.ArcsecToDeg(toleranceArcsec)
	half := tol * m.boxMultiplier
	if c := math.Cos(dec * math.Pi / 180); math.Abs(dec) < 90 && c > 0 {
		half = math.Max(half, tol/c)
	}
	return math.Min(half, math.Max(m.maxBoxDeg, tol))
}

// MatchObject returns the candidate closest to (ra, dec) when it lies
// strictly within toleranceArcsec. The boolean is false when nothing
// qualifies, which is a normal outcome.
func (m *Matcher) MatchObject(ctx context.Context, f ObjectFinder, ra, dec, toleranceArcsec float64) (model.ReferenceObject, bool, error) {
	const op = "matcher.match_object"
	if toleranceArcsec <= 0 || math.IsNaN(toleranceArcsec) || math.IsInf(toleranceArcsec, 0) {
		return model.ReferenceObject{}, false, model.WrapKind(op, model.ErrMalformedInput, fmt.Errorf("invalid tolerance %v", toleranceArcsec))
	}
	if err := (model.Position{RA: ra, Dec: dec}).Validate(); err != nil {
		return model.ReferenceObject{}, false, model.WrapKind(op, model.ErrMalformedInput, err)
	}

	start := time.Now()
	candidates, err := f.RangeQueryObjects(ctx, ra, dec, m.BoxHalfWidth(dec, toleranceArcsec))
	if err != nil {
		return model.ReferenceObject{}, false, err
	}
	metrics.RecordMatchCandidates(len(candidates))

	best, ok := Nearest(candidates, ra, dec, sky.Tolerance2(toleranceArcsec))
	metrics.RecordMatchLatency(float64(time.Since(start).Microseconds()) / 1000)

	m.log.Debug(ctx, "match decision",
		logger.Float64("ra", ra),
		logger.Float64("dec", dec),
		logger.Int("candidates", len(candidates)),
		logger.Bool("matched", ok),
	)
	return best, ok, nil
}

// Nearest picks the candidate with the smallest Distance2 and accepts it only
// when that distance is strictly below tol2. On exact ties the first
// candidate wins.
func Nearest(candidates []model.ReferenceObject, ra, dec, tol2 float64) (model.ReferenceObject, bool) {
	bestIdx := -1
	bestD := math.Inf(1)
	for i, c := range candidates {
		if d := sky.Distance2(ra, dec, c.Pos.RA, c.Pos.Dec); d < bestD {
			bestD = d
			bestIdx = i
		}
	}
	if bestIdx < 0 || !(bestD < tol2) {
		return model.ReferenceObject{}, false
	}
	return candidates[bestIdx], true
}
