package matcher

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/okian/photdb/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// sliceFinder is a brute-force box query used to exercise the matcher.
type sliceFinder struct {
	objects  []model.ReferenceObject
	lastHalf float64
	calls    int
	err      error
}

func (f *sliceFinder) RangeQueryObjects(_ context.Context, ra, dec, half float64) ([]model.ReferenceObject, error) {
	f.calls++
	f.lastHalf = half
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ReferenceObject
	for _, o := range f.objects {
		if math.Abs(o.Pos.RA-ra) <= half && math.Abs(o.Pos.Dec-dec) <= half {
			out = append(out, o)
		}
	}
	return out, nil
}

func obj(id int64, ra, dec float64) model.ReferenceObject {
	return model.ReferenceObject{ID: id, Pos: model.Position{RA: ra, Dec: dec}}
}

func TestMatchObject(t *testing.T) {
	ctx := context.Background()
	m := New()

	Convey("Given an empty catalog", t, func() {
		f := &sliceFinder{}

		Convey("When matching any position", func() {
			_, ok, err := m.MatchObject(ctx, f, 10, 20, 0.5)

			Convey("Then there is no match and no error", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
			})
		})
	})

	Convey("Given one object at (10, 20)", t, func() {
		f := &sliceFinder{objects: []model.ReferenceObject{obj(1, 10, 20)}}

		Convey("When a measurement lies about 0.5 arcsec away with 1 arcsec tolerance", func() {
			o, ok, err := m.MatchObject(ctx, f, 10.0001, 20.0001, 1.0)

			Convey("Then the existing object is returned", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(o.ID, ShouldEqual, 1)
			})
		})

		Convey("When a measurement lies about 36 arcsec away", func() {
			_, ok, err := m.MatchObject(ctx, f, 10.01, 20.01, 1.0)

			Convey("Then nothing matches", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
			})
		})

		Convey("Then the box is six tolerances wide", func() {
			_, _, _ = m.MatchObject(ctx, f, 10, 20, 0.5)
			So(f.lastHalf, ShouldAlmostEqual, 6*0.5/3600, 1e-12)
		})
	})

	Convey("Given an object exactly one tolerance away", t, func() {
		f := &sliceFinder{objects: []model.ReferenceObject{obj(1, 10, 0)}}

		Convey("When matching with that tolerance", func() {
			_, ok, err := m.MatchObject(ctx, f, 10, 1.0/3600, 1.0)

			Convey("Then the boundary is rejected", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
			})
		})
	})

	Convey("Given two candidates inside tolerance", t, func() {
		f := &sliceFinder{objects: []model.ReferenceObject{
			obj(1, 10.0002, 20),
			obj(2, 10.00005, 20),
		}}

		Convey("Then the nearest wins", func() {
			o, ok, err := m.MatchObject(ctx, f, 10, 20, 1.0)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(o.ID, ShouldEqual, 2)
		})
	})

	Convey("Given two candidates at the same distance", t, func() {
		f := &sliceFinder{objects: []model.ReferenceObject{
			obj(7, 10, 20.5),
			obj(3, 10, 19.5),
		}}

		Convey("Then the first seen wins", func() {
			o, ok := Nearest(f.objects, 10, 20, 1)
			So(ok, ShouldBeTrue)
			So(o.ID, ShouldEqual, 7)
		})
	})

	Convey("Given invalid input", t, func() {
		f := &sliceFinder{}

		Convey("Then a non-positive tolerance is malformed", func() {
			_, _, err := m.MatchObject(ctx, f, 10, 20, 0)
			So(errors.Is(err, model.ErrMalformedInput), ShouldBeTrue)
		})

		Convey("Then an out-of-range position is malformed", func() {
			_, _, err := m.MatchObject(ctx, f, 400, 20, 1)
			So(errors.Is(err, model.ErrMalformedInput), ShouldBeTrue)
			So(f.calls, ShouldEqual, 0)
		})
	})

	Convey("Given a failing store", t, func() {
		cause := model.WrapKind("store", model.ErrTransport, errors.New("connection refused"))
		f := &sliceFinder{err: cause}

		Convey("Then the transport error is surfaced", func() {
			_, _, err := m.MatchObject(ctx, f, 10, 20, 1)
			So(errors.Is(err, model.ErrTransport), ShouldBeTrue)
		})
	})
}

func TestFindCandidates(t *testing.T) {
	ctx := context.Background()
	m := New()

	Convey("Given objects around (10, 20)", t, func() {
		f := &sliceFinder{objects: []model.ReferenceObject{
			obj(1, 10, 20),
			obj(2, 10.0005, 20.0005),
			obj(3, 10.01, 20),
		}}

		Convey("When searching a 3 arcsec box", func() {
			got, err := m.FindCandidates(ctx, f, 10, 20, 3)

			Convey("Then only objects inside the box are returned", func() {
				So(err, ShouldBeNil)
				So(len(got), ShouldEqual, 2)
			})
		})

		Convey("When searching with a zero radius", func() {
			got, err := m.FindCandidates(ctx, f, 10, 20, 0)

			Convey("Then the coincident object is still returned", func() {
				So(err, ShouldBeNil)
				So(len(got), ShouldEqual, 1)
				So(got[0].ID, ShouldEqual, 1)
			})
		})

		Convey("When the radius is negative", func() {
			_, err := m.FindCandidates(ctx, f, 10, 20, -1)
			So(errors.Is(err, model.ErrMalformedInput), ShouldBeTrue)
		})
	})
}

func TestBoxHalfWidth(t *testing.T) {
	Convey("Given the default matcher", t, func() {
		m := New()

		Convey("Then near the equator the box is six tolerances", func() {
			So(m.BoxHalfWidth(0, 1), ShouldAlmostEqual, 6.0/3600, 1e-12)
		})

		Convey("Then at high declination the box widens with 1/cos(dec)", func() {
			So(m.BoxHalfWidth(89.9, 1), ShouldBeGreaterThan, 6.0/3600)
		})

		Convey("Then the box is capped", func() {
			So(m.BoxHalfWidth(10, 3600*5), ShouldEqual, 5.0)
			So(New(WithMaxBoxDeg(0.001)).BoxHalfWidth(0, 1), ShouldEqual, 0.001)
		})

		Convey("Then a multiplier below one is ignored", func() {
			So(New(WithBoxMultiplier(0.5)).BoxHalfWidth(0, 1), ShouldAlmostEqual, 6.0/3600, 1e-12)
		})
	})
}

func TestMatchDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	m := New()
	ctx := context.Background()

	properties.Property("matching twice without writes gives the same answer", prop.ForAll(
		func(offsets []float64, ra, dec float64) bool {
			f := &sliceFinder{}
			for i, off := range offsets {
				f.objects = append(f.objects, obj(int64(i+1), ra+off, dec-off))
			}
			a, okA, errA := m.MatchObject(ctx, f, ra, dec, 1.0)
			b, okB, errB := m.MatchObject(ctx, f, ra, dec, 1.0)
			return errA == nil && errB == nil && okA == okB && a.ID == b.ID
		},
		gen.SliceOf(gen.Float64Range(-0.001, 0.001)),
		gen.Float64Range(1, 359),
		gen.Float64Range(-80, 80),
	))

	properties.Property("a stored object always matches its own position", prop.ForAll(
		func(ra, dec float64) bool {
			f := &sliceFinder{objects: []model.ReferenceObject{obj(9, ra, dec)}}
			o, ok, err := m.MatchObject(ctx, f, ra, dec, 0.5)
			return err == nil && ok && o.ID == 9
		},
		gen.Float64Range(0, 359.99),
		gen.Float64Range(-90, 90),
	))

	properties.TestingRun(t)
}
