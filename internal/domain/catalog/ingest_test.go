package catalog_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func row(ra, dec, mag float64) catalog.Row {
	return catalog.Row{RA: ptr(ra), Dec: ptr(dec), Mag: ptr(mag), MagErr: ptr(0.02)}
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()
	exp := catalog.ExposureInput{
		ID:      "20160101T010101.1",
		Filter:  "odi_r",
		Airmass: 1.2,
		ExpTime: 120,
		Seeing:  0.8,
		DateObs: "2016-01-01T01:01:01Z",
	}

	Convey("Given an empty catalog", t, func() {
		s := repository.NewMemStore(ctx)
		defer s.Close()
		in := catalog.NewIngester(catalog.NewMutator(s, catalog.WithIngestTolerance(0.5)))

		Convey("When a batch with reference sources and a bad row is ingested", func() {
			r1 := row(30, 10, 19.1)
			r1.Sensor, r1.X, r1.Y = ptr(22), ptr(100), ptr(200)
			r1.Ref = &catalog.RefCandidate{RA: ptr(30.0), Dec: ptr(10.0), Mags: model.ExternalMags{G: ptr(19.5)}}
			r2 := row(30.00002, 10, 19.2)
			r2.Ref = &catalog.RefCandidate{RA: ptr(30.00001), Dec: ptr(10.0)}
			bad := catalog.Row{RA: ptr(31.0), Mag: ptr(18.0)}

			rep, err := in.IngestBatch(ctx, exp, []catalog.Row{r1, r2, bad})

			Convey("Then valid rows are stored unlinked and the bad one is skipped", func() {
				So(err, ShouldBeNil)
				So(rep.ExposureID, ShouldEqual, exp.ID)
				So(rep.Measurements, ShouldEqual, 2)
				So(rep.Skipped, ShouldEqual, 1)
				So(rep.ObjectsCreated, ShouldEqual, 1)
				So(rep.ObjectsMatched, ShouldEqual, 1)

				st, _ := s.Stats(ctx)
				So(st, ShouldResemble, repository.Stats{Exposures: 1, Measurements: 2, Unmatched: 2, Objects: 1})

				e, err := s.GetExposure(ctx, exp.ID)
				So(err, ShouldBeNil)
				So(e.Instrument, ShouldEqual, model.DefaultInstrument)
				So(e.ObservedAt.Year(), ShouldEqual, 2016)
			})

			Convey("Then reconciliation links the detections to the reference object", func() {
				rec, err := catalog.NewReconciler(catalog.NewMutator(s)).ReconcileUnmatched(ctx, 1, 100)
				So(err, ShouldBeNil)
				So(rec.Matched, ShouldEqual, 2)
				ms, _ := s.MeasurementsForObject(ctx, 1)
				So(len(ms), ShouldEqual, 2)
				So(ms[0].Sensor, ShouldEqual, 22)
			})

			Convey("Then the same exposure cannot be ingested twice", func() {
				_, err := in.IngestBatch(ctx, exp, []catalog.Row{row(1, 1, 20)})
				So(errors.Is(err, model.ErrIntegrity), ShouldBeTrue)
				st, _ := s.Stats(ctx)
				So(st.Measurements, ShouldEqual, 2)
			})
		})

		Convey("When storing the detections fails in transport", func() {
			down := true
			fs := &faultyStore{Store: s, insertErr: func() error {
				if down {
					return model.WrapKind("test.insert", model.ErrTransport, errors.New("connection reset"))
				}
				return nil
			}}
			flaky := catalog.NewIngester(catalog.NewMutator(fs, catalog.WithIngestTolerance(0.5)))
			r := row(40, -5, 18.5)
			r.Ref = &catalog.RefCandidate{RA: ptr(40.0), Dec: ptr(-5.0)}
			batch := []catalog.Row{r, row(40.01, -5, 19)}

			_, err := flaky.IngestBatch(ctx, exp, batch)

			Convey("Then no part of the exposure is committed", func() {
				So(errors.Is(err, model.ErrTransport), ShouldBeTrue)
				st, _ := s.Stats(ctx)
				So(st.Exposures, ShouldEqual, 0)
				So(st.Measurements, ShouldEqual, 0)
				_, err := s.GetExposure(ctx, exp.ID)
				So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			})

			Convey("Then the same batch succeeds once storage recovers", func() {
				down = false
				rep, err := flaky.IngestBatch(ctx, exp, batch)
				So(err, ShouldBeNil)
				So(rep.Measurements, ShouldEqual, 2)
				So(rep.ObjectsCreated, ShouldEqual, 0)
				So(rep.ObjectsMatched, ShouldEqual, 1)

				st, _ := s.Stats(ctx)
				So(st, ShouldResemble, repository.Stats{Exposures: 1, Measurements: 2, Unmatched: 2, Objects: 1})
			})
		})

		Convey("When the exposure metadata is malformed", func() {
			badExp := exp
			badExp.ID = "  "
			_, err := in.IngestBatch(ctx, badExp, []catalog.Row{row(1, 1, 20)})

			Convey("Then nothing is written", func() {
				So(errors.Is(err, model.ErrMalformedInput), ShouldBeTrue)
				st, _ := s.Stats(ctx)
				So(st.Exposures, ShouldEqual, 0)
				So(st.Measurements, ShouldEqual, 0)
			})
		})

		Convey("When the observation date cannot be parsed", func() {
			badExp := exp
			badExp.DateObs = "yesterday"
			_, err := in.IngestBatch(ctx, badExp, nil)

			Convey("Then the batch is malformed", func() {
				So(errors.Is(err, model.ErrMalformedInput), ShouldBeTrue)
			})
		})

		Convey("When a reference source lacks a position", func() {
			r := row(5, 5, 20)
			r.Ref = &catalog.RefCandidate{RA: ptr(5.0)}
			rep, err := in.IngestBatch(ctx, exp, []catalog.Row{r})

			Convey("Then the source is counted as failed and the detection kept", func() {
				So(err, ShouldBeNil)
				So(rep.ObjectsFailed, ShouldEqual, 1)
				So(rep.Measurements, ShouldEqual, 1)
			})
		})
	})
}

func TestDecodeBatch(t *testing.T) {
	Convey("Given a YAML batch", t, func() {
		doc := `
exposure:
  id: 20151204T005306.2
  filter: odi_g
  airmass: 1.05
  exptime: 300
  fwhm: 0.9
  dateobs: "2015-12-04T00:53:06.2Z"
rows:
  - {ra: 10.0, dec: 20.0, mag: 20.1, magerr: 0.03, ota: 33, x: 10, y: 20,
     ref: {ra: 10.0, dec: 20.0, mags: {g: 20.4, r: 19.9}}}
  - {ra: 10.5, dec: 20.5, mag: 18.7}
`
		b, err := catalog.DecodeBatch(strings.NewReader(doc))

		Convey("Then every field is decoded", func() {
			So(err, ShouldBeNil)
			So(b.Exposure.ID, ShouldEqual, "20151204T005306.2")
			So(b.Exposure.ExpTime, ShouldEqual, 300)
			So(len(b.Rows), ShouldEqual, 2)
			So(*b.Rows[0].Sensor, ShouldEqual, 33)
			So(*b.Rows[0].Ref.Mags.R, ShouldEqual, 19.9)
			So(b.Rows[1].MagErr, ShouldBeNil)
			So(b.Rows[1].Ref, ShouldBeNil)

			e, err := b.Exposure.Exposure()
			So(err, ShouldBeNil)
			So(e.ObservedAt.Nanosecond(), ShouldEqual, 200000000)
		})
	})

	Convey("Given a JSON batch", t, func() {
		doc := `{"exposure": {"id": "e1", "filter": "odi_i"}, "rows": [{"ra": 1, "dec": 2, "mag": 3}]}`
		b, err := catalog.DecodeBatch(strings.NewReader(doc))

		Convey("Then it decodes as YAML", func() {
			So(err, ShouldBeNil)
			So(b.Exposure.Filter, ShouldEqual, "odi_i")
			So(*b.Rows[0].Dec, ShouldEqual, 2)
		})
	})

	Convey("Given documents that are not batches", t, func() {
		_, unknown := catalog.DecodeBatch(strings.NewReader("exposure: {id: e1}\nbogus: 1\n"))
		_, empty := catalog.DecodeBatch(strings.NewReader("   \n"))

		Convey("Then they are malformed input", func() {
			So(errors.Is(unknown, model.ErrMalformedInput), ShouldBeTrue)
			So(errors.Is(empty, model.ErrMalformedInput), ShouldBeTrue)
		})
	})
}
