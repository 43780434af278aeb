package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/okian/photdb/internal/adapters/lock"
	service "github.com/okian/photdb/internal/app"
	"github.com/okian/photdb/internal/config"
	"github.com/okian/photdb/internal/domain/catalog"
	. "github.com/smartystreets/goconvey/convey"
)

func TestServiceIntegration(t *testing.T) {
	Convey("Given a sqlite-backed service with background reconciliation", t, func() {
		svc := startService(t,
			service.WithDriver(config.DriverSQLite, "", 0),
			service.WithLocker(lock.NewLocal(), 0.1),
			service.WithReconcile(50, 2, 20*time.Millisecond),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		Convey("When three exposures of the same field are submitted", func() {
			const sources = 40
			for e := 0; e < 3; e++ {
				rows := make([]catalog.Row, 0, sources)
				for i := 0; i < sources; i++ {
					// 0.01 deg apart, jittered well inside one arcsecond
					rows = append(rows, row(150+float64(i)*0.01+float64(e)*1e-5, 2.2, 19+float64(e)*0.1))
				}
				ack, ok := svc.Submit(ctx, batch(fmt.Sprintf("20151204T00530%d.2", e), rows...))
				So(ok, ShouldBeTrue)
				So(ack.Duplicate, ShouldBeFalse)
			}

			Convey("Then the background loop links every measurement to one object per source", func() {
				So(waitFor(func() bool {
					st, err := svc.GetStats(ctx)
					return err == nil && st.Catalog.Measurements == 3*sources && st.Catalog.Unmatched == 0
				}), ShouldBeTrue)

				st, err := svc.GetStats(ctx)
				So(err, ShouldBeNil)
				So(st.Catalog.Exposures, ShouldEqual, 3)
				So(st.Catalog.Objects, ShouldEqual, sources)

				res, err := svc.Match(ctx, 150, 2.2, 0)
				So(err, ShouldBeNil)
				So(res.Matched, ShouldBeTrue)

				sum, err := svc.Object(ctx, res.Object.ID, catalog.VisitQuery{MinVisits: 3, Filter: "odi_g"})
				So(err, ShouldBeNil)
				So(len(sum.Visits), ShouldEqual, 3)
				So(sum.MeanMag, ShouldAlmostEqual, 19.1, 1e-9)

				sum, err = svc.Object(ctx, res.Object.ID, catalog.VisitQuery{ExposureIDs: []string{"20151204T005301.2"}})
				So(err, ShouldBeNil)
				So(len(sum.Visits), ShouldEqual, 1)
				So(sum.MeanMag, ShouldAlmostEqual, 19.1, 1e-9)

				ev, err := svc.ExposureVisits(ctx, "20151204T005302.2")
				So(err, ShouldBeNil)
				So(len(ev.Visits), ShouldEqual, sources)
				for _, v := range ev.Visits {
					So(v.ObjectID, ShouldNotBeNil)
				}

				objs, err := svc.Objects(ctx, 1, 1000)
				So(err, ShouldBeNil)
				So(len(objs), ShouldEqual, sources)
			})
		})
	})
}
