package types_test

import (
	"encoding/json"
	"testing"

	"github.com/okian/photdb/internal/domain/model"
	types "github.com/okian/photdb/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestIngestAck(t *testing.T) {
	Convey("Given acknowledgements for submitted batches", t, func() {
		Convey("When a batch is accepted", func() {
			ack := types.Accepted("20151204T005306.2", "job-1")

			Convey("Then it carries the job id and is not a duplicate", func() {
				So(ack.Status, ShouldEqual, types.StatusAccepted)
				So(ack.JobID, ShouldEqual, "job-1")
				So(ack.Duplicate, ShouldBeFalse)
			})
		})

		Convey("When a batch is a duplicate", func() {
			ack := types.Duplicate("20151204T005306.2")
			raw, err := json.Marshal(ack)

			Convey("Then no job id is encoded", func() {
				So(err, ShouldBeNil)
				So(ack.Duplicate, ShouldBeTrue)
				So(string(raw), ShouldNotContainSubstring, "job_id")
				So(string(raw), ShouldContainSubstring, `"status":"duplicate"`)
			})
		})
	})
}

func TestMatchResult(t *testing.T) {
	Convey("Given a matcher outcome", t, func() {
		obj := model.ReferenceObject{ID: 7, Pos: model.Position{RA: 10, Dec: 20}}

		Convey("When an object matched", func() {
			res := types.NewMatchResult(obj, true, 1.0)

			Convey("Then the object is reported", func() {
				So(res.Matched, ShouldBeTrue)
				So(res.Object.ID, ShouldEqual, 7)
			})
		})

		Convey("When nothing matched", func() {
			res := types.NewMatchResult(obj, false, 1.0)

			Convey("Then the object is omitted", func() {
				So(res.Matched, ShouldBeFalse)
				So(res.Object, ShouldBeNil)
				So(res.Tolerance, ShouldEqual, 1.0)
			})
		})
	})
}
