package synth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/types"
	"github.com/okian/photdb/internal/synth"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeServer answers like the photdb API: first submission of an exposure
// is accepted, repeats are duplicates, ids listed in reject get a 429.
type fakeServer struct {
	mu      sync.Mutex
	seen    map[string]bool
	reject  map[string]bool
	healthy bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		healthy := f.healthy
		f.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /exposures", func(w http.ResponseWriter, r *http.Request) {
		b, err := catalog.DecodeBatch(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		id := b.Exposure.ID
		switch {
		case f.reject[id]:
			w.WriteHeader(http.StatusTooManyRequests)
		case f.seen[id]:
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(types.Duplicate(id))
		default:
			f.seen[id] = true
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(types.Accepted(id, "job"))
		}
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		n := int64(len(f.seen))
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(types.Stats{Started: true, Catalog: repository.Stats{Exposures: n}})
	})
	mux.HandleFunc("POST /reconcile", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(catalog.Report{RunID: "run-1", Passes: 1, Created: 3})
	})
	return mux
}

func TestClient(t *testing.T) {
	Convey("Given a running service", t, func() {
		fake := &fakeServer{seen: map[string]bool{}, reject: map[string]bool{}, healthy: true}
		srv := httptest.NewServer(fake.handler())
		defer srv.Close()

		s, err := synth.Generate(smallConfig())
		So(err, ShouldBeNil)
		client := synth.NewClient(srv.URL + "/")
		ctx := context.Background()

		Convey("When the health check runs", func() {
			Convey("Then a healthy service passes", func() {
				So(client.Health(ctx), ShouldBeNil)
			})

			Convey("Then an unhealthy service fails", func() {
				fake.mu.Lock()
				fake.healthy = false
				fake.mu.Unlock()
				So(errors.Is(client.Health(ctx), synth.ErrUnhealthy), ShouldBeTrue)
			})
		})

		Convey("When the batches are submitted twice", func() {
			fake.mu.Lock()
			fake.reject[s.Batches[2].Exposure.ID] = true
			fake.mu.Unlock()
			first, err1 := client.Submit(ctx, s.Batches, 2)
			second, err2 := client.Submit(ctx, s.Batches, 2)

			Convey("Then outcomes are counted per batch", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first.Accepted, ShouldEqual, 2)
				So(first.Failed, ShouldEqual, 1)
				So(second.Duplicate, ShouldEqual, 2)
				So(second.Failed, ShouldEqual, 1)
			})

			Convey("Then the service reports the ingested exposures", func() {
				wctx, cancel := context.WithTimeout(ctx, time.Second)
				defer cancel()
				st, err := client.WaitIngested(wctx, 2, 10*time.Millisecond)
				So(err, ShouldBeNil)
				So(st.Catalog.Exposures, ShouldEqual, 2)
			})
		})

		Convey("When a reconcile run is triggered", func() {
			rep, err := client.Reconcile(ctx)

			Convey("Then the report is returned", func() {
				So(err, ShouldBeNil)
				So(rep.RunID, ShouldEqual, "run-1")
				So(rep.Created, ShouldEqual, 3)
			})
		})

		Convey("When the context is already cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			st, err := client.Submit(cctx, s.Batches, 1)

			Convey("Then the run stops with the context error", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				So(st.Accepted, ShouldEqual, 0)
			})
		})
	})
}
