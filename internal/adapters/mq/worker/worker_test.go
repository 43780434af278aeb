package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/photdb/internal/adapters/mq/queue"
	worker "github.com/okian/photdb/internal/adapters/mq/worker"
	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/smartystreets/goconvey/convey"
)

type mockQueue struct {
	jobs chan queue.Job
	once sync.Once
}

func newMockQueue() *mockQueue {
	return &mockQueue{jobs: make(chan queue.Job, 10)}
}

func (mq *mockQueue) Dequeue(ctx context.Context) <-chan queue.Job { return mq.jobs }

func (mq *mockQueue) Close() error {
	mq.once.Do(func() { close(mq.jobs) })
	return nil
}

type mockIngester struct {
	mu   sync.Mutex
	seen []string
	errs map[string]error
}

func (m *mockIngester) IngestBatch(ctx context.Context, exp catalog.ExposureInput, rows []catalog.Row) (catalog.IngestReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, exp.ID)
	if err := m.errs[exp.ID]; err != nil {
		return catalog.IngestReport{ExposureID: exp.ID}, err
	}
	return catalog.IngestReport{ExposureID: exp.ID, Measurements: len(rows)}, nil
}

func (m *mockIngester) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func jobFor(exposureID string, rows int) queue.Job {
	return queue.Job{
		ID:         "job-" + exposureID,
		Batch:      catalog.Batch{Exposure: catalog.ExposureInput{ID: exposureID}, Rows: make([]catalog.Row, rows)},
		AcceptedAt: time.Now(),
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestWorker(t *testing.T) {
	convey.Convey("Given a worker over a queue of ingest jobs", t, func() {
		q := newMockQueue()
		ing := &mockIngester{errs: map[string]error{"bad": errors.New("boom")}}

		var (
			mu      sync.Mutex
			results = map[string]error{}
			reports = map[string]catalog.IngestReport{}
		)
		w := worker.NewInMemoryWorker(q, ing,
			worker.WithName("w-test"),
			worker.WithResultFunc(func(_ context.Context, j queue.Job, rep catalog.IngestReport, err error) {
				mu.Lock()
				defer mu.Unlock()
				results[j.Batch.Exposure.ID] = err
				reports[j.Batch.Exposure.ID] = rep
			}),
		)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When jobs succeed and fail", func() {
			q.jobs <- jobFor("good", 3)
			q.jobs <- jobFor("bad", 1)

			convey.Convey("Then every outcome reaches the result func", func() {
				convey.So(waitFor(func() bool {
					mu.Lock()
					defer mu.Unlock()
					return len(results) == 2
				}), convey.ShouldBeTrue)

				mu.Lock()
				defer mu.Unlock()
				convey.So(results["good"], convey.ShouldBeNil)
				convey.So(reports["good"].Measurements, convey.ShouldEqual, 3)
				convey.So(results["bad"], convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When the queue is closed", func() {
			_ = q.Close()

			convey.Convey("Then the worker stops by itself", func() {
				sctx, scancel := context.WithTimeout(context.Background(), time.Second)
				defer scancel()
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})

		convey.Convey("When shut down twice", func() {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()

			convey.Convey("Then both calls return", func() {
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool of workers", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		ing := &mockIngester{}
		p := worker.NewPool(4, q, ing)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		p.Start(ctx)

		convey.So(p.Size(), convey.ShouldEqual, 4)

		convey.Convey("When jobs are queued and the pool is shut down", func() {
			for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
				convey.So(q.Enqueue(ctx, jobFor(id, 1)), convey.ShouldBeTrue)
			}
			err := p.Shutdown(context.Background())

			convey.Convey("Then queued jobs are drained first", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(ing.count(), convey.ShouldEqual, 6)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
				convey.So(p.Busy(), convey.ShouldEqual, 0)
			})
		})
	})

	convey.Convey("Given a pool against a real catalog", t, func() {
		store := repository.NewMemStore(context.Background())
		defer store.Close()
		in := catalog.NewIngester(catalog.NewMutator(store))
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		p := worker.NewPool(2, q, in)
		ctx := context.Background()
		p.Start(ctx)

		ra, dec, mag := 10.0, 20.0, 19.0
		j := queue.Job{ID: "j1", Batch: catalog.Batch{
			Exposure: catalog.ExposureInput{ID: "e1", Filter: "odi_g", ExpTime: 60},
			Rows:     []catalog.Row{{RA: &ra, Dec: &dec, Mag: &mag}},
		}}

		convey.Convey("When a batch is queued", func() {
			convey.So(q.Enqueue(ctx, j), convey.ShouldBeTrue)
			convey.So(p.Shutdown(ctx), convey.ShouldBeNil)

			convey.Convey("Then it lands in the catalog", func() {
				st, err := store.Stats(ctx)
				convey.So(err, convey.ShouldBeNil)
				convey.So(st.Exposures, convey.ShouldEqual, 1)
				convey.So(st.Unmatched, convey.ShouldEqual, 1)
			})
		})
	})
}
