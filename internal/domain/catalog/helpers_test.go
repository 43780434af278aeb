package catalog_test

import (
	"context"
	"sync"
	"testing"

	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/model"
)

const testExposure = "20151204T005306.2"

func newStore(t *testing.T) *repository.MemStore {
	t.Helper()
	s := repository.NewMemStore(context.Background())
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InsertExposure(context.Background(), model.Exposure{ID: testExposure, Instrument: "5odi", Filter: "odi_g", ExpTime: 300}); err != nil {
		t.Fatalf("insert exposure: %v", err)
	}
	return s
}

func addVisits(t *testing.T, s repository.Store, pos ...model.Position) []int64 {
	t.Helper()
	ms := make([]model.Measurement, 0, len(pos))
	for _, p := range pos {
		m, err := model.NewMeasurement(testExposure, p, 20, 0.05)
		if err != nil {
			t.Fatalf("measurement: %v", err)
		}
		ms = append(ms, m)
	}
	ids, err := s.InsertMeasurements(context.Background(), ms)
	if err != nil {
		t.Fatalf("insert measurements: %v", err)
	}
	return ids
}

func ptr[T any](v T) *T { return &v }

// faultyStore injects failures into selected operations, including those
// made inside a unit of work.
type faultyStore struct {
	repository.Store
	linkErr   func(measurementID int64) error
	selectErr error
	insertErr func() error
}

func (f *faultyStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return f.Store.InTx(ctx, func(tx repository.Store) error {
		return fn(&faultyStore{Store: tx, linkErr: f.linkErr, selectErr: f.selectErr, insertErr: f.insertErr})
	})
}

func (f *faultyStore) InsertMeasurements(ctx context.Context, ms []model.Measurement) ([]int64, error) {
	if f.insertErr != nil {
		if err := f.insertErr(); err != nil {
			return nil, err
		}
	}
	return f.Store.InsertMeasurements(ctx, ms)
}

func (f *faultyStore) UpdateMeasurementObjectRef(ctx context.Context, measurementID, objectID int64) error {
	if f.linkErr != nil {
		if err := f.linkErr(measurementID); err != nil {
			return err
		}
	}
	return f.Store.UpdateMeasurementObjectRef(ctx, measurementID, objectID)
}

func (f *faultyStore) SelectUnmatchedMeasurements(ctx context.Context, q repository.UnmatchedQuery) ([]model.Unmatched, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.Store.SelectUnmatchedMeasurements(ctx, q)
}

// gatedStore holds the first GetExposure after it has read the store until
// release is closed.
type gatedStore struct {
	repository.Store
	loaded  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) GetExposure(ctx context.Context, id string) (model.Exposure, error) {
	e, err := g.Store.GetExposure(ctx, id)
	g.once.Do(func() {
		close(g.loaded)
		<-g.release
	})
	return e, err
}
