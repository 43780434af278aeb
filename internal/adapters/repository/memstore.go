package repository

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/pkg/metrics"
)

// MemStore is an in-process catalog. Objects are indexed by a treap ordered
// by (dec, id) so box queries walk only the declination band.
//
// All writes and every InTx unit hold the store lock exclusively, which gives
// serializable isolation.
type MemStore struct {
	mu        sync.RWMutex
	exposures map[string]model.Exposure
	visits     []model.Measurement // visits[id-1]
	byObject   map[int64][]int64
	byExposure map[string][]int64
	unmatched  int64

	root       *node
	objects    map[int64]model.ReferenceObject
	nextObject int64

	metricsUpdateInterval time.Duration
	closed                atomic.Bool
	wg                    sync.WaitGroup
	stopChan              chan struct{}
}

// treap node
type node struct {
	dec   float64
	id    int64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less orders nodes by declination, then by id.
func less(aDec float64, aID int64, bDec float64, bID int64) bool {
	if aDec != bDec {
		return aDec < bDec
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fix(x)
	fix(y)
	return y
}

func insert(n *node, dec float64, id int64) *node {
	if n == nil {
		return &node{dec: dec, id: id, prio: rand.Uint64(), size: 1}
	}
	if less(dec, id, n.dec, n.id) {
		n.left = insert(n.left, dec, id)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, dec, id)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, dec float64, id int64) *node {
	if n == nil {
		return nil
	}
	if dec == n.dec && id == n.id {
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, dec, id)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, dec, id)
		}
	} else if less(dec, id, n.dec, n.id) {
		n.left = deleteNode(n.left, dec, id)
	} else {
		n.right = deleteNode(n.right, dec, id)
	}
	fix(n)
	return n
}

// collectBand appends the ids of nodes with lo <= dec <= hi, in order.
func collectBand(n *node, lo, hi float64, out *[]int64) {
	if n == nil {
		return
	}
	if n.dec >= lo {
		collectBand(n.left, lo, hi, out)
	}
	if n.dec >= lo && n.dec <= hi {
		*out = append(*out, n.id)
	}
	if n.dec <= hi {
		collectBand(n.right, lo, hi, out)
	}
}

// NewMemStore constructs an empty in-memory catalog.
func NewMemStore(ctx context.Context, opts ...Option) *MemStore {
	s := &MemStore{
		exposures:             make(map[string]model.Exposure),
		byObject:              make(map[int64][]int64),
		byExposure:            make(map[string][]int64),
		objects:               make(map[int64]model.ReferenceObject),
		metricsUpdateInterval: 5 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Close stops the background metrics updater.
func (s *MemStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.stopChan)
	}
	s.wg.Wait()
	return nil
}

func (s *MemStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				st, _ := s.Stats(ctx)
				metrics.UpdateCatalogObjects(st.Objects)
				metrics.UpdateUnmatchedBacklog(st.Unmatched)
			}
		}
	}()
}

func (s *MemStore) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// memTx is the view handed to InTx callbacks. It runs with the store lock
// held and records undo steps.
type memTx struct {
	s    *MemStore
	undo []func()
}

// write runs fn under the exclusive lock as its own unit.
func (s *MemStore) write(fn func(tx *memTx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemStore) read(fn func(tx *memTx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s})
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// InTx runs fn while holding the store lock exclusively. Any error undoes the
// writes fn made.
func (s *MemStore) InTx(ctx context.Context, fn func(Store) error) error {
	return s.write(func(tx *memTx) error { return fn(tx) })
}

func (s *MemStore) InsertExposure(ctx context.Context, e model.Exposure) error {
	return s.write(func(tx *memTx) error { return tx.InsertExposure(ctx, e) })
}

func (s *MemStore) GetExposure(ctx context.Context, id string) (model.Exposure, error) {
	var out model.Exposure
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetExposure(ctx, id)
		return err
	})
	return out, err
}

func (s *MemStore) ExposureIDsByFilter(ctx context.Context, filter string) ([]string, error) {
	var out []string
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ExposureIDsByFilter(ctx, filter)
		return err
	})
	return out, err
}

func (s *MemStore) SetExposureZeroPoint(ctx context.Context, id string, zp float64) error {
	return s.write(func(tx *memTx) error { return tx.SetExposureZeroPoint(ctx, id, zp) })
}

func (s *MemStore) InsertMeasurement(ctx context.Context, m model.Measurement) (int64, error) {
	var id int64
	err := s.write(func(tx *memTx) (err error) {
		id, err = tx.InsertMeasurement(ctx, m)
		return err
	})
	return id, err
}

func (s *MemStore) InsertMeasurements(ctx context.Context, ms []model.Measurement) ([]int64, error) {
	var ids []int64
	err := s.write(func(tx *memTx) (err error) {
		ids, err = tx.InsertMeasurements(ctx, ms)
		return err
	})
	return ids, err
}

func (s *MemStore) MeasurementsForObject(ctx context.Context, objectID int64) ([]model.Measurement, error) {
	var out []model.Measurement
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.MeasurementsForObject(ctx, objectID)
		return err
	})
	return out, err
}

func (s *MemStore) MeasurementsForExposure(ctx context.Context, exposureID string) ([]model.Measurement, error) {
	var out []model.Measurement
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.MeasurementsForExposure(ctx, exposureID)
		return err
	})
	return out, err
}

func (s *MemStore) ObjectsByIDRange(ctx context.Context, minID, maxID int64) ([]model.ReferenceObject, error) {
	var out []model.ReferenceObject
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ObjectsByIDRange(ctx, minID, maxID)
		return err
	})
	return out, err
}

func (s *MemStore) RangeQueryObjects(ctx context.Context, ra, dec, halfWidthDeg float64) ([]model.ReferenceObject, error) {
	var out []model.ReferenceObject
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.RangeQueryObjects(ctx, ra, dec, halfWidthDeg)
		return err
	})
	return out, err
}

func (s *MemStore) InsertObject(ctx context.Context, o model.ReferenceObject) (int64, error) {
	var id int64
	err := s.write(func(tx *memTx) (err error) {
		id, err = tx.InsertObject(ctx, o)
		return err
	})
	return id, err
}

func (s *MemStore) GetObject(ctx context.Context, id int64) (model.ReferenceObject, error) {
	var out model.ReferenceObject
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetObject(ctx, id)
		return err
	})
	return out, err
}

func (s *MemStore) UpdateMeasurementObjectRef(ctx context.Context, measurementID, objectID int64) error {
	return s.write(func(tx *memTx) error { return tx.UpdateMeasurementObjectRef(ctx, measurementID, objectID) })
}

func (s *MemStore) SelectUnmatchedMeasurements(ctx context.Context, q UnmatchedQuery) ([]model.Unmatched, error) {
	var out []model.Unmatched
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.SelectUnmatchedMeasurements(ctx, q)
		return err
	})
	return out, err
}

func (s *MemStore) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.Stats(ctx)
		return err
	})
	return out, err
}

// Operations below run with the store lock already held.

func (tx *memTx) InTx(ctx context.Context, fn func(Store) error) error { return fn(tx) }

func (tx *memTx) Close() error { return nil }

func (tx *memTx) InsertExposure(_ context.Context, e model.Exposure) error {
	s := tx.s
	if _, ok := s.exposures[e.ID]; ok {
		return fmt.Errorf("exposure %q: %w", e.ID, ErrDuplicate)
	}
	s.exposures[e.ID] = e
	tx.undo = append(tx.undo, func() { delete(s.exposures, e.ID) })
	return nil
}

func (tx *memTx) GetExposure(_ context.Context, id string) (model.Exposure, error) {
	e, ok := tx.s.exposures[id]
	if !ok {
		return model.Exposure{}, model.WrapKind("repository.get_exposure", ErrNotFound, fmt.Errorf("exposure %q", id))
	}
	return e, nil
}

func (tx *memTx) ExposureIDsByFilter(_ context.Context, filter string) ([]string, error) {
	out := make([]string, 0)
	for id, e := range tx.s.exposures {
		if e.Filter == filter {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (tx *memTx) SetExposureZeroPoint(_ context.Context, id string, zp float64) error {
	s := tx.s
	e, ok := s.exposures[id]
	if !ok {
		return model.WrapKind("repository.set_zeropoint", ErrNotFound, fmt.Errorf("exposure %q", id))
	}
	prev := e
	e.ZeroPoint = &zp
	s.exposures[id] = e
	tx.undo = append(tx.undo, func() { s.exposures[id] = prev })
	return nil
}

func (tx *memTx) InsertMeasurement(_ context.Context, m model.Measurement) (int64, error) {
	s := tx.s
	if _, ok := s.exposures[m.ExposureID]; !ok {
		return 0, fmt.Errorf("visit for exposure %q: %w", m.ExposureID, ErrDanglingRef)
	}
	if m.ObjectID != nil {
		if _, ok := s.objects[*m.ObjectID]; !ok {
			return 0, fmt.Errorf("visit for object %d: %w", *m.ObjectID, ErrDanglingRef)
		}
	}
	m.ID = int64(len(s.visits) + 1)
	s.visits = append(s.visits, m)
	s.byExposure[m.ExposureID] = append(s.byExposure[m.ExposureID], m.ID)
	if m.ObjectID == nil {
		s.unmatched++
	} else {
		s.byObject[*m.ObjectID] = append(s.byObject[*m.ObjectID], m.ID)
	}
	tx.undo = append(tx.undo, func() {
		s.visits = s.visits[:len(s.visits)-1]
		if ids := s.byExposure[m.ExposureID]; len(ids) == 1 {
			delete(s.byExposure, m.ExposureID)
		} else {
			s.byExposure[m.ExposureID] = ids[:len(ids)-1]
		}
		if m.ObjectID == nil {
			s.unmatched--
		} else {
			ids := s.byObject[*m.ObjectID]
			s.byObject[*m.ObjectID] = ids[:len(ids)-1]
		}
	})
	return m.ID, nil
}

func (tx *memTx) InsertMeasurements(ctx context.Context, ms []model.Measurement) ([]int64, error) {
	mark := len(tx.undo)
	ids := make([]int64, 0, len(ms))
	for i := range ms {
		id, err := tx.InsertMeasurement(ctx, ms[i])
		if err != nil {
			for j := len(tx.undo) - 1; j >= mark; j-- {
				tx.undo[j]()
			}
			tx.undo = tx.undo[:mark]
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (tx *memTx) MeasurementsForObject(_ context.Context, objectID int64) ([]model.Measurement, error) {
	s := tx.s
	ids := s.byObject[objectID]
	out := make([]model.Measurement, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.visits[id-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) MeasurementsForExposure(_ context.Context, exposureID string) ([]model.Measurement, error) {
	s := tx.s
	ids := s.byExposure[exposureID]
	out := make([]model.Measurement, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.visits[id-1])
	}
	return out, nil
}

// ObjectsByIDRange walks the id range directly; object ids are dense.
func (tx *memTx) ObjectsByIDRange(_ context.Context, minID, maxID int64) ([]model.ReferenceObject, error) {
	s := tx.s
	minID = max(minID, 1)
	maxID = min(maxID, s.nextObject)
	out := make([]model.ReferenceObject, 0, max(maxID-minID+1, 0))
	for id := minID; id <= maxID; id++ {
		if o, ok := s.objects[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (tx *memTx) RangeQueryObjects(_ context.Context, ra, dec, halfWidthDeg float64) ([]model.ReferenceObject, error) {
	start := time.Now()
	defer func() {
		metrics.RecordStoreLatency("range_query", float64(time.Since(start).Microseconds())/1000)
	}()

	if halfWidthDeg < 0 || math.IsNaN(halfWidthDeg) {
		return nil, model.WrapKind("repository.range_query", model.ErrMalformedInput, fmt.Errorf("half width %v", halfWidthDeg))
	}
	var ids []int64
	collectBand(tx.s.root, dec-halfWidthDeg, dec+halfWidthDeg, &ids)

	out := make([]model.ReferenceObject, 0, len(ids))
	for _, id := range ids {
		o := tx.s.objects[id]
		if math.Abs(o.Pos.RA-ra) <= halfWidthDeg {
			out = append(out, o)
		}
	}
	return out, nil
}

func (tx *memTx) InsertObject(_ context.Context, o model.ReferenceObject) (int64, error) {
	s := tx.s
	if err := o.Pos.Validate(); err != nil {
		return 0, model.WrapKind("repository.insert_object", model.ErrMalformedInput, err)
	}
	s.nextObject++
	o.ID = s.nextObject
	s.objects[o.ID] = o
	s.root = insert(s.root, o.Pos.Dec, o.ID)
	tx.undo = append(tx.undo, func() {
		s.root = deleteNode(s.root, o.Pos.Dec, o.ID)
		delete(s.objects, o.ID)
		s.nextObject--
	})
	return o.ID, nil
}

func (tx *memTx) GetObject(_ context.Context, id int64) (model.ReferenceObject, error) {
	o, ok := tx.s.objects[id]
	if !ok {
		return model.ReferenceObject{}, model.WrapKind("repository.get_object", ErrNotFound, fmt.Errorf("object %d", id))
	}
	return o, nil
}

func (tx *memTx) UpdateMeasurementObjectRef(_ context.Context, measurementID, objectID int64) error {
	s := tx.s
	if measurementID < 1 || measurementID > int64(len(s.visits)) {
		return model.WrapKind("repository.link", ErrNotFound, fmt.Errorf("visit %d", measurementID))
	}
	if _, ok := s.objects[objectID]; !ok {
		return fmt.Errorf("link visit %d to object %d: %w", measurementID, objectID, ErrDanglingRef)
	}
	v := &s.visits[measurementID-1]
	if v.ObjectID != nil {
		if *v.ObjectID == objectID {
			return nil
		}
		metrics.RecordLinkConflict()
		return fmt.Errorf("visit %d linked to object %d, not %d: %w", measurementID, *v.ObjectID, objectID, ErrAlreadyLinked)
	}
	oid := objectID
	v.ObjectID = &oid
	s.unmatched--
	s.byObject[objectID] = append(s.byObject[objectID], measurementID)
	tx.undo = append(tx.undo, func() {
		s.visits[measurementID-1].ObjectID = nil
		s.unmatched++
		ids := s.byObject[objectID]
		s.byObject[objectID] = ids[:len(ids)-1]
	})
	return nil
}

func (tx *memTx) SelectUnmatchedMeasurements(_ context.Context, q UnmatchedQuery) ([]model.Unmatched, error) {
	if q.Limit < 1 {
		return nil, ErrInvalidLimit
	}
	out := make([]model.Unmatched, 0, min(q.Limit, int(tx.s.unmatched)))
	for _, v := range tx.s.visits {
		if len(out) >= q.Limit {
			break
		}
		if v.ObjectID != nil {
			continue
		}
		if q.Partitions > 1 && v.ID%int64(q.Partitions) != int64(q.Partition) {
			continue
		}
		out = append(out, model.Unmatched{ID: v.ID, Pos: v.Pos})
	}
	return out, nil
}

func (tx *memTx) Stats(_ context.Context) (Stats, error) {
	s := tx.s
	return Stats{
		Exposures:    int64(len(s.exposures)),
		Measurements: int64(len(s.visits)),
		Unmatched:    s.unmatched,
		Objects:      int64(nsize(s.root)),
	}, nil
}
