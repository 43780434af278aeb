// Package catalog implements the cross-match engine: creating reference
// objects, linking measurements to them, draining the unmatched backlog and
// ingesting exposure batches.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/photdb/internal/adapters/lock"
	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/matcher"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/internal/domain/sky"
	"github.com/okian/photdb/pkg/logger"
	"github.com/okian/photdb/pkg/metrics"
)

// Metric source labels.
const (
	sourceIngest    = "ingest"
	sourceReconcile = "reconcile"
)

// ObjectCandidate is a reference object proposed by an external catalog.
type ObjectCandidate struct {
	Pos  model.Position
	Mags model.ExternalMags
}

// UpsertReport counts the outcome of BulkUpsertObjects.
type UpsertReport struct {
	Created int `json:"created"`
	Matched int `json:"matched"`
	Failed  int `json:"failed"`
}

// Mutator creates reference objects and links measurements to them.
type Mutator struct {
	store     repository.Store
	matcher   *matcher.Matcher
	locker    lock.Locker
	cellDeg   float64
	ingestTol float64
	cache     *ExposureCache
	tracer    trace.Tracer
	log       logger.Logger
}

// NewMutator returns a Mutator over store.
func NewMutator(store repository.Store, opts ...Option) *Mutator {
	m := &Mutator{
		store:     store,
		cellDeg:   DefaultLockCellDeg,
		ingestTol: DefaultIngestTolerance,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Default("catalog")
	}
	if m.matcher == nil {
		m.matcher = matcher.New(matcher.WithLogger(m.log))
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/okian/photdb/catalog")
	}
	return m
}

// Store returns the underlying store.
func (m *Mutator) Store() repository.Store { return m.store }

// Matcher returns the matcher used for decisions.
func (m *Mutator) Matcher() *matcher.Matcher { return m.matcher }

// CreateObject inserts a new reference object and returns its id.
func (m *Mutator) CreateObject(ctx context.Context, pos model.Position, mags model.ExternalMags) (int64, error) {
	obj, err := model.NewReferenceObject(pos, mags)
	if err != nil {
		return 0, err
	}
	return m.store.InsertObject(ctx, obj)
}

// LinkMeasurement sets the object reference of a measurement. Repeating the
// same link is a no-op; linking an already linked measurement to a different
// object fails with an integrity violation.
func (m *Mutator) LinkMeasurement(ctx context.Context, measurementID, objectID int64) error {
	if err := m.store.UpdateMeasurementObjectRef(ctx, measurementID, objectID); err != nil {
		return fmt.Errorf("link measurement %d to object %d: %w", measurementID, objectID, err)
	}
	return nil
}

// BulkUpsertObjects resolves each candidate to an existing object within
// toleranceArcsec or creates a new one. ids[i] is the object for cands[i], or
// 0 when that candidate failed. A transport failure aborts the batch.
func (m *Mutator) BulkUpsertObjects(ctx context.Context, cands []ObjectCandidate, toleranceArcsec float64) ([]int64, UpsertReport, error) {
	return m.bulkUpsert(ctx, cands, toleranceArcsec, sourceIngest)
}

func (m *Mutator) bulkUpsert(ctx context.Context, cands []ObjectCandidate, tol float64, source string) ([]int64, UpsertReport, error) {
	if tol <= 0 {
		tol = m.ingestTol
	}
	ids := make([]int64, len(cands))
	var rep UpsertReport
	for i, c := range cands {
		if _, err := model.NewReferenceObject(c.Pos, c.Mags); err != nil {
			rep.Failed++
			continue
		}
		id, created, err := m.resolve(ctx, c.Pos, c.Mags, tol, 0)
		switch {
		case err == nil:
			ids[i] = id
			if created {
				rep.Created++
				metrics.RecordObjectCreated(source)
			} else {
				rep.Matched++
				metrics.RecordObjectMatched(source)
			}
		case errors.Is(err, model.ErrTransport):
			return ids, rep, err
		default:
			rep.Failed++
			m.log.Warn(ctx, "object upsert failed",
				logger.Float64("ra", c.Pos.RA),
				logger.Float64("dec", c.Pos.Dec),
				logger.Error(err),
			)
		}
	}
	return ids, rep, nil
}

// resolve runs one match-or-create decision as a single unit. When
// measurementID is non-zero the measurement is linked to the resulting
// object inside the same unit. With a locker configured the cells covered by
// the candidate box stay locked until the unit commits.
func (m *Mutator) resolve(ctx context.Context, pos model.Position, mags model.ExternalMags, tol float64, measurementID int64) (int64, bool, error) {
	release, err := m.acquire(ctx, pos, tol)
	if err != nil {
		return 0, false, err
	}
	defer release()

	var (
		id      int64
		created bool
	)
	err = m.store.InTx(ctx, func(tx repository.Store) error {
		obj, ok, err := m.matcher.MatchObject(ctx, tx, pos.RA, pos.Dec, tol)
		if err != nil {
			return err
		}
		id, created = obj.ID, !ok
		if created {
			if id, err = tx.InsertObject(ctx, model.ReferenceObject{Pos: pos, Mags: mags}); err != nil {
				return err
			}
		}
		if measurementID == 0 {
			return nil
		}
		return tx.UpdateMeasurementObjectRef(ctx, measurementID, id)
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func (m *Mutator) acquire(ctx context.Context, pos model.Position, tol float64) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	keys := sky.Cells(pos.RA, pos.Dec, m.matcher.BoxHalfWidth(pos.Dec, tol), m.cellDeg)
	return m.locker.Acquire(ctx, keys)
}

// MatchObject returns the nearest stored object strictly within
// toleranceArcsec of (ra, dec).
func (m *Mutator) MatchObject(ctx context.Context, ra, dec, toleranceArcsec float64) (model.ReferenceObject, bool, error) {
	return m.matcher.MatchObject(ctx, m.store, ra, dec, toleranceArcsec)
}

// FindCandidates returns the stored objects inside the box of radiusArcsec
// around (ra, dec).
func (m *Mutator) FindCandidates(ctx context.Context, ra, dec, radiusArcsec float64) ([]model.ReferenceObject, error) {
	return m.matcher.FindCandidates(ctx, m.store, ra, dec, radiusArcsec)
}
