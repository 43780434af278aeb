package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/pkg/logger"
	"github.com/okian/photdb/pkg/metrics"
)

// Report summarises one reconciliation run. Passes counts non-empty passes
// summed over all workers.
type Report struct {
	RunID   string        `json:"run_id"`
	Passes  int           `json:"passes"`
	Matched int           `json:"matched"`
	Created int           `json:"created"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
}

func (r *Report) add(o Report) {
	r.Passes += o.Passes
	r.Matched += o.Matched
	r.Created += o.Created
	r.Failed += o.Failed
}

// Reconciler drains the backlog of unlinked measurements.
type Reconciler struct {
	*Mutator
}

// NewReconciler returns a Reconciler sharing m's store, matcher and locker.
func NewReconciler(m *Mutator) *Reconciler {
	return &Reconciler{Mutator: m}
}

// ReconcileUnmatched links every unlinked measurement to the nearest object
// within toleranceArcsec, creating objects where none qualifies. It works in
// passes of at most batchSize rows, oldest first, re-reading the backlog at
// the start of each pass, and returns once a pass finds nothing to do.
//
// Each item commits on its own. A transport failure stops the run. Other
// item failures are counted and skipped; a pass in which every item failed
// ends the run with the joined errors.
func (r *Reconciler) ReconcileUnmatched(ctx context.Context, toleranceArcsec float64, batchSize int) (Report, error) {
	return r.RunPartitioned(ctx, toleranceArcsec, batchSize, 1)
}

// RunPartitioned runs workers concurrent reconciliation loops, each over the
// measurements whose id falls into its partition. The first transport
// failure cancels the others.
func (r *Reconciler) RunPartitioned(ctx context.Context, toleranceArcsec float64, batchSize, workers int) (Report, error) {
	if toleranceArcsec <= 0 {
		return Report{}, model.WrapKind("catalog.reconcile", model.ErrMalformedInput, fmt.Errorf("invalid tolerance %v", toleranceArcsec))
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if workers < 1 {
		workers = 1
	}

	start := time.Now()
	rep := Report{RunID: uuid.NewString()}
	ctx, span := r.tracer.Start(ctx, "catalog.reconcile",
		trace.WithAttributes(
			attribute.String("run_id", rep.RunID),
			attribute.Float64("tolerance_arcsec", toleranceArcsec),
			attribute.Int("batch_size", batchSize),
			attribute.Int("workers", workers),
		))
	defer span.End()

	var err error
	if workers == 1 {
		var part Report
		part, err = r.drain(ctx, rep.RunID, toleranceArcsec, batchSize, 0, 1)
		rep.add(part)
	} else {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for p := 0; p < workers; p++ {
			g.Go(func() error {
				part, err := r.drain(gctx, rep.RunID, toleranceArcsec, batchSize, p, workers)
				mu.Lock()
				rep.add(part)
				mu.Unlock()
				return err
			})
		}
		err = g.Wait()
	}
	rep.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("passes", rep.Passes),
		attribute.Int("matched", rep.Matched),
		attribute.Int("created", rep.Created),
		attribute.Int("failed", rep.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordErrorByComponent("reconciler", kindLabel(err))
	}
	if st, serr := r.store.Stats(ctx); serr == nil {
		metrics.UpdateUnmatchedBacklog(st.Unmatched)
		metrics.UpdateCatalogObjects(st.Objects)
	}

	r.log.Info(ctx, "reconcile finished",
		logger.String("run_id", rep.RunID),
		logger.Int("passes", rep.Passes),
		logger.Int("matched", rep.Matched),
		logger.Int("created", rep.Created),
		logger.Int("failed", rep.Failed),
		logger.Duration("elapsed", rep.Elapsed),
	)
	return rep, err
}

// drain is one worker's pass loop over partition p of n.
func (r *Reconciler) drain(ctx context.Context, runID string, tol float64, batchSize, p, n int) (Report, error) {
	var rep Report
	q := repository.UnmatchedQuery{Limit: batchSize, Partition: p, Partitions: n}
	for {
		if err := ctx.Err(); err != nil {
			return rep, model.WrapKind("catalog.reconcile", model.ErrTransport, err)
		}
		page, err := r.store.SelectUnmatchedMeasurements(ctx, q)
		if err != nil {
			return rep, err
		}
		if len(page) == 0 {
			return rep, nil
		}
		rep.Passes++

		start := time.Now()
		var (
			pass Report
			errs []error
		)
		for _, u := range page {
			_, created, err := r.resolve(ctx, u.Pos, model.ExternalMags{}, tol, u.ID)
			switch {
			case err == nil && created:
				pass.Created++
				metrics.RecordObjectCreated(sourceReconcile)
			case err == nil:
				pass.Matched++
				metrics.RecordObjectMatched(sourceReconcile)
			case errors.Is(err, model.ErrTransport):
				rep.add(pass)
				return rep, fmt.Errorf("measurement %d: %w", u.ID, err)
			default:
				pass.Failed++
				if len(errs) < maxPassErrors {
					errs = append(errs, fmt.Errorf("measurement %d: %w", u.ID, err))
				}
			}
		}
		rep.add(pass)

		elapsed := time.Since(start)
		metrics.RecordReconcilePass(float64(elapsed.Milliseconds()), pass.Failed)
		r.log.Info(ctx, "reconcile pass",
			logger.String("run_id", runID),
			logger.Int("partition", p),
			logger.Int("size", len(page)),
			logger.Int("matched", pass.Matched),
			logger.Int("created", pass.Created),
			logger.Int("failed", pass.Failed),
			logger.Duration("elapsed", elapsed),
		)

		if pass.Failed == len(page) {
			return rep, fmt.Errorf("reconcile pass made no progress: %w", errors.Join(errs...))
		}
	}
}

// kindLabel names the error kind for metrics.
func kindLabel(err error) string {
	switch model.KindOf(err) {
	case model.ErrTransport:
		return "transport"
	case model.ErrIntegrity:
		return "integrity"
	case model.ErrMalformedInput:
		return "malformed_input"
	case model.ErrNotFound:
		return "not_found"
	}
	return "unknown"
}
