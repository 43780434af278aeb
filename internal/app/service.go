// Package service wires the catalog components into a running process and
// implements the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/photdb/internal/adapters/lock"
	"github.com/okian/photdb/internal/adapters/mq/queue"
	"github.com/okian/photdb/internal/adapters/mq/worker"
	"github.com/okian/photdb/internal/adapters/repository"
	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/dedupe"
	"github.com/okian/photdb/internal/domain/matcher"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/internal/domain/types"
	"github.com/okian/photdb/pkg/logger"
	"github.com/okian/photdb/pkg/metrics"
)

// DefaultMinVisits is the visit threshold used by object summaries.
const DefaultMinVisits = 1

// components are built on Start and torn down on Stop.
type components struct {
	store      repository.Store
	ownsStore  bool
	mutator    *catalog.Mutator
	ingester   *catalog.Ingester
	reconciler *catalog.Reconciler
	guard      dedupe.Guard
	queue      *queue.InMemoryQueue
	pool       *worker.Pool

	cancel   context.CancelFunc
	stopLoop chan struct{}
	loopDone chan struct{}
}

// Service runs the ingest pipeline and answers catalog queries.
type Service struct {
	mu sync.RWMutex
	rt *components

	// Configuration
	driver            string
	dsn               string
	maxOpenConns      int
	store             repository.Store
	workerCount       int
	queueSize         int
	dedupeSize        int
	cacheSize         int
	matchTol          float64
	ingestTol         float64
	boxMultiplier     float64
	batchSize         int
	reconcileWorkers  int
	reconcileInterval time.Duration
	locker            lock.Locker
	cellDeg           float64

	// reconcileMu keeps background and requested runs from overlapping.
	reconcileMu sync.Mutex

	logger logger.Logger
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		driver:           "memory",
		workerCount:      runtime.NumCPU(),
		queueSize:        1024,
		dedupeSize:       50_000,
		cacheSize:        catalog.DefaultExposureCacheSize,
		matchTol:         catalog.DefaultMatchTolerance,
		ingestTol:        catalog.DefaultIngestTolerance,
		boxMultiplier:    matcher.DefaultBoxMultiplier,
		batchSize:        catalog.DefaultBatchSize,
		reconcileWorkers: 1,
		cellDeg:          catalog.DefaultLockCellDeg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Default("service")
	}
	return s
}

// Start opens the store, builds the catalog components and starts the
// worker pool. Starting a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rt != nil {
		return nil
	}
	s.logger.Info(ctx, "starting photdb service...")

	rt := &components{store: s.store}
	if rt.store == nil {
		st, err := OpenStore(ctx, s.driver, s.dsn, s.maxOpenConns, true, s.logger.Named("store"))
		if err != nil {
			return fmt.Errorf("open %s store: %w", s.driver, err)
		}
		rt.store = st
		rt.ownsStore = true
	}

	catalogOpts := []catalog.Option{
		catalog.WithMatcher(matcher.New(
			matcher.WithBoxMultiplier(s.boxMultiplier),
			matcher.WithLogger(s.logger.Named("matcher")),
		)),
		catalog.WithIngestTolerance(s.ingestTol),
		catalog.WithExposureCache(catalog.NewExposureCache(s.cacheSize)),
		catalog.WithLogger(s.logger.Named("catalog")),
	}
	if s.locker != nil {
		catalogOpts = append(catalogOpts, catalog.WithLocker(s.locker), catalog.WithLockCellDeg(s.cellDeg))
	}
	rt.mutator = catalog.NewMutator(rt.store, catalogOpts...)
	rt.ingester = catalog.NewIngester(rt.mutator)
	rt.reconciler = catalog.NewReconciler(rt.mutator)
	rt.guard = dedupe.NewGuard(dedupe.WithMaxSize(s.dedupeSize))
	rt.queue = queue.NewInMemoryQueue(
		queue.WithCapacity(s.queueSize),
	)

	// Background work outlives the caller's start deadline.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel

	rt.pool = worker.NewPool(s.workerCount, rt.queue, rt.ingester,
		worker.WithLogger(s.logger.Named("worker")),
		worker.WithResultFunc(s.resultFunc(rt.guard)),
	)
	rt.pool.Start(runCtx)

	if s.reconcileInterval > 0 {
		rt.stopLoop = make(chan struct{})
		rt.loopDone = make(chan struct{})
		go s.reconcileLoop(runCtx, rt)
	}

	s.rt = rt
	s.logger.Info(ctx, "photdb service started",
		logger.String("driver", s.driver),
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Bool("locking", s.locker != nil),
		logger.Duration("reconcileInterval", s.reconcileInterval),
	)
	return nil
}

// Stop drains queued batches and releases the store. Stopping a stopped
// service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	s.mu.Unlock()

	if rt == nil {
		return nil
	}
	s.logger.Info(ctx, "stopping photdb service...")

	if rt.stopLoop != nil {
		close(rt.stopLoop)
		<-rt.loopDone
	}

	var errs []error
	if err := rt.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain workers: %w", err))
	}
	rt.cancel()
	if rt.ownsStore {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	s.logger.Info(ctx, "photdb service stopped")
	return errors.Join(errs...)
}

func (s *Service) running() (*components, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rt == nil {
		return nil, ErrNotStarted
	}
	return s.rt, nil
}

// resultFunc forgets the exposure id of a failed batch so it can be
// resubmitted. A batch rejected as a duplicate keeps its claim.
func (s *Service) resultFunc(g dedupe.Guard) worker.ResultFunc {
	return func(ctx context.Context, j queue.Job, rep catalog.IngestReport, err error) {
		if err == nil {
			s.logger.Debug(ctx, "batch ingested",
				logger.String("job_id", j.ID),
				logger.String("exposure", rep.ExposureID),
				logger.Int("measurements", rep.Measurements),
				logger.Int("skipped", rep.Skipped),
			)
			return
		}
		if errors.Is(err, model.ErrIntegrity) {
			s.logger.Warn(ctx, "batch rejected",
				logger.String("job_id", j.ID),
				logger.String("exposure", j.Batch.Exposure.ID),
				logger.Error(err),
			)
			return
		}
		g.Release(ctx, j.Batch.Exposure.ID)
		s.logger.Error(ctx, "batch failed",
			logger.String("job_id", j.ID),
			logger.String("exposure", j.Batch.Exposure.ID),
			logger.Error(err),
		)
	}
}

// Submit queues a batch for asynchronous ingest. It returns false on
// backpressure. A batch whose exposure id was already submitted is
// acknowledged as a duplicate without being queued.
func (s *Service) Submit(ctx context.Context, b catalog.Batch) (types.IngestAck, bool) {
	rt, err := s.running()
	if err != nil {
		return types.IngestAck{}, false
	}

	id := b.Exposure.ID
	if !rt.guard.Claim(ctx, id) {
		metrics.RecordExposureDuplicate()
		s.logger.Debug(ctx, "duplicate exposure submitted, skipping", logger.String("exposure", id))
		return types.Duplicate(id), true
	}

	j := queue.Job{ID: uuid.NewString(), Batch: b, AcceptedAt: time.Now()}
	if !rt.queue.Enqueue(ctx, j) {
		rt.guard.Release(ctx, id)
		return types.IngestAck{}, false
	}
	return types.Accepted(id, j.ID), true
}

// Ingest runs a batch synchronously.
func (s *Service) Ingest(ctx context.Context, b catalog.Batch) (catalog.IngestReport, error) {
	rt, err := s.running()
	if err != nil {
		return catalog.IngestReport{}, err
	}
	if !rt.guard.Claim(ctx, b.Exposure.ID) {
		metrics.RecordExposureDuplicate()
		return catalog.IngestReport{ExposureID: b.Exposure.ID},
			model.WrapKind("service.ingest", model.ErrIntegrity, fmt.Errorf("exposure %s already submitted", b.Exposure.ID))
	}
	rep, err := rt.ingester.IngestBatch(ctx, b.Exposure, b.Rows)
	if err != nil && !errors.Is(err, model.ErrIntegrity) {
		rt.guard.Release(ctx, b.Exposure.ID)
	}
	return rep, err
}

// GetExposure returns one exposure.
func (s *Service) GetExposure(ctx context.Context, id string) (model.Exposure, error) {
	rt, err := s.running()
	if err != nil {
		return model.Exposure{}, err
	}
	return rt.mutator.GetExposure(ctx, id)
}

// ListExposures returns the exposure ids taken through filter.
func (s *Service) ListExposures(ctx context.Context, filter string) ([]string, error) {
	rt, err := s.running()
	if err != nil {
		return nil, err
	}
	return rt.mutator.ExposureIDsByFilter(ctx, filter)
}

// SetZeroPoint records the calibrated zero-point of an exposure.
func (s *Service) SetZeroPoint(ctx context.Context, id string, zp float64) error {
	rt, err := s.running()
	if err != nil {
		return err
	}
	return rt.mutator.SetExposureZeroPoint(ctx, id, zp)
}

// Match finds the nearest reference object within toleranceArcsec. A
// non-positive tolerance selects the configured one.
func (s *Service) Match(ctx context.Context, ra, dec, toleranceArcsec float64) (types.MatchResult, error) {
	rt, err := s.running()
	if err != nil {
		return types.MatchResult{}, err
	}
	if err := (model.Position{RA: ra, Dec: dec}).Validate(); err != nil {
		return types.MatchResult{}, model.WrapKind("service.match", model.ErrMalformedInput, err)
	}
	if toleranceArcsec <= 0 {
		toleranceArcsec = s.matchTol
	}
	obj, ok, err := rt.mutator.MatchObject(ctx, ra, dec, toleranceArcsec)
	if err != nil {
		return types.MatchResult{}, err
	}
	return types.NewMatchResult(obj, ok, toleranceArcsec), nil
}

// Candidates returns every reference object inside the candidate box.
func (s *Service) Candidates(ctx context.Context, ra, dec, radiusArcsec float64) ([]model.ReferenceObject, error) {
	rt, err := s.running()
	if err != nil {
		return nil, err
	}
	if err := (model.Position{RA: ra, Dec: dec}).Validate(); err != nil {
		return nil, model.WrapKind("service.candidates", model.ErrMalformedInput, err)
	}
	if radiusArcsec <= 0 {
		radiusArcsec = s.matchTol
	}
	return rt.mutator.FindCandidates(ctx, ra, dec, radiusArcsec)
}

// Object summarises a reference object and the linked visits selected by q.
func (s *Service) Object(ctx context.Context, id int64, q catalog.VisitQuery) (catalog.Summary, error) {
	rt, err := s.running()
	if err != nil {
		return catalog.Summary{}, err
	}
	if q.MinVisits <= 0 {
		q.MinVisits = DefaultMinVisits
	}
	return rt.mutator.Summarize(ctx, id, q)
}

// Objects lists reference objects by inclusive id range.
func (s *Service) Objects(ctx context.Context, minID, maxID int64) ([]model.ReferenceObject, error) {
	rt, err := s.running()
	if err != nil {
		return nil, err
	}
	return rt.mutator.ObjectsByIDRange(ctx, minID, maxID)
}

// ExposureVisits returns an exposure with its detections.
func (s *Service) ExposureVisits(ctx context.Context, id string) (catalog.ExposureVisits, error) {
	rt, err := s.running()
	if err != nil {
		return catalog.ExposureVisits{}, err
	}
	return rt.mutator.VisitsForExposure(ctx, id)
}

// Reconcile links every unmatched measurement. Zero arguments select the
// configured tolerance, pass size and worker count.
func (s *Service) Reconcile(ctx context.Context, toleranceArcsec float64, batchSize, workers int) (catalog.Report, error) {
	rt, err := s.running()
	if err != nil {
		return catalog.Report{}, err
	}
	return s.reconcile(ctx, rt, toleranceArcsec, batchSize, workers)
}

func (s *Service) reconcile(ctx context.Context, rt *components, tol float64, batchSize, workers int) (catalog.Report, error) {
	if tol <= 0 {
		tol = s.matchTol
	}
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	if workers <= 0 {
		workers = s.reconcileWorkers
	}
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	return rt.reconciler.RunPartitioned(ctx, tol, batchSize, workers)
}

func (s *Service) reconcileLoop(ctx context.Context, rt *components) {
	defer close(rt.loopDone)
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stopLoop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.reconcile(ctx, rt, 0, 0, 0)
			if err != nil {
				s.logger.Warn(ctx, "background reconcile failed",
					logger.String("run_id", rep.RunID),
					logger.Error(err),
				)
			}
		}
	}
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) (types.Stats, error) {
	rt, err := s.running()
	if err != nil {
		return types.Stats{Driver: s.driver}, nil
	}
	st, err := rt.store.Stats(ctx)
	if err != nil {
		return types.Stats{}, err
	}
	queueLen := rt.queue.Len(ctx)
	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateUnmatchedBacklog(st.Unmatched)
	metrics.UpdateCatalogObjects(st.Objects)

	return types.Stats{
		Started:       true,
		Driver:        s.driver,
		Workers:       rt.pool.Size(),
		BusyWorkers:   int64(rt.pool.Busy()),
		QueueLength:   queueLen,
		QueueCapacity: s.queueSize,
		DedupeSize:    rt.guard.Size(),
		Catalog:       st,
	}, nil
}
