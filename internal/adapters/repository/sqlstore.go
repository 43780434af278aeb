package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/pkg/logger"
	"github.com/okian/photdb/pkg/metrics"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on database/sql. A store bound to a transaction
// is only handed out by InTx.
type SQLStore struct {
	db      *sql.DB
	q       querier
	tx      *sql.Tx
	dialect Dialect
	log     logger.Logger
}

// SQLOption configures an SQLStore.
type SQLOption func(*sqlConfig)

type sqlConfig struct {
	maxOpenConns int
	log          logger.Logger
}

// WithMaxOpenConns bounds the connection pool. SQLite is always limited to one.
func WithMaxOpenConns(n int) SQLOption {
	return func(c *sqlConfig) {
		if n > 0 {
			c.maxOpenConns = n
		}
	}
}

// WithSQLLogger sets the store logger.
func WithSQLLogger(l logger.Logger) SQLOption {
	return func(c *sqlConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// OpenSQL opens a connection pool for dialect and verifies it is reachable.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, opts ...SQLOption) (*SQLStore, error) {
	cfg := sqlConfig{maxOpenConns: 10}
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn, err := dialect.prepareDSN(dsn)
	if err != nil {
		return nil, model.WrapKind("repository.open", model.ErrMalformedInput, err)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, classify("repository.open", err)
	}
	if dialect == DialectSQLite {
		// one connection keeps :memory: databases alive and serialises writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxOpenConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("repository.open", err)
	}
	for _, stmt := range dialect.sessionSetup() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, classify("repository.open", err)
		}
	}

	return NewSQLStore(db, dialect, opts...), nil
}

// NewSQLStore wraps an existing pool.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQLStore {
	cfg := sqlConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.Default("sqlstore")
	}
	return &SQLStore{db: db, q: db, dialect: dialect, log: cfg.log}
}

// Dialect reports the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close releases the pool. Closing a transaction-bound store is a no-op.
func (s *SQLStore) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

// InTx runs fn in a database transaction, committing when fn returns nil.
func (s *SQLStore) InTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("repository.begin", err)
	}
	child := &SQLStore{db: s.db, q: tx, tx: tx, dialect: s.dialect, log: s.log}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(child); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn(ctx, "rollback failed", logger.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("repository.commit", err)
	}
	return nil
}

func (s *SQLStore) InsertExposure(ctx context.Context, e model.Exposure) error {
	defer observe("insert_exposure", time.Now())
	const q = `INSERT INTO exposures (exposureid, instrument, filter_band, airmass, exptime, fwhm, dateobs, photzp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	var zp sql.NullFloat64
	if e.ZeroPoint != nil {
		zp = sql.NullFloat64{Float64: *e.ZeroPoint, Valid: true}
	}
	_, err := s.q.ExecContext(ctx, s.dialect.rebind(q),
		e.ID, e.Instrument, e.Filter, e.Airmass, e.ExpTime, e.Seeing, s.dialect.timeArg(e.ObservedAt), zp)
	if err != nil {
		return classify("repository.insert_exposure", fmt.Errorf("exposure %q: %w", e.ID, err))
	}
	return nil
}

func (s *SQLStore) GetExposure(ctx context.Context, id string) (model.Exposure, error) {
	defer observe("get_exposure", time.Now())
	const q = `SELECT exposureid, instrument, filter_band, airmass, exptime, fwhm, dateobs, photzp
		FROM exposures WHERE exposureid = ?`
	var (
		e  model.Exposure
		ts nullTime
		zp sql.NullFloat64
	)
	err := s.q.QueryRowContext(ctx, s.dialect.rebind(q), id).
		Scan(&e.ID, &e.Instrument, &e.Filter, &e.Airmass, &e.ExpTime, &e.Seeing, &ts, &zp)
	if err != nil {
		return model.Exposure{}, classify("repository.get_exposure", fmt.Errorf("exposure %q: %w", id, err))
	}
	e.ObservedAt = ts.Time
	if zp.Valid {
		v := zp.Float64
		e.ZeroPoint = &v
	}
	return e, nil
}

func (s *SQLStore) ExposureIDsByFilter(ctx context.Context, filter string) ([]string, error) {
	defer observe("exposures_by_filter", time.Now())
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(
		"SELECT exposureid FROM exposures WHERE filter_band = ? ORDER BY exposureid"), filter)
	if err != nil {
		return nil, classify("repository.exposures_by_filter", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("repository.exposures_by_filter", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("repository.exposures_by_filter", err)
	}
	return out, nil
}

func (s *SQLStore) SetExposureZeroPoint(ctx context.Context, id string, zp float64) error {
	defer observe("set_zeropoint", time.Now())
	res, err := s.q.ExecContext(ctx, s.dialect.rebind("UPDATE exposures SET photzp = ? WHERE exposureid = ?"), zp, id)
	if err != nil {
		return classify("repository.set_zeropoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("repository.set_zeropoint", err)
	}
	if n == 0 {
		// mysql reports zero when the value is unchanged
		var one int
		err := s.q.QueryRowContext(ctx, s.dialect.rebind("SELECT 1 FROM exposures WHERE exposureid = ?"), id).Scan(&one)
		if err != nil {
			return classify("repository.set_zeropoint", fmt.Errorf("exposure %q: %w", id, err))
		}
	}
	return nil
}

const insertVisit = `INSERT INTO visits (objectid, exposureid, ra, decl, mag, magerr, ota, odix, odiy)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func visitArgs(m model.Measurement) []any {
	var oid sql.NullInt64
	if m.ObjectID != nil {
		oid = sql.NullInt64{Int64: *m.ObjectID, Valid: true}
	}
	return []any{oid, m.ExposureID, m.Pos.RA, m.Pos.Dec, m.Mag, m.MagErr, m.Sensor, m.X, m.Y}
}

// insertReturningID runs an INSERT and returns the generated key.
func (s *SQLStore) insertReturningID(ctx context.Context, q, idColumn string, args ...any) (int64, error) {
	if s.dialect == DialectPostgres {
		var id int64
		err := s.q.QueryRowContext(ctx, s.dialect.rebind(q+" RETURNING "+idColumn), args...).Scan(&id)
		return id, err
	}
	res, err := s.q.ExecContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLStore) InsertMeasurement(ctx context.Context, m model.Measurement) (int64, error) {
	defer observe("insert_visit", time.Now())
	id, err := s.insertReturningID(ctx, insertVisit, "visitid", visitArgs(m)...)
	if err != nil {
		return 0, classify("repository.insert_visit", fmt.Errorf("visit for exposure %q: %w", m.ExposureID, err))
	}
	return id, nil
}

func (s *SQLStore) InsertMeasurements(ctx context.Context, ms []model.Measurement) ([]int64, error) {
	ids := make([]int64, 0, len(ms))
	err := s.InTx(ctx, func(st Store) error {
		tx := st.(*SQLStore)
		for i := range ms {
			id, err := tx.InsertMeasurement(ctx, ms[i])
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

const selectVisit = `SELECT visitid, objectid, exposureid, ra, decl, mag, magerr, ota, odix, odiy FROM visits`

func (s *SQLStore) MeasurementsForObject(ctx context.Context, objectID int64) ([]model.Measurement, error) {
	defer observe("visits_for_object", time.Now())
	return s.queryVisits(ctx, "repository.visits_for_object", selectVisit+" WHERE objectid = ? ORDER BY visitid", objectID)
}

func (s *SQLStore) MeasurementsForExposure(ctx context.Context, exposureID string) ([]model.Measurement, error) {
	defer observe("visits_for_exposure", time.Now())
	return s.queryVisits(ctx, "repository.visits_for_exposure", selectVisit+" WHERE exposureid = ? ORDER BY visitid", exposureID)
}

func (s *SQLStore) queryVisits(ctx context.Context, op, q string, args ...any) ([]model.Measurement, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Measurement, 0)
	for rows.Next() {
		var (
			m   model.Measurement
			oid sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &oid, &m.ExposureID, &m.Pos.RA, &m.Pos.Dec, &m.Mag, &m.MagErr, &m.Sensor, &m.X, &m.Y); err != nil {
			return nil, classify(op, err)
		}
		if oid.Valid {
			v := oid.Int64
			m.ObjectID = &v
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

const selectObject = `SELECT objectid, ra, decl, sdss_u, sdss_g, sdss_r, sdss_i, sdss_z FROM objects`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(r rowScanner) (model.ReferenceObject, error) {
	var o model.ReferenceObject
	var mags [5]sql.NullFloat64
	if err := r.Scan(&o.ID, &o.Pos.RA, &o.Pos.Dec, &mags[0], &mags[1], &mags[2], &mags[3], &mags[4]); err != nil {
		return model.ReferenceObject{}, err
	}
	o.Mags = model.ExternalMags{U: floatPtr(mags[0]), G: floatPtr(mags[1]), R: floatPtr(mags[2]), I: floatPtr(mags[3]), Z: floatPtr(mags[4])}
	return o, nil
}

func (s *SQLStore) RangeQueryObjects(ctx context.Context, ra, dec, halfWidthDeg float64) ([]model.ReferenceObject, error) {
	defer observe("range_query", time.Now())
	if halfWidthDeg < 0 {
		return nil, model.WrapKind("repository.range_query", model.ErrMalformedInput, fmt.Errorf("half width %v", halfWidthDeg))
	}
	return s.queryObjects(ctx, "repository.range_query",
		selectObject+" WHERE decl BETWEEN ? AND ? AND ra BETWEEN ? AND ?",
		dec-halfWidthDeg, dec+halfWidthDeg, ra-halfWidthDeg, ra+halfWidthDeg)
}

func (s *SQLStore) ObjectsByIDRange(ctx context.Context, minID, maxID int64) ([]model.ReferenceObject, error) {
	defer observe("objects_by_id", time.Now())
	return s.queryObjects(ctx, "repository.objects_by_id",
		selectObject+" WHERE objectid >= ? AND objectid <= ? ORDER BY objectid", minID, maxID)
}

func (s *SQLStore) queryObjects(ctx context.Context, op, q string, args ...any) ([]model.ReferenceObject, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.ReferenceObject, 0)
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *SQLStore) InsertObject(ctx context.Context, o model.ReferenceObject) (int64, error) {
	defer observe("insert_object", time.Now())
	if err := o.Pos.Validate(); err != nil {
		return 0, model.WrapKind("repository.insert_object", model.ErrMalformedInput, err)
	}
	const q = `INSERT INTO objects (ra, decl, sdss_u, sdss_g, sdss_r, sdss_i, sdss_z) VALUES (?, ?, ?, ?, ?, ?, ?)`
	id, err := s.insertReturningID(ctx, q, "objectid",
		o.Pos.RA, o.Pos.Dec, nullFloat(o.Mags.U), nullFloat(o.Mags.G), nullFloat(o.Mags.R), nullFloat(o.Mags.I), nullFloat(o.Mags.Z))
	if err != nil {
		return 0, classify("repository.insert_object", err)
	}
	return id, nil
}

func (s *SQLStore) GetObject(ctx context.Context, id int64) (model.ReferenceObject, error) {
	defer observe("get_object", time.Now())
	o, err := scanObject(s.q.QueryRowContext(ctx, s.dialect.rebind(selectObject+" WHERE objectid = ?"), id))
	if err != nil {
		return model.ReferenceObject{}, classify("repository.get_object", fmt.Errorf("object %d: %w", id, err))
	}
	return o, nil
}

// UpdateMeasurementObjectRef uses a guarded UPDATE so a concurrent linker can
// never be overwritten. When no row changes the current value decides between
// a no-op, a conflict and an unknown measurement.
func (s *SQLStore) UpdateMeasurementObjectRef(ctx context.Context, measurementID, objectID int64) error {
	defer observe("link", time.Now())
	const op = "repository.link"
	res, err := s.q.ExecContext(ctx, s.dialect.rebind(
		"UPDATE visits SET objectid = ? WHERE visitid = ? AND (objectid IS NULL OR objectid = ?)"),
		objectID, measurementID, objectID)
	if err != nil {
		return classify(op, fmt.Errorf("link visit %d to object %d: %w", measurementID, objectID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n > 0 {
		return nil
	}

	var current sql.NullInt64
	err = s.q.QueryRowContext(ctx, s.dialect.rebind("SELECT objectid FROM visits WHERE visitid = ?"), measurementID).Scan(&current)
	if err != nil {
		return classify(op, fmt.Errorf("visit %d: %w", measurementID, err))
	}
	switch {
	case current.Valid && current.Int64 == objectID:
		return nil
	case current.Valid:
		metrics.RecordLinkConflict()
		return fmt.Errorf("visit %d linked to object %d, not %d: %w", measurementID, current.Int64, objectID, ErrAlreadyLinked)
	default:
		return model.WrapKind(op, model.ErrTransport, fmt.Errorf("visit %d: update matched no row", measurementID))
	}
}

// SelectUnmatchedMeasurements reads in its own short transaction when not
// already inside one, so each call sees every commit made before it.
func (s *SQLStore) SelectUnmatchedMeasurements(ctx context.Context, q UnmatchedQuery) ([]model.Unmatched, error) {
	defer observe("select_unmatched", time.Now())
	if q.Limit < 1 {
		return nil, ErrInvalidLimit
	}

	var sb strings.Builder
	sb.WriteString("SELECT visitid, ra, decl FROM visits WHERE objectid IS NULL")
	args := make([]any, 0, 3)
	if q.Partitions > 1 {
		sb.WriteString(" AND visitid % ? = ?")
		args = append(args, q.Partitions, q.Partition)
	}
	sb.WriteString(" ORDER BY visitid LIMIT ?")
	args = append(args, q.Limit)
	query := s.dialect.rebind(sb.String())

	var out []model.Unmatched
	read := func(qr querier) error {
		rows, err := qr.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		out = make([]model.Unmatched, 0, q.Limit)
		for rows.Next() {
			var u model.Unmatched
			if err := rows.Scan(&u.ID, &u.Pos.RA, &u.Pos.Dec); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	}

	if s.tx != nil {
		if err := read(s.tx); err != nil {
			return nil, classify("repository.select_unmatched", err)
		}
		return out, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect != DialectSQLite})
	if err != nil {
		return nil, classify("repository.select_unmatched", err)
	}
	if err := read(tx); err != nil {
		_ = tx.Rollback()
		return nil, classify("repository.select_unmatched", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("repository.select_unmatched", err)
	}
	return out, nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	defer observe("stats", time.Now())
	var st Stats
	counts := []struct {
		q   string
		dst *int64
	}{
		{"SELECT COUNT(*) FROM exposures", &st.Exposures},
		{"SELECT COUNT(*) FROM visits", &st.Measurements},
		{"SELECT COUNT(*) FROM visits WHERE objectid IS NULL", &st.Unmatched},
		{"SELECT COUNT(*) FROM objects", &st.Objects},
	}
	for _, c := range counts {
		if err := s.q.QueryRowContext(ctx, c.q).Scan(c.dst); err != nil {
			return Stats{}, classify("repository.stats", err)
		}
	}
	return st, nil
}
