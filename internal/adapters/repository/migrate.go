package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/okian/photdb/pkg/logger"
)

// migration is one schema version. Statements run in order inside a
// transaction where the dialect allows transactional DDL.
type migration struct {
	version int
	name    string
	stmts   map[Dialect][]string
}

var migrations = []migration{
	{
		version: 1,
		name:    "catalog tables",
		stmts: map[Dialect][]string{
			DialectSQLite: {
				`CREATE TABLE IF NOT EXISTS exposures (
					exposureid VARCHAR(64) PRIMARY KEY,
					instrument VARCHAR(16) NOT NULL,
					filter_band VARCHAR(16) NOT NULL,
					airmass DOUBLE PRECISION NOT NULL,
					exptime DOUBLE PRECISION NOT NULL,
					fwhm DOUBLE PRECISION NOT NULL,
					dateobs TEXT NOT NULL,
					photzp DOUBLE PRECISION NULL
				)`,
				`CREATE TABLE IF NOT EXISTS objects (
					objectid INTEGER PRIMARY KEY AUTOINCREMENT,
					ra DOUBLE PRECISION NOT NULL,
					decl DOUBLE PRECISION NOT NULL,
					sdss_u DOUBLE PRECISION NULL,
					sdss_g DOUBLE PRECISION NULL,
					sdss_r DOUBLE PRECISION NULL,
					sdss_i DOUBLE PRECISION NULL,
					sdss_z DOUBLE PRECISION NULL
				)`,
				`CREATE TABLE IF NOT EXISTS visits (
					visitid INTEGER PRIMARY KEY AUTOINCREMENT,
					objectid INTEGER NULL REFERENCES objects(objectid),
					exposureid VARCHAR(64) NOT NULL REFERENCES exposures(exposureid),
					ra DOUBLE PRECISION NOT NULL,
					decl DOUBLE PRECISION NOT NULL,
					mag DOUBLE PRECISION NOT NULL,
					magerr DOUBLE PRECISION NOT NULL,
					ota INTEGER NOT NULL DEFAULT -1,
					odix INTEGER NOT NULL DEFAULT -1,
					odiy INTEGER NOT NULL DEFAULT -1
				)`,
				`CREATE INDEX IF NOT EXISTS idx_objects_decl_ra ON objects (decl, ra)`,
				`CREATE INDEX IF NOT EXISTS idx_visits_objectid ON visits (objectid)`,
				`CREATE INDEX IF NOT EXISTS idx_exposures_filter ON exposures (filter_band)`,
			},
			DialectPostgres: {
				`CREATE TABLE IF NOT EXISTS exposures (
					exposureid VARCHAR(64) PRIMARY KEY,
					instrument VARCHAR(16) NOT NULL,
					filter_band VARCHAR(16) NOT NULL,
					airmass DOUBLE PRECISION NOT NULL,
					exptime DOUBLE PRECISION NOT NULL,
					fwhm DOUBLE PRECISION NOT NULL,
					dateobs TIMESTAMPTZ NOT NULL,
					photzp DOUBLE PRECISION NULL
				)`,
				`CREATE TABLE IF NOT EXISTS objects (
					objectid BIGSERIAL PRIMARY KEY,
					ra DOUBLE PRECISION NOT NULL,
					decl DOUBLE PRECISION NOT NULL,
					sdss_u DOUBLE PRECISION NULL,
					sdss_g DOUBLE PRECISION NULL,
					sdss_r DOUBLE PRECISION NULL,
					sdss_i DOUBLE PRECISION NULL,
					sdss_z DOUBLE PRECISION NULL
				)`,
				`CREATE TABLE IF NOT EXISTS visits (
					visitid BIGSERIAL PRIMARY KEY,
					objectid BIGINT NULL REFERENCES objects(objectid),
					exposureid VARCHAR(64) NOT NULL REFERENCES exposures(exposureid),
					ra DOUBLE PRECISION NOT NULL,
					decl DOUBLE PRECISION NOT NULL,
					mag DOUBLE PRECISION NOT NULL,
					magerr DOUBLE PRECISION NOT NULL,
					ota INTEGER NOT NULL DEFAULT -1,
					odix INTEGER NOT NULL DEFAULT -1,
					odiy INTEGER NOT NULL DEFAULT -1
				)`,
				`CREATE INDEX IF NOT EXISTS idx_objects_decl_ra ON objects (decl, ra)`,
				`CREATE INDEX IF NOT EXISTS idx_visits_objectid ON visits (objectid)`,
				`CREATE INDEX IF NOT EXISTS idx_visits_unmatched ON visits (visitid) WHERE objectid IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_exposures_filter ON exposures (filter_band)`,
			},
			DialectMySQL: {
				`CREATE TABLE IF NOT EXISTS exposures (
					exposureid VARCHAR(64) PRIMARY KEY,
					instrument VARCHAR(16) NOT NULL,
					filter_band VARCHAR(16) NOT NULL,
					airmass DOUBLE NOT NULL,
					exptime DOUBLE NOT NULL,
					fwhm DOUBLE NOT NULL,
					dateobs DATETIME(6) NOT NULL,
					photzp DOUBLE NULL,
					INDEX idx_exposures_filter (filter_band)
				) ENGINE=InnoDB`,
				`CREATE TABLE IF NOT EXISTS objects (
					objectid BIGINT AUTO_INCREMENT PRIMARY KEY,
					ra DOUBLE NOT NULL,
					decl DOUBLE NOT NULL,
					sdss_u DOUBLE NULL,
					sdss_g DOUBLE NULL,
					sdss_r DOUBLE NULL,
					sdss_i DOUBLE NULL,
					sdss_z DOUBLE NULL,
					INDEX idx_objects_decl_ra (decl, ra)
				) ENGINE=InnoDB`,
				`CREATE TABLE IF NOT EXISTS visits (
					visitid BIGINT AUTO_INCREMENT PRIMARY KEY,
					objectid BIGINT NULL,
					exposureid VARCHAR(64) NOT NULL,
					ra DOUBLE NOT NULL,
					decl DOUBLE NOT NULL,
					mag DOUBLE NOT NULL,
					magerr DOUBLE NOT NULL,
					ota INT NOT NULL DEFAULT -1,
					odix INT NOT NULL DEFAULT -1,
					odiy INT NOT NULL DEFAULT -1,
					INDEX idx_visits_objectid (objectid),
					FOREIGN KEY (objectid) REFERENCES objects(objectid),
					FOREIGN KEY (exposureid) REFERENCES exposures(exposureid)
				) ENGINE=InnoDB`,
			},
		},
	},
	{
		version: 2,
		name:    "visits by exposure",
		stmts: map[Dialect][]string{
			DialectSQLite:   {`CREATE INDEX IF NOT EXISTS idx_visits_exposureid ON visits (exposureid, visitid)`},
			DialectPostgres: {`CREATE INDEX IF NOT EXISTS idx_visits_exposureid ON visits (exposureid, visitid)`},
			DialectMySQL:    {`ALTER TABLE visits ADD INDEX idx_visits_exposureid (exposureid, visitid)`},
		},
	},
}

// SchemaVersion returns the latest applied migration, or 0 on a fresh database.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	if err := s.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, classify("repository.schema_version", err)
	}
	return int(v.Int64), nil
}

func (s *SQLStore) ensureMigrationTable(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		applied_at VARCHAR(40) NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return classify("repository.migrate", err)
	}
	return nil
}

// Migrate applies every pending migration and returns the number applied.
func (s *SQLStore) Migrate(ctx context.Context) (int, error) {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		stmts, ok := m.stmts[s.dialect]
		if !ok {
			return applied, fmt.Errorf("migration %d has no %s statements", m.version, s.dialect)
		}
		err := s.InTx(ctx, func(st Store) error {
			tx := st.(*SQLStore)
			for _, stmt := range stmts {
				if _, err := tx.q.ExecContext(ctx, stmt); err != nil {
					return classify("repository.migrate", fmt.Errorf("migration %d (%s): %w", m.version, m.name, err))
				}
			}
			_, err := tx.q.ExecContext(ctx, s.dialect.rebind(
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
				m.version, m.name, time.Now().UTC().Format(time.RFC3339))
			return classify("repository.migrate", err)
		})
		if err != nil {
			return applied, err
		}
		s.log.Info(ctx, "applied migration",
			logger.Int("version", m.version),
			logger.String("name", m.name),
			logger.String("dialect", string(s.dialect)),
		)
		applied++
	}
	return applied, nil
}
