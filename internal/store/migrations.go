package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/floodbayes/internal/log"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS locations (
    location_id TEXT PRIMARY KEY,
    grid_row INTEGER NOT NULL,
    grid_col INTEGER NOT NULL,
    lon REAL,
    lat REAL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_locations_grid ON locations(grid_row, grid_col);

CREATE TABLE IF NOT EXISTS observations (
    location_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    sigma0 REAL,
    incidence_angle REAL,
    quality_flags TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (location_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(observed_at);

CREATE TABLE IF NOT EXISTS harmonic_models (
    location_id TEXT PRIMARY KEY,
    harmonic_order INTEGER NOT NULL,
    convention TEXT NOT NULL,
    coefficients BLOB NOT NULL,
    stdev REAL NOT NULL,
    n_obs INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    fitted_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Classification runs and decisions",
		SQL: `
CREATE TABLE IF NOT EXISTS classification_runs (
    run_id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    window_start DATETIME NOT NULL,
    window_end DATETIME NOT NULL,
    prior REAL NOT NULL,
    scenes INTEGER NOT NULL DEFAULT 0,
    flood INTEGER NOT NULL DEFAULT 0,
    non_flood INTEGER NOT NULL DEFAULT 0,
    missing INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS flood_decisions (
    run_id TEXT NOT NULL,
    location_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    flood_posterior REAL,
    non_flood_posterior REAL,
    decision INTEGER NOT NULL,
    PRIMARY KEY (run_id, location_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_flood_decisions_time ON flood_decisions(observed_at);
`,
	},
	{
		Version:     3,
		Description: "Import audit log",
		SQL: `
CREATE TABLE IF NOT EXISTS import_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    records_parsed INTEGER,
    records_stored INTEGER,
    records_flagged INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_import_runs_started ON import_runs(started_at);
`,
	},
	{
		Version:     4,
		Description: "Record classification run failures",
		SQL:         `ALTER TABLE classification_runs ADD COLUMN error_message TEXT;`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Infow("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Debugw("migration complete", "version", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
