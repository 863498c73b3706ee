package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lox/floodbayes/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetLocations() ([]models.Location, error) {
	return s.queryLocations(`SELECT location_id, grid_row, grid_col, lon, lat FROM locations ORDER BY grid_row, grid_col`)
}

// LocationsWithin returns the locations whose point lies inside b.
func (s *Store) LocationsWithin(b orb.Bound) ([]models.Location, error) {
	return s.queryLocations(`
		SELECT location_id, grid_row, grid_col, lon, lat FROM locations
		WHERE lon >= ? AND lon <= ? AND lat >= ? AND lat <= ?
		ORDER BY grid_row, grid_col
	`, b.Min.Lon(), b.Max.Lon(), b.Min.Lat(), b.Max.Lat())
}

func (s *Store) queryLocations(query string, args ...any) ([]models.Location, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		var l models.Location
		var lon, lat float64
		if err := rows.Scan(&l.ID, &l.Row, &l.Col, &lon, &lat); err != nil {
			return nil, err
		}
		l.Point = orb.Point{lon, lat}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// ImportBatch upserts locations and inserts observations in one transaction,
// so a failed batch leaves neither behind. Observations already stored for the
// same location and time are left untouched. It returns the number of
// observations inserted.
func (s *Store) ImportBatch(locations []models.Location, obs []models.Observation) (int, error) {
	var inserted int
	err := s.retry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := upsertLocationsTx(tx, locations); err != nil {
			return err
		}
		if inserted, err = insertObservationsTx(tx, obs); err != nil {
			return err
		}
		return tx.Commit()
	})
	return inserted, err
}

func upsertLocationsTx(tx *sql.Tx, locations []models.Location) error {
	if len(locations) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO locations (location_id, grid_row, grid_col, lon, lat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(location_id) DO UPDATE SET
			grid_row = excluded.grid_row,
			grid_col = excluded.grid_col,
			lon = excluded.lon,
			lat = excluded.lat
	`)
	if err != nil {
		return fmt.Errorf("prepare location upsert: %w", err)
	}
	defer stmt.Close()

	for _, l := range locations {
		if _, err := stmt.Exec(l.ID, l.Row, l.Col, l.Point.Lon(), l.Point.Lat()); err != nil {
			return fmt.Errorf("upsert location %s: %w", l.ID, err)
		}
	}
	return nil
}

func insertObservationsTx(tx *sql.Tx, obs []models.Observation) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT INTO observations (location_id, observed_at, sigma0, incidence_angle, quality_flags)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(location_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, o := range obs {
		res, err := stmt.Exec(o.LocationID, o.ObservedAt.UTC(), o.Sigma0, o.IncidenceAngle, o.QualityFlags)
		if err != nil {
			return 0, fmt.Errorf("insert observation %s@%s: %w", o.LocationID, o.ObservedAt.Format(time.RFC3339), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

// GetSeries returns every observation of a location in time order.
func (s *Store) GetSeries(locationID string) ([]models.Observation, error) {
	return s.queryObservations(`
		SELECT location_id, observed_at, sigma0, incidence_angle, quality_flags
		FROM observations
		WHERE location_id = ?
		ORDER BY observed_at ASC
	`, locationID)
}

// GetObservationsBetween returns observations with start <= observed_at <= end
// ordered by time then location.
func (s *Store) GetObservationsBetween(start, end time.Time) ([]models.Observation, error) {
	return s.queryObservations(`
		SELECT location_id, observed_at, sigma0, incidence_angle, quality_flags
		FROM observations
		WHERE observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC, location_id ASC
	`, start.UTC(), end.UTC())
}

func (s *Store) queryObservations(query string, args ...any) ([]models.Observation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		var o models.Observation
		var flags sql.NullString
		if err := rows.Scan(&o.LocationID, &o.ObservedAt, &o.Sigma0, &o.IncidenceAngle, &flags); err != nil {
			return nil, err
		}
		o.QualityFlags = flags.String
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

func (s *Store) UpsertHarmonicModel(m models.HarmonicModel) error {
	blob, err := msgpack.Marshal(m.Coefficients)
	if err != nil {
		return fmt.Errorf("encode coefficients: %w", err)
	}
	return s.retry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO harmonic_models (location_id, harmonic_order, convention, coefficients, stdev, n_obs, fingerprint, fitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(location_id) DO UPDATE SET
				harmonic_order = excluded.harmonic_order,
				convention = excluded.convention,
				coefficients = excluded.coefficients,
				stdev = excluded.stdev,
				n_obs = excluded.n_obs,
				fingerprint = excluded.fingerprint,
				fitted_at = excluded.fitted_at
		`, m.LocationID, m.Order, m.Convention, blob, m.Stdev, m.NObs, m.Fingerprint, m.FittedAt.UTC())
		return err
	})
}

func (s *Store) DeleteHarmonicModel(locationID string) error {
	return s.retry(func() error {
		_, err := s.db.Exec(`DELETE FROM harmonic_models WHERE location_id = ?`, locationID)
		return err
	})
}

const harmonicModelColumns = `location_id, harmonic_order, convention, coefficients, stdev, n_obs, fingerprint, fitted_at`

func (s *Store) GetHarmonicModel(locationID string) (*models.HarmonicModel, error) {
	row := s.db.QueryRow(`SELECT `+harmonicModelColumns+` FROM harmonic_models WHERE location_id = ?`, locationID)
	m, err := scanHarmonicModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetHarmonicModels returns every stored model keyed by location.
func (s *Store) GetHarmonicModels() (map[string]models.HarmonicModel, error) {
	rows, err := s.db.Query(`SELECT ` + harmonicModelColumns + ` FROM harmonic_models ORDER BY location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]models.HarmonicModel)
	for rows.Next() {
		m, err := scanHarmonicModel(rows)
		if err != nil {
			return nil, err
		}
		result[m.LocationID] = *m
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHarmonicModel(row scanner) (*models.HarmonicModel, error) {
	var m models.HarmonicModel
	var blob []byte
	if err := row.Scan(&m.LocationID, &m.Order, &m.Convention, &blob, &m.Stdev, &m.NObs, &m.Fingerprint, &m.FittedAt); err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(blob, &m.Coefficients); err != nil {
		return nil, fmt.Errorf("decode coefficients for %s: %w", m.LocationID, err)
	}
	return &m, nil
}

func (s *Store) InsertRun(r models.ClassificationRun) error {
	return s.retry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO classification_runs (run_id, started_at, window_start, window_end, prior)
			VALUES (?, ?, ?, ?, ?)
		`, r.ID, r.StartedAt.UTC(), r.WindowStart.UTC(), r.WindowEnd.UTC(), r.Prior)
		return err
	})
}

// FinishRun records the totals of a run and, for a failed run, its error.
func (s *Store) FinishRun(r models.ClassificationRun) error {
	return s.retry(func() error {
		_, err := s.db.Exec(`
			UPDATE classification_runs
			SET finished_at = ?, scenes = ?, flood = ?, non_flood = ?, missing = ?, error_message = ?
			WHERE run_id = ?
		`, r.FinishedAt, r.Scenes, r.Flood, r.NonFlood, r.Missing, r.ErrorMessage, r.ID)
		return err
	})
}

const runColumns = `run_id, started_at, finished_at, window_start, window_end, prior, scenes, flood, non_flood, missing, error_message`

func scanRun(row scanner) (*models.ClassificationRun, error) {
	var r models.ClassificationRun
	if err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.WindowStart, &r.WindowEnd, &r.Prior,
		&r.Scenes, &r.Flood, &r.NonFlood, &r.Missing, &r.ErrorMessage); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetRun(id string) (*models.ClassificationRun, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM classification_runs WHERE run_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns the latest classification runs, newest first.
func (s *Store) ListRuns(limit int) ([]models.ClassificationRun, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM classification_runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ClassificationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) InsertDecisions(ds []models.FloodDecision) error {
	return s.retry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO flood_decisions (run_id, location_id, observed_at, flood_posterior, non_flood_posterior, decision)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, location_id, observed_at) DO UPDATE SET
				flood_posterior = excluded.flood_posterior,
				non_flood_posterior = excluded.non_flood_posterior,
				decision = excluded.decision
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, d := range ds {
			if _, err := stmt.Exec(d.RunID, d.LocationID, d.ObservedAt.UTC(), d.FloodPosterior, d.NonFloodPosterior, d.Decision); err != nil {
				return fmt.Errorf("insert decision %s: %w", d.LocationID, err)
			}
		}
		return tx.Commit()
	})
}

// GetDecisions returns a run's decisions ordered by time then location.
func (s *Store) GetDecisions(runID string) ([]models.FloodDecision, error) {
	rows, err := s.db.Query(`
		SELECT run_id, location_id, observed_at, flood_posterior, non_flood_posterior, decision
		FROM flood_decisions
		WHERE run_id = ?
		ORDER BY observed_at ASC, location_id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ds []models.FloodDecision
	for rows.Next() {
		var d models.FloodDecision
		if err := rows.Scan(&d.RunID, &d.LocationID, &d.ObservedAt, &d.FloodPosterior, &d.NonFloodPosterior, &d.Decision); err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	return ds, rows.Err()
}

// DecisionCounts tallies a run's decisions by decision code.
func (s *Store) DecisionCounts(runID string) (map[int]int, error) {
	rows, err := s.db.Query(`SELECT decision, COUNT(*) FROM flood_decisions WHERE run_id = ? GROUP BY decision`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var decision, n int
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, err
		}
		counts[decision] = n
	}
	return counts, rows.Err()
}
