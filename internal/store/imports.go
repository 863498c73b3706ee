package store

import (
	"database/sql"
	"time"
)

// ImportRun audits one CSV import.
type ImportRun struct {
	ID             int64
	StartedAt      time.Time
	FinishedAt     sql.NullTime
	Source         string
	RecordsParsed  sql.NullInt64
	RecordsStored  sql.NullInt64
	RecordsFlagged sql.NullInt64
	Success        bool
	ErrorMessage   sql.NullString
}

func (s *Store) StartImportRun(source string) (*ImportRun, error) {
	run := &ImportRun{
		StartedAt: time.Now().UTC(),
		Source:    source,
	}

	var id int64
	err := s.retry(func() error {
		result, err := s.db.Exec(`
			INSERT INTO import_runs (started_at, source, success)
			VALUES (?, ?, FALSE)
		`, run.StartedAt, run.Source)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	run.ID = id
	return run, nil
}

// CompleteImportRun stamps the run as finished and stores its results.
func (s *Store) CompleteImportRun(run *ImportRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	return s.retry(func() error {
		_, err := s.db.Exec(`
			UPDATE import_runs SET
				finished_at = ?,
				records_parsed = ?,
				records_stored = ?,
				records_flagged = ?,
				success = ?,
				error_message = ?
			WHERE id = ?
		`, run.FinishedAt, run.RecordsParsed, run.RecordsStored, run.RecordsFlagged,
			run.Success, run.ErrorMessage, run.ID)
		return err
	})
}

// GetRecentImports returns the latest import runs, newest first.
func (s *Store) GetRecentImports(limit int) ([]ImportRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, records_parsed, records_stored,
			   records_flagged, success, error_message
		FROM import_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ImportRun
	for rows.Next() {
		var r ImportRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.RecordsParsed,
			&r.RecordsStored, &r.RecordsFlagged, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
