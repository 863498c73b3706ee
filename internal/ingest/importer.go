package ingest

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lox/floodbayes/internal/log"
	"github.com/lox/floodbayes/internal/metrics"
	"github.com/lox/floodbayes/internal/store"
)

type Importer struct {
	store *store.Store
}

func NewImporter(st *store.Store) *Importer {
	return &Importer{store: st}
}

type ImportResult struct {
	Locations int
	Parsed    int
	Inserted  int
	Flagged   int
}

func (im *Importer) ImportFile(path string) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return im.ImportFrom(path, f)
}

// Import reads a CSV batch from r. See ImportFrom.
func (im *Importer) Import(r io.Reader) (*ImportResult, error) {
	return im.ImportFrom("stream", r)
}

// ImportFrom parses a CSV batch and writes its locations and observations,
// recording the attempt in the import audit log under source. Re-importing
// the same rows is a no-op.
func (im *Importer) ImportFrom(source string, r io.Reader) (*ImportResult, error) {
	run, err := im.store.StartImportRun(source)
	if err != nil {
		log.Warnw("could not record import run", "source", source, "error", err)
	}

	res, err := im.load(r)

	if run != nil {
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		} else {
			run.RecordsParsed = sql.NullInt64{Int64: int64(res.Parsed), Valid: true}
			run.RecordsStored = sql.NullInt64{Int64: int64(res.Inserted), Valid: true}
			run.RecordsFlagged = sql.NullInt64{Int64: int64(res.Flagged), Valid: true}
		}
		if cerr := im.store.CompleteImportRun(run); cerr != nil {
			log.Warnw("could not complete import run", "source", source, "error", cerr)
		}
	}
	if err != nil {
		return nil, err
	}

	log.Infow("import complete", "source", source, "locations", res.Locations, "parsed", res.Parsed, "inserted", res.Inserted, "flagged", res.Flagged)
	return res, nil
}

func (im *Importer) load(r io.Reader) (*ImportResult, error) {
	batch, err := ParseCSV(r)
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	inserted, err := im.store.ImportBatch(batch.Locations, batch.Observations)
	if err != nil {
		return nil, fmt.Errorf("store batch: %w", err)
	}

	metrics.ObservationsIngested.WithLabelValues(strconv.FormatBool(false)).Add(float64(len(batch.Observations) - batch.Flagged))
	metrics.ObservationsIngested.WithLabelValues(strconv.FormatBool(true)).Add(float64(batch.Flagged))

	return &ImportResult{
		Locations: len(batch.Locations),
		Parsed:    len(batch.Observations),
		Inserted:  inserted,
		Flagged:   batch.Flagged,
	}, nil
}
