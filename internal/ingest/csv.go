package ingest

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/lox/floodbayes/internal/models"
)

var csvHeader = []string{"location_id", "row", "col", "lon", "lat", "observed_at", "sigma0", "incidence_angle"}

// MaxGridIndex bounds the row and column of an imported location.
const MaxGridIndex = 1<<20 - 1

// Batch is the parsed content of one import file.
type Batch struct {
	Locations    []models.Location
	Observations []models.Observation
	Flagged      int
}

// ParseCSV reads backscatter rows with the columns
// location_id,row,col,lon,lat,observed_at,sigma0,incidence_angle.
// Empty and NaN values are missing.
func ParseCSV(r io.Reader) (*Batch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range csvHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != h {
			return nil, fmt.Errorf("column %d is %q, want %q", i+1, header[i], h)
		}
	}

	batch := &Batch{}
	seen := make(map[string]models.Location)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		loc, obs, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if prev, ok := seen[loc.ID]; ok {
			if prev.Row != loc.Row || prev.Col != loc.Col {
				return nil, fmt.Errorf("line %d: location %s moved from (%d,%d) to (%d,%d)", line, loc.ID, prev.Row, prev.Col, loc.Row, loc.Col)
			}
		} else {
			seen[loc.ID] = loc
			batch.Locations = append(batch.Locations, loc)
		}

		if flags := ValidateObservation(&obs); len(flags) > 0 {
			obs.QualityFlags = QualityFlagsToJSON(flags)
			batch.Flagged++
		}
		batch.Observations = append(batch.Observations, obs)
	}
	return batch, nil
}

func parseRecord(rec []string) (models.Location, models.Observation, error) {
	id := strings.TrimSpace(rec[0])
	if id == "" {
		return models.Location{}, models.Observation{}, errors.New("empty location_id")
	}
	row, err := strconv.Atoi(strings.TrimSpace(rec[1]))
	if err != nil {
		return models.Location{}, models.Observation{}, fmt.Errorf("parse row: %w", err)
	}
	col, err := strconv.Atoi(strings.TrimSpace(rec[2]))
	if err != nil {
		return models.Location{}, models.Observation{}, fmt.Errorf("parse col: %w", err)
	}
	if row < 0 || col < 0 || row > MaxGridIndex || col > MaxGridIndex {
		return models.Location{}, models.Observation{}, fmt.Errorf("grid position (%d,%d) outside [0, %d]", row, col, MaxGridIndex)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
	if err != nil {
		return models.Location{}, models.Observation{}, fmt.Errorf("parse lon: %w", err)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(rec[4]), 64)
	if err != nil {
		return models.Location{}, models.Observation{}, fmt.Errorf("parse lat: %w", err)
	}
	observedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(rec[5]))
	if err != nil {
		return models.Location{}, models.Observation{}, fmt.Errorf("parse observed_at: %w", err)
	}
	sigma0, err := parseOptional(rec[6])
	if err != nil {
		return models.Location{}, models.Observation{}, fmt.Errorf("parse sigma0: %w", err)
	}
	incidence, err := parseOptional(rec[7])
	if err != nil {
		return models.Location{}, models.Observation{}, fmt.Errorf("parse incidence_angle: %w", err)
	}

	loc := models.Location{ID: id, Row: row, Col: col, Point: orb.Point{lon, lat}}
	obs := models.Observation{
		LocationID:     id,
		ObservedAt:     observedAt.UTC(),
		Sigma0:         sigma0,
		IncidenceAngle: incidence,
	}
	return loc, obs, nil
}

func parseOptional(s string) (sql.NullFloat64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}, nil
	}
	return sql.NullFloat64{Float64: v, Valid: true}, nil
}
