package models

import (
	"database/sql"
	"time"

	"github.com/paulmach/orb"
)

// Location is one pixel of the monitored grid. Row and Col place it in the
// scene raster; Point is its longitude/latitude.
type Location struct {
	ID    string
	Row   int
	Col   int
	Point orb.Point
}

type Observation struct {
	LocationID     string
	ObservedAt     time.Time
	Sigma0         sql.NullFloat64 // dB
	IncidenceAngle sql.NullFloat64 // degrees
	QualityFlags   string
}

// HarmonicModel is a fitted seasonal land model for one location.
// Fingerprint identifies the series it was fitted from.
type HarmonicModel struct {
	LocationID   string
	Order        int
	Convention   string
	Coefficients []float64
	Stdev        float64
	NObs         int
	Fingerprint  string
	FittedAt     time.Time
}

type ClassificationRun struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  sql.NullTime
	WindowStart time.Time
	WindowEnd   time.Time
	Prior       float64
	Scenes      int
	Flood       int
	NonFlood    int
	Missing     int
	// ErrorMessage is set when the run stopped before classifying every scene.
	ErrorMessage sql.NullString
}

type FloodDecision struct {
	RunID             string
	LocationID        string
	ObservedAt        time.Time
	FloodPosterior    sql.NullFloat64
	NonFloodPosterior sql.NullFloat64
	Decision          int
}
