package ingest

import (
	"encoding/json"

	"github.com/lox/floodbayes/internal/models"
)

const (
	FlagSigma0OutOfRange    = "sigma0_out_of_range"
	FlagIncidenceOutOfRange = "incidence_out_of_range"
)

// Plausible C-band backscatter and incidence ranges. Values outside them are
// sensor or processing artefacts.
const (
	minSigma0    = -50.0
	maxSigma0    = 20.0
	minIncidence = 0.0
	maxIncidence = 90.0
)

// ValidateObservation flags implausible values and clears them so they are
// stored as missing.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if obs.Sigma0.Valid {
		if obs.Sigma0.Float64 < minSigma0 || obs.Sigma0.Float64 > maxSigma0 {
			flags = append(flags, FlagSigma0OutOfRange)
			obs.Sigma0.Valid = false
		}
	}

	if obs.IncidenceAngle.Valid {
		if obs.IncidenceAngle.Float64 < minIncidence || obs.IncidenceAngle.Float64 > maxIncidence {
			flags = append(flags, FlagIncidenceOutOfRange)
			obs.IncidenceAngle.Valid = false
		}
	}

	return flags
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
