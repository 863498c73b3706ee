// Package flood classifies radar backscatter into flood and non-flood using
// Bayes' rule over a seasonal land model and an incidence-angle water model.
//
// Every per-pixel indeterminacy (missing observation, missing model, zero
// evidence) is carried as NaN and ends up as a Missing decision. Only
// configuration mistakes are returned as errors.
package flood

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/floodbayes/internal/harmonic"
)

// Float is the element type of every raster handled by this package.
type Float interface {
	~float32 | ~float64
}

var ErrShapeMismatch = errors.New("flood: operand lengths do not broadcast")

// InvalidParameterError reports a model parameter for which the likelihood is
// undefined.
type InvalidParameterError struct {
	Name   string
	Value  float64
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("flood: invalid %s %v: %s", e.Name, e.Value, e.Reason)
}

func checkStd(name string, std float64) error {
	if std <= 0 {
		return &InvalidParameterError{Name: name, Value: std, Reason: "must be > 0"}
	}
	return nil
}

// WaterModel is the linear regression of open-water backscatter (dB) on
// incidence angle (degrees).
type WaterModel struct {
	Slope     float64
	Intercept float64
	Std       float64
}

// DefaultWaterModel is the global water regression for Sentinel-1 VV
// backscatter.
var DefaultWaterModel = WaterModel{
	Slope:     -0.394181,
	Intercept: -4.876885,
	Std:       2.75372,
}

func (m WaterModel) Validate() error {
	return checkStd("water residual std", m.Std)
}

// Mean is the expected water backscatter at the given incidence angle.
func (m WaterModel) Mean(incidence float64) float64 {
	return m.Slope*incidence + m.Intercept
}

func density(x, mu, sigma float64) float64 {
	if math.IsNaN(sigma) {
		return math.NaN()
	}
	return distuv.Normal{Mu: mu, Sigma: sigma}.Prob(x)
}

// LandLikelihood is the density of sigma under the seasonal land model at
// dayOfYear.
func LandLikelihood(sigma float64, coeffs harmonic.Coefficients, residualStd, dayOfYear float64) (float64, error) {
	if err := checkStd("land residual std", residualStd); err != nil {
		return math.NaN(), err
	}
	return density(sigma, coeffs.Predict(dayOfYear), residualStd), nil
}

// WaterLikelihood is the density of sigma under the water regression at the
// given incidence angle.
func WaterLikelihood(sigma, incidence, slope, intercept, residualStd float64) (float64, error) {
	m := WaterModel{Slope: slope, Intercept: intercept, Std: residualStd}
	if err := m.Validate(); err != nil {
		return math.NaN(), err
	}
	return density(sigma, m.Mean(incidence), residualStd), nil
}

// LandLikelihoods evaluates the land density elementwise. Operands of length
// one broadcast against the others. A NaN std marks a pixel without a land
// model and yields NaN; a non-positive std is an error.
func LandLikelihoods[T Float](sigma, expected, std []T) ([]T, error) {
	n, err := broadcastLen(len(sigma), len(expected), len(std))
	if err != nil {
		return nil, err
	}
	for _, s := range std {
		if err := checkStd("land residual std", float64(s)); err != nil {
			return nil, err
		}
	}

	out := make([]T, n)
	for i := range out {
		out[i] = T(density(float64(at(sigma, i)), float64(at(expected, i)), float64(at(std, i))))
	}
	return out, nil
}

// WaterLikelihoods evaluates the water density elementwise with broadcasting
// between sigma and incidence.
func WaterLikelihoods[T Float](sigma, incidence []T, m WaterModel) ([]T, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	n, err := broadcastLen(len(sigma), len(incidence))
	if err != nil {
		return nil, err
	}

	out := make([]T, n)
	for i := range out {
		out[i] = T(density(float64(at(sigma, i)), m.Mean(float64(at(incidence, i))), m.Std))
	}
	return out, nil
}

// broadcastLen returns the common length of operands that are either of that
// length or of length one.
func broadcastLen(lens ...int) (int, error) {
	n := 1
	for _, l := range lens {
		switch {
		case l == 1:
		case n == 1:
			n = l
		case l != n:
			return 0, fmt.Errorf("%w: %v", ErrShapeMismatch, lens)
		}
	}
	return n, nil
}

func at[T Float](v []T, i int) T {
	if len(v) == 1 {
		return v[0]
	}
	return v[i]
}
