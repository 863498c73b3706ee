// Package harmonic fits and evaluates truncated Fourier series describing the
// seasonal backscatter of a land pixel:
//
//	f(t) = mean + sum_{i=1..k} c_i*cos(2*pi*i*t/n) + s_i*sin(2*pi*i*t/n)
//
// where t is the day of year and n the period of the chosen Convention.
package harmonic

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrArity = errors.New("harmonic: coefficient count must be odd (2k+1)")

// Coefficients is an immutable {mean, c_1, s_1, ..., c_k, s_k} tuple.
type Coefficients struct {
	values     []float64
	convention Convention
}

// NewCoefficients copies values into a Coefficients. The slice must have odd
// length.
func NewCoefficients(values []float64, conv Convention) (Coefficients, error) {
	if len(values) == 0 || len(values)%2 == 0 {
		return Coefficients{}, fmt.Errorf("%w: got %d", ErrArity, len(values))
	}
	v := make([]float64, len(values))
	copy(v, values)
	if conv == "" {
		conv = Calendar
	}
	return Coefficients{values: v, convention: conv}, nil
}

// Order is the number of harmonic pairs k.
func (c Coefficients) Order() int { return len(c.values) / 2 }

func (c Coefficients) Mean() float64 {
	if len(c.values) == 0 {
		return math.NaN()
	}
	return c.values[0]
}

// Cos returns c_i for 1 <= i <= k.
func (c Coefficients) Cos(i int) float64 { return c.values[2*i-1] }

// Sin returns s_i for 1 <= i <= k.
func (c Coefficients) Sin(i int) float64 { return c.values[2*i] }

func (c Coefficients) Convention() Convention { return c.convention }

// Values returns a copy of the raw tuple.
func (c Coefficients) Values() []float64 {
	v := make([]float64, len(c.values))
	copy(v, c.values)
	return v
}

// Predict evaluates the expected backscatter at day-of-year t. A zero
// Coefficients predicts NaN.
func (c Coefficients) Predict(t float64) float64 {
	if len(c.values) == 0 {
		return math.NaN()
	}
	w := 2 * math.Pi * t / c.convention.Period()
	f := c.values[0]
	for i := 1; i <= c.Order(); i++ {
		s, co := math.Sincos(float64(i) * w)
		f += c.values[2*i-1]*co + c.values[2*i]*s
	}
	return f
}

// PredictAt evaluates the model at an acquisition time using the convention
// the coefficients were fitted with.
func (c Coefficients) PredictAt(ts time.Time) float64 {
	return c.Predict(c.convention.DayOfYear(ts))
}
