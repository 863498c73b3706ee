package harmonic

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidOrder   = errors.New("harmonic: order must be >= 1")
	ErrLengthMismatch = errors.New("harmonic: days and values differ in length")
	ErrIllConditioned = errors.New("harmonic: design matrix is ill-conditioned")
)

// InsufficientDataError reports a series with too few usable observations for
// the requested order.
type InsufficientDataError struct {
	Order int
	Have  int
	Need  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("harmonic: order %d needs at least %d observations, have %d", e.Order, e.Need, e.Have)
}

// MinObservations is the smallest series that leaves at least one residual
// degree of freedom for an order-k fit.
func MinObservations(order int) int { return 2*order + 2 }

// Sample is one point of a backscatter time series. NaN values are missing.
type Sample struct {
	Time  time.Time
	Value float64
}

type Fit struct {
	Coefficients Coefficients
	Stdev        float64
	NObs         int
}

// FitSeries fits an order-k model to a timestamped series, mapping times to
// day-of-year with conv.
func FitSeries(series []Sample, order int, conv Convention) (*Fit, error) {
	days := make([]float64, len(series))
	values := make([]float64, len(series))
	for i, s := range series {
		days[i] = conv.DayOfYear(s.Time)
		values[i] = s.Value
	}
	return FitDays(days, values, order, conv)
}

// FitDays solves the ordinary least squares problem for the harmonic basis.
// Entries where either the day or the value is NaN or infinite are ignored.
func FitDays(days, values []float64, order int, conv Convention) (*Fit, error) {
	if order < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidOrder, order)
	}
	if len(days) != len(values) {
		return nil, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(days), len(values))
	}
	if conv == "" {
		conv = Calendar
	}

	var ts, ys []float64
	for i := range days {
		if !finite(days[i]) || !finite(values[i]) {
			continue
		}
		ts = append(ts, days[i])
		ys = append(ys, values[i])
	}

	n := len(ts)
	p := 2*order + 1
	if n < MinObservations(order) {
		return nil, &InsufficientDataError{Order: order, Have: n, Need: MinObservations(order)}
	}

	period := conv.Period()
	if distinctPhases(ts, period) < p {
		return nil, fmt.Errorf("%w: fewer than %d distinct days", ErrIllConditioned, p)
	}

	X := mat.NewDense(n, p, nil)
	for r, t := range ts {
		X.Set(r, 0, 1)
		w := 2 * math.Pi * t / period
		for i := 1; i <= order; i++ {
			s, c := math.Sincos(float64(i) * w)
			X.Set(r, 2*i-1, c)
			X.Set(r, 2*i, s)
		}
	}
	y := mat.NewVecDense(n, ys)

	var qr mat.QR
	qr.Factorize(X)

	beta := mat.NewVecDense(p, nil)
	if err := qr.SolveVecTo(beta, false, y); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllConditioned, err)
	}

	values = make([]float64, p)
	for i := range values {
		values[i] = beta.AtVec(i)
	}
	coeffs, err := NewCoefficients(values, conv)
	if err != nil {
		return nil, err
	}

	var sse float64
	for i, t := range ts {
		r := ys[i] - coeffs.Predict(t)
		sse += r * r
	}

	return &Fit{
		Coefficients: coeffs,
		Stdev:        math.Sqrt(sse / float64(n-p)),
		NObs:         n,
	}, nil
}

// distinctPhases counts distinct positions within the cycle. A degree-k
// trigonometric basis has full column rank only with 2k+1 of them.
func distinctPhases(ts []float64, period float64) int {
	seen := make(map[float64]struct{}, len(ts))
	for _, t := range ts {
		ph := math.Mod(t, period)
		if ph < 0 {
			ph += period
		}
		seen[ph] = struct{}{}
	}
	return len(seen)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
