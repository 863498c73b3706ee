package flood

import (
	"math"
)

// DefaultPrior is the flood prior used when none is configured.
const DefaultPrior = 0.5

func checkPrior(prior float64) error {
	if math.IsNaN(prior) || prior < 0 || prior > 1 {
		return &InvalidParameterError{Name: "flood prior", Value: prior, Reason: "must be within [0, 1]"}
	}
	return nil
}

// Posterior applies Bayes' rule. Flood is tied to the water likelihood and
// non-flood to the land likelihood. Both results are NaN when either
// likelihood is NaN or the evidence is zero.
func Posterior(land, water, prior float64) (flood, nonFlood float64, err error) {
	if err := checkPrior(prior); err != nil {
		return math.NaN(), math.NaN(), err
	}
	flood, nonFlood = posterior(land, water, prior)
	return flood, nonFlood, nil
}

func posterior(land, water, prior float64) (float64, float64) {
	wf := water * prior
	ln := land * (1 - prior)
	evidence := wf + ln
	if evidence == 0 || math.IsNaN(evidence) {
		return math.NaN(), math.NaN()
	}
	return wf / evidence, ln / evidence
}

// Posteriors is the elementwise, broadcasting form of Posterior.
func Posteriors[T Float](land, water []T, prior float64) (flood, nonFlood []T, err error) {
	if err := checkPrior(prior); err != nil {
		return nil, nil, err
	}
	n, err := broadcastLen(len(land), len(water))
	if err != nil {
		return nil, nil, err
	}

	flood = make([]T, n)
	nonFlood = make([]T, n)
	for i := 0; i < n; i++ {
		f, nf := posterior(float64(at(land, i)), float64(at(water, i)), prior)
		flood[i], nonFlood[i] = T(f), T(nf)
	}
	return flood, nonFlood, nil
}
