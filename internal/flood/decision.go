package flood

import "math"

// Decision is the categorical outcome for one pixel. The numeric values are
// the codes written to rasters and the database.
type Decision uint8

const (
	NonFlood Decision = 0
	Flood    Decision = 1
	Missing  Decision = 255
)

func (d Decision) String() string {
	switch d {
	case NonFlood:
		return "non_flood"
	case Flood:
		return "flood"
	default:
		return "missing"
	}
}

// Decide picks the hypothesis with the larger posterior. Ties go to NonFlood.
func Decide(flood, nonFlood float64) Decision {
	if math.IsNaN(flood) || math.IsNaN(nonFlood) {
		return Missing
	}
	if flood > nonFlood {
		return Flood
	}
	return NonFlood
}

// Decisions is the elementwise form of Decide.
func Decisions[T Float](flood, nonFlood []T) ([]Decision, error) {
	n, err := broadcastLen(len(flood), len(nonFlood))
	if err != nil {
		return nil, err
	}
	out := make([]Decision, n)
	for i := range out {
		out[i] = Decide(float64(at(flood, i)), float64(at(nonFlood, i)))
	}
	return out, nil
}

// Counts tallies decisions by category.
type Counts struct {
	Flood    int
	NonFlood int
	Missing  int
}

func CountDecisions(ds []Decision) Counts {
	var c Counts
	for _, d := range ds {
		switch d {
		case Flood:
			c.Flood++
		case NonFlood:
			c.NonFlood++
		default:
			c.Missing++
		}
	}
	return c
}

func (c Counts) Total() int { return c.Flood + c.NonFlood + c.Missing }
