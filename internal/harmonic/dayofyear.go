package harmonic

import (
	"fmt"
	"time"
)

// Convention selects how an acquisition time maps onto the model's annual
// cycle.
type Convention string

const (
	// Calendar uses time.YearDay (1..366) with a 365 day period. Day 366 of a
	// leap year therefore aliases day 1.
	Calendar Convention = "calendar"
	// Tropical maps the instant to a continuous phase in [0, 365.25) so that
	// leap years are compressed rather than aliased.
	Tropical Convention = "tropical"
)

const (
	CalendarPeriod = 365.0
	TropicalPeriod = 365.25
)

func ParseConvention(s string) (Convention, error) {
	switch Convention(s) {
	case Calendar, "":
		return Calendar, nil
	case Tropical:
		return Tropical, nil
	default:
		return "", fmt.Errorf("unknown day-of-year convention %q", s)
	}
}

// Period returns the cycle length in days.
func (c Convention) Period() float64 {
	if c == Tropical {
		return TropicalPeriod
	}
	return CalendarPeriod
}

// DayOfYear returns the model time variable for t.
func (c Convention) DayOfYear(t time.Time) float64 {
	t = t.UTC()
	if c != Tropical {
		return float64(t.YearDay())
	}

	start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	frac := float64(t.Sub(start)) / float64(end.Sub(start))
	return frac * TropicalPeriod
}
