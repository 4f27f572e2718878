package monitor

import (
	"math"
	"time"
)

const (
	// DefaultIntervalFloor is the shortest interval a schedule can run at.
	DefaultIntervalFloor = time.Minute

	// MaxIntervalHours caps intervals at one year.
	MaxIntervalHours = 24 * 366
)

// IntervalDuration converts fractional hours to whole minutes, rounding to
// the nearest minute, and clamps the result to floor. 0.1667h is exactly
// ten minutes.
func IntervalDuration(hours float64, floor time.Duration) time.Duration {
	d := time.Duration(math.Round(hours*60)) * time.Minute
	if d < floor {
		return floor
	}
	return d
}

// validHours reports whether hours is usable as an interval.
func validHours(hours float64) bool {
	return hours > 0 && hours <= MaxIntervalHours && !math.IsNaN(hours) && !math.IsInf(hours, 0)
}
