// Package units formats run durations, distances and pace for API views.
package units

import (
	"fmt"
	"math"
)

// FormatElapsed renders seconds as zero-padded hh:mm:ss. Hours are not
// capped at 24.
func FormatElapsed(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// Kilometers converts meters to kilometers rounded to two decimals.
func Kilometers(meters float64) float64 {
	return math.Round(meters/10) / 100
}

// PaceSecondsPerKm is the average pace over a run, 0 when no distance was covered.
func PaceSecondsPerKm(distanceM float64, seconds int64) float64 {
	if distanceM <= 0 {
		return 0
	}
	return math.Round(float64(seconds) / (distanceM / 1000))
}
