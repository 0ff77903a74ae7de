package timer

import (
	"fmt"
	"math"
)

// Format renders seconds as HH:MM:SS, or MM:SS when showHours is false and
// there are no whole hours. Fractions are floored; negatives render as zero.
func Format(seconds float64, showHours bool) string {
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	total := int64(math.Floor(seconds))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if !showHours && h == 0 {
		return fmt.Sprintf("%02d:%02d", m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
