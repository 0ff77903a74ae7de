package timer

import (
	"math"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		seconds   float64
		showHours bool
		want      string
	}{
		{0, true, "00:00:00"},
		{0, false, "00:00"},
		{59.9, false, "00:59"},
		{600, false, "10:00"},
		{3661, false, "01:01:01"},
		{3661, true, "01:01:01"},
		{-4, true, "00:00:00"},
		{math.NaN(), false, "00:00"},
		{100 * 3600, false, "100:00:00"},
	}
	for _, tt := range tests {
		if got := Format(tt.seconds, tt.showHours); got != tt.want {
			t.Errorf("Format(%v, %v) = %q, want %q", tt.seconds, tt.showHours, got, tt.want)
		}
	}
}
