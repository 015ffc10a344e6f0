package progress

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const barCells = 10

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// HumanBytes formats n with 1024 scaling and two decimals. Zero is "0B".
func HumanBytes(n int64) string {
	if n <= 0 {
		return "0B"
	}
	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", value, byteUnits[unit])
}

// HumanRate formats a bytes-per-second rate; unknown rates render as N/A.
func HumanRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 || math.IsNaN(bytesPerSec) || math.IsInf(bytesPerSec, 0) {
		return "N/A"
	}
	return HumanBytes(int64(bytesPerSec)) + "/s"
}

// FormatETA renders mm:ss, or h:mm:ss for an hour or more.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "N/A"
	}
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Bar renders a fixed-width bar, filled to the nearest cell.
func Bar(percent float64) string {
	filled := int(math.Round(percent / 10))
	if filled < 0 {
		filled = 0
	}
	if filled > barCells {
		filled = barCells
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barCells-filled)
}
