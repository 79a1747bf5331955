package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bamsammich/salvage/internal/stats"
)

// FormatRate formats a bytes-per-second rate as a human-readable string.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	units := []string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s"}
	val := bytesPerSec
	for _, u := range units {
		if val < 1024 {
			if val < 10 {
				return fmt.Sprintf("%.2f %s", val, u)
			}
			if val < 100 {
				return fmt.Sprintf("%.1f %s", val, u)
			}
			return fmt.Sprintf("%.0f %s", val, u)
		}
		val /= 1024
	}
	return fmt.Sprintf("%.1f PB/s", val)
}

// FormatInterval formats a duration in the compact "1d 2h 3m 4s" form,
// dropping every zero unit (a zero duration of seconds is kept only when
// nothing else is printed). A non-positive duration renders as "n/a".
func FormatInterval(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	t := int64(d.Round(time.Second).Seconds())
	days := t / 86400
	t %= 86400
	hours := t / 3600
	t %= 3600
	mins := t / 60
	secs := t % 60

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%dh", hours)
	}
	if mins > 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%dm", mins)
	}
	if secs > 0 || b.Len() == 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%ds", secs)
	}
	return b.String()
}

// FormatBytes wraps stats.FormatBytes for UI use.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}
