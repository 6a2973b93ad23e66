// Package ui renders upload progress for the bigxfer CLI: byte counts,
// transfer speed and ETA, in the style restic's internal/ui formats backup
// progress.
package ui

import (
	"fmt"
	"time"
)

// FormatBytes returns a human readable string for a byte count, e.g. "3.142 MiB".
func FormatBytes(c uint64) string {
	b := float64(c)
	switch {
	case c > 1<<40:
		return fmt.Sprintf("%.3f TiB", b/(1<<40))
	case c > 1<<30:
		return fmt.Sprintf("%.3f GiB", b/(1<<30))
	case c > 1<<20:
		return fmt.Sprintf("%.3f MiB", b/(1<<20))
	case c > 1<<10:
		return fmt.Sprintf("%.3f KiB", b/(1<<10))
	default:
		return fmt.Sprintf("%d B", c)
	}
}

// FormatDuration turns a duration into easily readable h:mm:ss, or m:ss
// when it is under an hour.
func FormatDuration(d time.Duration) string {
	sec := uint64(d / time.Second)
	hours := sec / 3600
	sec -= hours * 3600
	min := sec / 60
	sec -= min * 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, min, sec)
	}
	return fmt.Sprintf("%d:%02d", min, sec)
}

// FormatPercent turns a fraction into "NN.NN%".
func FormatPercent(current, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", float64(current)/float64(total)*100)
}
