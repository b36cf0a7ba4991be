package util

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

// Snapshot reports cumulative session counters for the periodic reporter.
type Snapshot struct {
	BytesSent   int64
	BytesRecv   int64
	Retransmits int64
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session throughput
// every 10 seconds. It stops when ctx is cancelled. Quiet intervals are
// skipped.
func StartStatsReporter(ctx context.Context, snapshot func() Snapshot) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := snapshot()
				inS := float64(cur.BytesRecv-prev.BytesRecv) / 10.0
				outS := float64(cur.BytesSent-prev.BytesSent) / 10.0
				retx := cur.Retransmits - prev.Retransmits

				if inS > 10 || outS > 10 || retx > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, retx))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, retx int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Retx: %2d",
		formatBytes(inS),
		formatBytes(outS),
		retx,
	)
}
