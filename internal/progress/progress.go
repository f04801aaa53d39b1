// Package progress computes completion and ETA figures from job counters.
package progress

import (
	"math"
	"time"
)

// Report is a pure projection of a job's counters.
type Report struct {
	Percentage int    `json:"percentage"`
	Processed  int    `json:"processed"`
	Remaining  int    `json:"remaining"`
	Total      int    `json:"total"`
	ETASeconds *int64 `json:"eta_seconds,omitempty"`
}

// Compute derives a Report from counters and the running mean task duration.
//
// It is a pure function: same inputs, same output, no hidden state.
// ETASeconds is nil until at least one task has been processed (no sample to
// extrapolate from).
func Compute(total, completed, failed, skipped int, avg time.Duration) Report {
	if total < 0 {
		total = 0
	}
	processed := completed + failed + skipped
	if processed > total {
		processed = total
	}
	remaining := total - processed

	pct := 0
	if total > 0 {
		pct = int(math.Round(100 * float64(processed) / float64(total)))
	}

	r := Report{
		Percentage: pct,
		Processed:  processed,
		Remaining:  remaining,
		Total:      total,
	}
	if processed > 0 {
		eta := int64(math.Round(float64(avg.Milliseconds()) * float64(remaining) / 1000))
		r.ETASeconds = &eta
	}
	return r
}
