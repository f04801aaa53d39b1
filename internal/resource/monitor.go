// Package resource samples process memory pressure and recommends a
// concurrency level for the batch executor.
package resource

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	logx "batchkit/pkg/logx"
)

// Sample is a point-in-time view of process resource usage.
type Sample struct {
	HeapInuse  uint64
	Limit      int64
	Ratio      float64
	Goroutines int
}

// Monitor maps heap utilization to a recommended concurrency.
//
// The limit comes from GOMEMLIMIT / debug.SetMemoryLimit when set; otherwise
// SoftLimitBytes applies. HeapInuse is used rather than HeapAlloc because it
// correlates better with actual heap footprint.
type Monitor struct {
	log logx.Logger

	// SoftLimitBytes is the assumed heap budget when no runtime memory
	// limit is configured.
	SoftLimitBytes int64

	// readMemStats is swappable for tests.
	readMemStats func(*runtime.MemStats)
}

const defaultSoftLimit = 1 << 30 // 1 GiB

func NewMonitor(log logx.Logger) *Monitor {
	return &Monitor{
		log:            log,
		SoftLimitBytes: defaultSoftLimit,
		readMemStats:   runtime.ReadMemStats,
	}
}

func (m *Monitor) Sample() Sample {
	var ms runtime.MemStats
	m.readMemStats(&ms)

	limit := debug.SetMemoryLimit(-1)
	// Filter out the "no limit" sentinel (math.MaxInt64).
	if limit <= 0 || limit >= (1<<60) {
		limit = m.SoftLimitBytes
		if limit <= 0 {
			limit = defaultSoftLimit
		}
	}

	ratio := float64(ms.HeapInuse) / float64(limit)
	return Sample{
		HeapInuse:  ms.HeapInuse,
		Limit:      limit,
		Ratio:      ratio,
		Goroutines: runtime.NumGoroutine(),
	}
}

// Recommended returns the effective concurrency for the next batch.
//
// Thresholds are deterministic: >80% utilization serializes everything,
// 60-80% allows 2, 40-60% allows 3, below that the request passes through.
func (m *Monitor) Recommended(requested int) int {
	if requested < 1 {
		requested = 1
	}
	u := m.Sample().Ratio

	switch {
	case u > 0.8:
		return 1
	case u > 0.6:
		return minInt(2, requested)
	case u > 0.4:
		return minInt(3, requested)
	default:
		return requested
	}
}

// CheckPressure is a best-effort backpressure valve: above 90% utilization it
// hints the GC and pauses for a second so the heap can drain before the next
// batch dispatch. It never blocks past ctx cancellation.
func (m *Monitor) CheckPressure(ctx context.Context) {
	s := m.Sample()
	if s.Ratio <= 0.9 {
		return
	}

	if !m.log.IsZero() {
		m.log.Warn("memory pressure high; pausing before next batch",
			logx.Uint64("heap_inuse", s.HeapInuse),
			logx.Int64("limit", s.Limit),
			logx.Float64("ratio", s.Ratio),
		)
	}
	runtime.GC()

	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
