package resource

import (
	"context"
	"runtime"
	"testing"
	"time"

	logx "batchkit/pkg/logx"
)

// fixedMonitor returns a monitor whose heap reading is pinned to ratio of
// the soft limit.
func fixedMonitor(ratio float64) *Monitor {
	m := NewMonitor(logx.Nop())
	m.SoftLimitBytes = 1000
	m.readMemStats = func(ms *runtime.MemStats) {
		ms.HeapInuse = uint64(ratio * 1000)
	}
	return m
}

func TestRecommendedThresholds(t *testing.T) {
	tests := []struct {
		name      string
		ratio     float64
		requested int
		want      int
	}{
		{"idle passes through", 0.1, 8, 8},
		{"idle small request", 0.1, 2, 2},
		{"moderate caps at 3", 0.5, 8, 3},
		{"moderate below cap", 0.5, 2, 2},
		{"high caps at 2", 0.7, 8, 2},
		{"high below cap", 0.7, 1, 1},
		{"critical serializes", 0.85, 8, 1},
		{"boundary 0.8 stays high bucket", 0.8, 8, 2},
		{"boundary 0.6 stays moderate bucket", 0.6, 8, 3},
		{"boundary 0.4 passes through", 0.4, 8, 8},
		{"zero request clamps to 1", 0.1, 0, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := fixedMonitor(tc.ratio)
			if got := m.Recommended(tc.requested); got != tc.want {
				t.Fatalf("Recommended(%d) at ratio %.2f = %d, want %d",
					tc.requested, tc.ratio, got, tc.want)
			}
		})
	}
}

func TestSampleUsesSoftLimit(t *testing.T) {
	m := fixedMonitor(0.5)
	s := m.Sample()
	if s.Limit != 1000 {
		t.Fatalf("limit = %d, want soft limit 1000", s.Limit)
	}
	if s.Ratio < 0.49 || s.Ratio > 0.51 {
		t.Fatalf("ratio = %f, want ~0.5", s.Ratio)
	}
}

func TestCheckPressureBelowThresholdReturnsFast(t *testing.T) {
	m := fixedMonitor(0.5)
	start := time.Now()
	m.CheckPressure(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("CheckPressure blocked %s below the threshold", elapsed)
	}
}

func TestCheckPressureHonorsCancel(t *testing.T) {
	m := fixedMonitor(0.95)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	m.CheckPressure(ctx)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("CheckPressure ignored cancelled context (%s)", elapsed)
	}
}
