package job

import (
	"context"
	"time"

	"batchkit/internal/eventbus"
	"batchkit/internal/state"
	logx "batchkit/pkg/logx"
)

// startMonitorLocked launches the background diagnostics tick. It runs while
// at least one job is active and stops when the table empties.
func (m *Manager) startMonitorLocked() {
	if m.monitorStop != nil {
		return
	}
	stop := make(chan struct{})
	m.monitorStop = stop
	go m.monitorLoop(stop)
}

func (m *Manager) stopMonitorLocked() {
	if m.monitorStop == nil {
		return
	}
	close(m.monitorStop)
	m.monitorStop = nil
}

// monitorLoop re-samples resource pressure, stamps it into job metrics,
// flags stuck tasks and drives throttled persistence. It never cancels work;
// stuck flagging is purely diagnostic.
func (m *Manager) monitorLoop(stop <-chan struct{}) {
	t := time.NewTicker(m.cfg.MonitorInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}

		sample := m.res.Sample()
		now := time.Now()

		var stuck []StuckEvent
		var snap *state.Snapshot

		m.mu.Lock()
		for _, j := range m.jobs {
			j.metrics.HeapInuse = sample.HeapInuse
			j.metrics.HeapRatio = sample.Ratio
			j.metrics.SampledAt = now

			for id, info := range j.inflight {
				elapsed := now.Sub(info.StartedAt)
				if elapsed < m.cfg.StuckThreshold || j.stuckFlagged[id] {
					continue
				}
				j.stuckFlagged[id] = true
				stuck = append(stuck, StuckEvent{
					JobID:   j.id,
					TaskID:  id,
					Label:   info.Label,
					Elapsed: elapsed,
				})
			}

			if snap == nil && m.persistDueLocked(j) {
				s := m.snapshotDocLocked()
				snap = &s
			}
		}
		m.mu.Unlock()

		for _, ev := range stuck {
			m.log.Warn("task exceeds stuck threshold",
				logx.String("job", ev.JobID),
				logx.String("task", ev.TaskID),
				logx.Duration("elapsed", ev.Elapsed),
			)
			if m.bus != nil {
				m.bus.Publish(eventbus.Event{Type: EventTaskStuck, Time: now, Data: ev})
			}
		}
		if snap != nil {
			m.save(context.Background(), *snap)
		}
	}
}
