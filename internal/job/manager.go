// Package job owns the table of in-flight jobs and their lifecycle.
//
// All job mutation happens through Manager methods under a single mutex; the
// executor reads status through accessors and reports outcomes through
// StartTask/CompleteTask. Job values returned by accessors are copies.
package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"batchkit/internal/eventbus"
	"batchkit/internal/progress"
	"batchkit/internal/resource"
	"batchkit/internal/state"
	logx "batchkit/pkg/logx"
)

// Config controls the job manager.
type Config struct {
	// HistorySize bounds the terminal-job history ring.
	HistorySize int
	// ResultCap bounds each per-outcome result list; evicted entries are
	// spilled to the state store when one is configured.
	ResultCap int
	// ErrorCap bounds the per-job error summary list.
	ErrorCap int
	// GracePeriod is how long a cancelled job may keep running before it is
	// force-completed.
	GracePeriod time.Duration
	// MonitorInterval is the background diagnostics tick.
	MonitorInterval time.Duration
	// StuckThreshold flags in-flight tasks older than this (diagnostics only).
	StuckThreshold time.Duration
	// PersistInterval throttles progress-driven snapshot writes per job.
	PersistInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.ResultCap <= 0 {
		c.ResultCap = 500
	}
	if c.ErrorCap <= 0 {
		c.ErrorCap = 50
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 30 * time.Second
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 5 * time.Second
	}
	return c
}

// Manager owns active jobs, their counters and history.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store state.Store // nil disables persistence
	res   *resource.Monitor

	jobs    map[string]*jobState
	history []state.HistoryEntry

	monitorStop chan struct{}

	idSeq uint64
}

func NewManager(cfg Config, log logx.Logger, bus eventbus.Bus, store state.Store, res *resource.Monitor) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if res == nil {
		res = resource.NewMonitor(log)
	}
	return &Manager{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		store: store,
		res:   res,
		jobs:  make(map[string]*jobState),
	}
}

// SeedHistory installs history restored from a prior snapshot.
// Call before the first StartJob.
func (m *Manager) SeedHistory(entries []state.HistoryEntry) {
	m.mu.Lock()
	m.history = append(m.history, entries...)
	m.trimHistoryLocked()
	m.mu.Unlock()
}

// StartJob registers a new job with all counters at zero and status running.
// The first active job starts the background monitor.
func (m *Manager) StartJob(ctx context.Context, id, kind string, totalTasks int) (Job, error) {
	if totalTasks < 0 {
		return Job{}, fmt.Errorf("totalTasks must be >= 0, got %d", totalTasks)
	}
	if id == "" {
		id = m.newJobID(time.Now())
	}

	now := time.Now()
	m.mu.Lock()
	if _, ok := m.jobs[id]; ok {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	j := &jobState{
		id:           id,
		kind:         kind,
		status:       StatusRunning,
		total:        totalTasks,
		startTime:    now,
		inflight:     make(map[string]TaskInfo),
		stuckFlagged: make(map[string]bool),
		lastPersist:  now,
	}
	m.jobs[id] = j
	if len(m.jobs) == 1 {
		m.startMonitorLocked()
	}
	view := j.snapshotLocked()
	snap := m.snapshotDocLocked()
	m.mu.Unlock()

	m.publish(EventJobStarted, LifecycleEvent{JobID: id, Kind: kind, Status: StatusRunning})
	m.save(ctx, snap)
	m.log.Info("job started", logx.String("job", id), logx.String("kind", kind), logx.Int("total", totalTasks))
	return view, nil
}

// StartTask records a task dispatch. Required before CompleteTask.
func (m *Manager) StartTask(id string, info TaskInfo) error {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	j.inflight[info.ID] = info
	ct := info
	j.currentTask = &ct
	return nil
}

// CompleteTask records a task outcome. It requires a prior matching
// StartTask; a mismatch is an engine defect and propagates as an error.
func (m *Manager) CompleteTask(ctx context.Context, id string, res TaskResult) error {
	switch res.Status {
	case OutcomeSuccess, OutcomeFailed, OutcomeSkipped:
	default:
		return fmt.Errorf("invalid outcome status %q", res.Status)
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}

	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if _, ok := j.inflight[res.TaskID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s task %s", ErrNoActiveTask, id, res.TaskID)
	}
	delete(j.inflight, res.TaskID)
	delete(j.stuckFlagged, res.TaskID)
	if j.currentTask != nil && j.currentTask.ID == res.TaskID {
		j.currentTask = nil
		for _, info := range j.inflight {
			ct := info
			j.currentTask = &ct
			break
		}
	}

	var evicted []TaskResult
	switch res.Status {
	case OutcomeSuccess:
		j.completed++
		evicted = appendBounded(&j.results.Success, res, m.cfg.ResultCap)
	case OutcomeFailed:
		j.failed++
		evicted = appendBounded(&j.results.Failed, res, m.cfg.ResultCap)
		j.pushErrorLocked(fmt.Sprintf("%s: %s", res.TaskID, res.Error), m.cfg.ErrorCap)
	case OutcomeSkipped:
		j.skipped++
		evicted = appendBounded(&j.results.Skipped, res, m.cfg.ResultCap)
	}

	// Running mean over all processed tasks.
	n := j.processed()
	if n > 0 {
		j.metrics.AvgProcessingTime = time.Duration(
			(int64(j.metrics.AvgProcessingTime)*int64(n-1) + int64(res.Duration)) / int64(n),
		)
	}

	report := progress.Compute(j.total, j.completed, j.failed, j.skipped, j.metrics.AvgProcessingTime)
	j.lastProgress = report

	// Published under the lock: the bus is non-blocking, and this is what
	// guarantees non-decreasing processed counts per job for subscribers.
	m.publish(EventJobProgress, ProgressEvent{JobID: j.id, Kind: j.kind, Status: j.status, Report: report})

	var snap *state.Snapshot
	if m.persistDueLocked(j) {
		s := m.snapshotDocLocked()
		snap = &s
	}
	jobID := j.id
	m.mu.Unlock()

	m.spillEvicted(ctx, jobID, evicted)
	if snap != nil {
		m.save(ctx, *snap)
	}
	return nil
}

// ReclassifyFailed moves a previously failed task into the success list and
// adjusts counters. Used by the executor's recovery pass.
func (m *Manager) ReclassifyFailed(id string, res TaskResult) error {
	res.Status = OutcomeSuccess
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	for i, r := range j.results.Failed {
		if r.TaskID == res.TaskID {
			j.results.Failed = append(j.results.Failed[:i], j.results.Failed[i+1:]...)
			break
		}
	}
	if j.failed > 0 {
		j.failed--
	}
	j.completed++
	appendBounded(&j.results.Success, res, m.cfg.ResultCap)

	report := progress.Compute(j.total, j.completed, j.failed, j.skipped, j.metrics.AvgProcessingTime)
	j.lastProgress = report
	m.publish(EventJobProgress, ProgressEvent{JobID: j.id, Kind: j.kind, Status: j.status, Report: report})
	m.mu.Unlock()
	return nil
}

// UpdateProgress merges a partial update and emits a progress event.
// Persistence is throttled to once per PersistInterval per job.
func (m *Manager) UpdateProgress(ctx context.Context, id string, patch Patch) (progress.Report, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return progress.Report{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if patch.CurrentTask != nil {
		ct := *patch.CurrentTask
		j.currentTask = &ct
	}
	report := progress.Compute(j.total, j.completed, j.failed, j.skipped, j.metrics.AvgProcessingTime)
	j.lastProgress = report
	m.publish(EventJobProgress, ProgressEvent{JobID: j.id, Kind: j.kind, Status: j.status, Report: report})

	var snap *state.Snapshot
	if m.persistDueLocked(j) {
		s := m.snapshotDocLocked()
		snap = &s
	}
	m.mu.Unlock()

	if patch.Note != "" {
		m.log.Debug("job progress", logx.String("job", id), logx.String("note", patch.Note), logx.Int("processed", report.Processed))
	}
	if snap != nil {
		m.save(ctx, *snap)
	}
	return report, nil
}

// CancelJob requests cooperative cancellation and arms the grace timer.
// Allowed from running, pausing and paused (a paused run may be cancelled).
func (m *Manager) CancelJob(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	switch j.status {
	case StatusRunning, StatusPausing, StatusPaused:
	case StatusCancelling:
		m.mu.Unlock()
		return nil // already cancelling
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, j.status)
	}

	j.cancelRequested = true
	j.cancelReason = reason
	j.status = StatusCancelling
	grace := m.cfg.GracePeriod
	j.graceTimer = time.AfterFunc(grace, func() { m.forceComplete(id) })
	kind := j.kind
	snap := m.snapshotDocLocked()
	m.mu.Unlock()

	m.publish(EventJobCancelling, LifecycleEvent{JobID: id, Kind: kind, Status: StatusCancelling, Reason: reason})
	m.save(ctx, snap)
	m.log.Info("job cancel requested", logx.String("job", id), logx.String("reason", reason), logx.Duration("grace", grace))
	return nil
}

// PauseJob requests a cooperative pause. Only valid while running.
func (m *Manager) PauseJob(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.status != StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, j.status)
	}
	j.pauseRequested = true
	j.status = StatusPausing
	kind := j.kind
	m.mu.Unlock()

	m.publish(EventJobPausing, LifecycleEvent{JobID: id, Kind: kind, Status: StatusPausing})
	m.log.Info("job pause requested", logx.String("job", id))
	return nil
}

// MarkPaused acknowledges that the executor reached a checkpoint and stopped
// dispatching. Transitions pausing -> paused.
func (m *Manager) MarkPaused(id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.status != StatusPausing {
		m.mu.Unlock()
		return
	}
	j.status = StatusPaused
	kind := j.kind
	m.mu.Unlock()

	m.publish(EventJobPaused, LifecycleEvent{JobID: id, Kind: kind, Status: StatusPaused})
}

// ResumeJob clears the pause flag. Valid from pausing or paused.
func (m *Manager) ResumeJob(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.status != StatusPausing && j.status != StatusPaused {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, id, j.status)
	}
	j.pauseRequested = false
	j.status = StatusRunning
	kind := j.kind
	m.mu.Unlock()

	m.publish(EventJobResumed, LifecycleEvent{JobID: id, Kind: kind, Status: StatusRunning})
	m.log.Info("job resumed", logx.String("job", id))
	return nil
}

// IsCancelRequested is a cheap cooperative checkpoint probe.
func (m *Manager) IsCancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return ok && j.cancelRequested
}

// IsPauseRequested is a cheap cooperative checkpoint probe.
func (m *Manager) IsPauseRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return ok && j.pauseRequested
}

// CompleteJob moves the job to a terminal state: stops the grace timer,
// stamps the end time, snapshots metrics, moves a sanitized projection into
// history, removes the job from the active table and persists.
func (m *Manager) CompleteJob(ctx context.Context, id string, status Status) (Job, error) {
	if !status.Terminal() {
		return Job{}, fmt.Errorf("CompleteJob requires a terminal status, got %q", status)
	}

	sample := m.res.Sample()
	now := time.Now()

	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.graceTimer != nil {
		j.graceTimer.Stop()
		j.graceTimer = nil
	}
	j.status = status
	j.endTime = now
	j.currentTask = nil
	j.metrics.HeapInuse = sample.HeapInuse
	j.metrics.HeapRatio = sample.Ratio
	j.metrics.SampledAt = now

	view := j.snapshotLocked()
	m.history = append(m.history, state.HistoryEntry{
		ID:              j.id,
		Kind:            j.kind,
		Status:          string(status),
		TotalTasks:      j.total,
		CompletedTasks:  j.completed,
		FailedTasks:     j.failed,
		SkippedTasks:    j.skipped,
		StartTime:       j.startTime,
		EndTime:         now,
		AvgProcessingMS: j.metrics.AvgProcessingTime.Milliseconds(),
		Reason:          j.cancelReason,
	})
	m.trimHistoryLocked()
	reason := j.cancelReason
	kind := j.kind
	delete(m.jobs, id)
	if len(m.jobs) == 0 {
		m.stopMonitorLocked()
	}
	snap := m.snapshotDocLocked()
	m.mu.Unlock()

	m.publish(EventJobCompleted, LifecycleEvent{JobID: id, Kind: kind, Status: status, Reason: reason})
	m.save(ctx, snap)
	m.log.Info("job completed",
		logx.String("job", id),
		logx.String("status", string(status)),
		logx.Int("completed", view.CompletedTasks),
		logx.Int("failed", view.FailedTasks),
		logx.Int("skipped", view.SkippedTasks),
		logx.Duration("took", now.Sub(view.StartTime)),
	)
	return view, nil
}

// forceComplete is the grace-timer callback: if the job still has not reached
// a terminal state, complete it as cancelled so shutdown cannot hang on an
// unresponsive run.
func (m *Manager) forceComplete(id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.status.Terminal() {
		m.mu.Unlock()
		return
	}
	if j.cancelReason == "" {
		j.cancelReason = "grace period expired"
	}
	m.mu.Unlock()

	m.log.Warn("job did not stop within grace period; force-completing", logx.String("job", id))
	if _, err := m.CompleteJob(context.Background(), id, StatusCancelled); err != nil {
		m.log.Error("force-complete failed", logx.String("job", id), logx.Err(err))
	}
}

// Get returns a copy of an active job.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.snapshotLocked(), true
}

// Progress computes the current progress report for an active job.
func (m *Manager) Progress(id string) (progress.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return progress.Report{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return progress.Compute(j.total, j.completed, j.failed, j.skipped, j.metrics.AvgProcessingTime), nil
}

// Active returns copies of all active jobs.
func (m *Manager) Active() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshotLocked())
	}
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// History returns a copy of the terminal-job history ring.
func (m *Manager) History() []state.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Close stops the monitor and writes a final snapshot.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.stopMonitorLocked()
	snap := m.snapshotDocLocked()
	m.mu.Unlock()
	m.save(ctx, snap)
}

// NewJobID generates a unique job ID without registering anything. Used by
// callers that need the ID before the run goroutine registers the job.
func (m *Manager) NewJobID() string { return m.newJobID(time.Now()) }

// ---- internals ----

func (m *Manager) newJobID(now time.Time) string {
	seq := atomic.AddUint64(&m.idSeq, 1)
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}

func (j *jobState) pushErrorLocked(msg string, cap int) {
	j.errors = append(j.errors, msg)
	if len(j.errors) > cap {
		j.errors = j.errors[len(j.errors)-cap:]
	}
}

// appendBounded appends r and evicts the oldest entries beyond cap,
// returning them for spilling.
func appendBounded(list *[]TaskResult, r TaskResult, cap int) []TaskResult {
	*list = append(*list, r)
	if len(*list) <= cap {
		return nil
	}
	n := len(*list) - cap
	evicted := make([]TaskResult, n)
	copy(evicted, (*list)[:n])
	*list = (*list)[n:]
	return evicted
}

func (m *Manager) trimHistoryLocked() {
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

func (m *Manager) persistDueLocked(j *jobState) bool {
	if m.store == nil {
		return false
	}
	now := time.Now()
	if now.Sub(j.lastPersist) < m.cfg.PersistInterval {
		return false
	}
	j.lastPersist = now
	return true
}

func (m *Manager) snapshotDocLocked() state.Snapshot {
	snap := state.Snapshot{SavedAt: time.Now()}
	for _, j := range m.jobs {
		snap.Active = append(snap.Active, j.stateSnapshotLocked())
	}
	snap.History = make([]state.HistoryEntry, len(m.history))
	copy(snap.History, m.history)
	return snap
}

// save persists a snapshot best-effort: failures are logged, never returned,
// so persistence trouble cannot break job lifecycle calls.
func (m *Manager) save(ctx context.Context, snap state.Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		m.log.Warn("state snapshot save failed", logx.Err(err))
	}
}

func (m *Manager) spillEvicted(ctx context.Context, jobID string, evicted []TaskResult) {
	if m.store == nil || len(evicted) == 0 {
		return
	}
	for _, r := range evicted {
		rec := state.OutcomeRecord{
			JobID:      jobID,
			TaskID:     r.TaskID,
			Status:     string(r.Status),
			Error:      r.Error,
			Reason:     r.Reason,
			DurationMS: r.Duration.Milliseconds(),
			Attempts:   r.Attempts,
			FinishedAt: r.FinishedAt,
		}
		if err := m.store.AppendOutcome(ctx, rec); err != nil {
			m.log.Debug("outcome spill failed", logx.String("job", jobID), logx.String("task", r.TaskID), logx.Err(err))
			return
		}
	}
}

func (m *Manager) publish(eventType string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: data})
}
