package job

import (
	"time"

	"batchkit/internal/progress"
	"batchkit/internal/state"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusPausing    Status = "pausing"
	StatusPaused     Status = "paused"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// OutcomeStatus is the result classification of one task.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// TaskInfo identifies a task in flight, for stuck detection and reporting.
type TaskInfo struct {
	ID        string
	Label     string
	StartedAt time.Time
}

// TaskResult is the recorded outcome of one task attempt sequence.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	Label      string        `json:"label,omitempty"`
	Status     OutcomeStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	RetryCount int           `json:"retry_count"`
	FinishedAt time.Time     `json:"finished_at"`
}

// ResultSet holds the three ordered outcome lists. Each list is bounded;
// older entries are evicted (and spilled to the state store) once the cap
// is exceeded. Counters are authoritative, lists are a window.
type ResultSet struct {
	Success []TaskResult `json:"success"`
	Failed  []TaskResult `json:"failed"`
	Skipped []TaskResult `json:"skipped"`
}

// Metrics carries per-job runtime figures.
type Metrics struct {
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	HeapInuse         uint64        `json:"heap_inuse"`
	HeapRatio         float64       `json:"heap_ratio"`
	SampledAt         time.Time     `json:"sampled_at"`
}

// Job is a point-in-time copy of one orchestrated run.
// Mutation happens only through Manager methods; Job values handed out by
// accessors are snapshots and safe to retain.
type Job struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	Status Status `json:"status"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	SkippedTasks   int `json:"skipped_tasks"`

	CurrentTask *TaskInfo `json:"current_task,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`

	CancelRequested bool `json:"cancel_requested"`
	PauseRequested  bool `json:"pause_requested"`

	Errors  []string  `json:"errors,omitempty"`
	Results ResultSet `json:"results"`
	Metrics Metrics   `json:"metrics"`

	Progress progress.Report `json:"progress"`
}

// Result is the terminal report returned to the caller of a batch run.
//
// Status is failed only when orchestration itself broke; individual task
// failures show up in FailedTasks/Results.Failed while the job still
// completes.
type Result struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	Status Status `json:"status"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	SkippedTasks   int `json:"skipped_tasks"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	Results ResultSet `json:"results"`
	Errors  []string  `json:"errors,omitempty"`

	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// Patch is a partial progress update merged into a job by UpdateProgress.
// Nil fields are left untouched.
type Patch struct {
	CurrentTask *TaskInfo
	Note        string
}

// jobState is the mutable record owned by the Manager. All access goes
// through the manager mutex.
type jobState struct {
	id   string
	kind string

	status Status

	total     int
	completed int
	failed    int
	skipped   int

	inflight    map[string]TaskInfo
	currentTask *TaskInfo

	startTime time.Time
	endTime   time.Time

	cancelRequested bool
	pauseRequested  bool
	cancelReason    string

	errors  []string
	results ResultSet
	metrics Metrics

	graceTimer *time.Timer

	// stuckFlagged remembers which in-flight tasks have already been
	// reported as stuck, so the monitor logs each at most once.
	stuckFlagged map[string]bool

	lastPersist  time.Time
	lastProgress progress.Report
}

func (j *jobState) processed() int { return j.completed + j.failed + j.skipped }

func (j *jobState) snapshotLocked() Job {
	out := Job{
		ID:              j.id,
		Kind:            j.kind,
		Status:          j.status,
		TotalTasks:      j.total,
		CompletedTasks:  j.completed,
		FailedTasks:     j.failed,
		SkippedTasks:    j.skipped,
		StartTime:       j.startTime,
		EndTime:         j.endTime,
		CancelRequested: j.cancelRequested,
		PauseRequested:  j.pauseRequested,
		Metrics:         j.metrics,
		Progress:        progress.Compute(j.total, j.completed, j.failed, j.skipped, j.metrics.AvgProcessingTime),
	}
	if j.currentTask != nil {
		ct := *j.currentTask
		out.CurrentTask = &ct
	}
	out.Errors = append([]string(nil), j.errors...)
	out.Results = ResultSet{
		Success: append([]TaskResult(nil), j.results.Success...),
		Failed:  append([]TaskResult(nil), j.results.Failed...),
		Skipped: append([]TaskResult(nil), j.results.Skipped...),
	}
	return out
}

func (j *jobState) stateSnapshotLocked() state.JobSnapshot {
	return state.JobSnapshot{
		ID:             j.id,
		Kind:           j.kind,
		Status:         string(j.status),
		TotalTasks:     j.total,
		CompletedTasks: j.completed,
		FailedTasks:    j.failed,
		SkippedTasks:   j.skipped,
		StartTime:      j.startTime,
	}
}

// Event types published on the bus.
const (
	EventJobStarted    = "job.started"
	EventJobProgress   = "job.progress"
	EventJobPausing    = "job.pausing"
	EventJobPaused     = "job.paused"
	EventJobResumed    = "job.resumed"
	EventJobCancelling = "job.cancelling"
	EventJobCompleted  = "job.completed"
	EventTaskStuck     = "task.stuck"
)

// ProgressEvent is the payload of job.progress events. For a given job, the
// Report.Processed values are non-decreasing in publish order.
type ProgressEvent struct {
	JobID  string          `json:"job_id"`
	Kind   string          `json:"kind"`
	Status Status          `json:"status"`
	Report progress.Report `json:"report"`
}

// LifecycleEvent is the payload of job lifecycle events.
type LifecycleEvent struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// StuckEvent flags a task whose elapsed time exceeds the stuck threshold.
// Diagnostics only; the task is not cancelled.
type StuckEvent struct {
	JobID   string        `json:"job_id"`
	TaskID  string        `json:"task_id"`
	Label   string        `json:"label,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}
