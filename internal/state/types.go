package state

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("state persistence disabled")

// Config configures the snapshot store.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + jsonl outcomes)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobSnapshot is the sanitized per-job record written on every save.
// Bulk result lists are intentionally stripped down to counts: after a crash
// only the counters can be trusted, and they are all restore needs.
type JobSnapshot struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	SkippedTasks   int       `json:"skipped_tasks"`
	StartTime      time.Time `json:"start_time"`
}

// HistoryEntry is a terminal job projection kept in the bounded history ring.
type HistoryEntry struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Status           string    `json:"status"`
	TotalTasks       int       `json:"total_tasks"`
	CompletedTasks   int       `json:"completed_tasks"`
	FailedTasks      int       `json:"failed_tasks"`
	SkippedTasks     int       `json:"skipped_tasks"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	AvgProcessingMS  int64     `json:"avg_processing_ms"`
	Reason           string    `json:"reason,omitempty"`
}

// Snapshot is the full durable document: active jobs plus bounded history.
type Snapshot struct {
	SavedAt time.Time      `json:"saved_at"`
	Active  []JobSnapshot  `json:"active"`
	History []HistoryEntry `json:"history"`
}

// OutcomeRecord is one per-task outcome, appended when results are evicted
// from the in-memory ring or written at batch boundaries.
type OutcomeRecord struct {
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	FinishedAt time.Time `json:"finished_at"`
}
