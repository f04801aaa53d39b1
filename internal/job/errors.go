package job

import "errors"

var (
	// ErrDuplicateJob means StartJob was called with an ID that is still active.
	ErrDuplicateJob = errors.New("job id already active")

	// ErrUnknownJob means the ID does not match any active job.
	ErrUnknownJob = errors.New("unknown job")

	// ErrNotRunning rejects lifecycle transitions from an incompatible state.
	ErrNotRunning = errors.New("job is not running")

	// ErrNotPaused rejects ResumeJob on a job that is not paused or pausing.
	ErrNotPaused = errors.New("job is not paused")

	// ErrNoActiveTask means CompleteTask had no matching StartTask.
	// This is an engine defect, not a task failure, and is allowed to
	// propagate to the caller.
	ErrNoActiveTask = errors.New("no matching in-flight task")

	// ErrTerminal rejects mutation of a job that already reached an end state.
	ErrTerminal = errors.New("job already terminal")
)
