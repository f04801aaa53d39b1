package batch

import (
	"context"
	"time"

	"batchkit/internal/job"
)

// Task is one externally defined unit of work. The engine treats Payload as
// opaque and only reads the metadata fields.
type Task struct {
	ID    string
	Label string

	// Payload is handed to the executor untouched.
	Payload any

	// PriorFailures is the caller's failure marker from earlier runs; high
	// priority sorts tasks with a non-zero marker first.
	PriorFailures int

	// LastSuccessAt, when set, marks a recently successful task; low
	// priority sorts those last.
	LastSuccessAt time.Time

	// SkipReason short-circuits the task with a skipped outcome without
	// ever invoking the executor (e.g. already in the desired end state).
	SkipReason string
}

// Outcome is the executor's verdict for one attempt.
type Outcome struct {
	Status job.OutcomeStatus
	Reason string
	Err    error
}

func Success() Outcome              { return Outcome{Status: job.OutcomeSuccess} }
func Failed(err error) Outcome      { return Outcome{Status: job.OutcomeFailed, Err: err} }
func Skipped(reason string) Outcome { return Outcome{Status: job.OutcomeSkipped, Reason: reason} }

// Executor performs one unit of work. The engine imposes timeout and retry
// wrapping; implementations need not retry internally.
type Executor interface {
	Execute(ctx context.Context, t Task) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t Task) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, t Task) Outcome { return f(ctx, t) }

// Source reads task definitions from external record storage at job start.
type Source interface {
	Read(ctx context.Context, kind string) ([]Task, error)
}

// Sink receives per-task outcomes; writes are best-effort and never block
// the run on failure.
type Sink interface {
	Write(ctx context.Context, taskID string, res job.TaskResult) error
}
