package batch

import (
	"fmt"
	"time"
)

// Priority affects only the one-time initial task ordering; there is no
// priority queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Options configures one batch run. Unknown knobs do not exist: this struct
// is the whole contract.
type Options struct {
	// Concurrency is the desired parallelism; the resource monitor may
	// lower the effective value per batch.
	Concurrency int
	// BatchSize is the number of tasks per logical batch.
	BatchSize int

	// RetryEnabled turns the per-task retry loop on.
	RetryEnabled bool

	DelayBetweenBatches time.Duration
	// DelayBetweenTasks paces serial dispatch; it only applies when
	// Concurrency == 1 (e.g. to stay under an external rate limit).
	DelayBetweenTasks time.Duration

	// TaskTimeout is the wall-clock cap raced against each executor call.
	TaskTimeout time.Duration

	// AutoRecovery re-attempts retryable failed tasks once more,
	// sequentially, after the main pass.
	AutoRecovery bool
	// RecoveryDelay is the explicit cooldown between recovery attempts,
	// deliberately independent of the per-error retry delays.
	RecoveryDelay time.Duration

	Priority Priority
}

// DefaultOptions are the values used when the caller passes a zero Options.
func DefaultOptions() Options {
	return Options{
		Concurrency:   3,
		BatchSize:     10,
		RetryEnabled:  true,
		TaskTimeout:   5 * time.Minute,
		RecoveryDelay: 5 * time.Second,
		Priority:      PriorityNormal,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = def.TaskTimeout
	}
	if o.RecoveryDelay <= 0 {
		o.RecoveryDelay = def.RecoveryDelay
	}
	if o.Priority == "" {
		o.Priority = def.Priority
	}
	return o
}

// Validate rejects out-of-range values after defaults are applied.
func (o Options) Validate() error {
	if o.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", o.Concurrency)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", o.BatchSize)
	}
	if o.DelayBetweenBatches < 0 || o.DelayBetweenTasks < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	switch o.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("invalid priority %q", o.Priority)
	}
	return nil
}
