package app

import (
	"context"

	"batchkit/internal/job"
)

// JobHandle tracks one asynchronous run started via Engine.StartBatch.
type JobHandle struct {
	id   string
	done chan struct{}

	// set exactly once before done is closed
	result job.Result
	err    error
}

func newHandle(id string) *JobHandle {
	return &JobHandle{id: id, done: make(chan struct{})}
}

func (h *JobHandle) ID() string { return h.id }

// Done is closed when the run reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx is cancelled. Cancelling ctx
// abandons the wait, not the run; use Engine.Cancel to stop the job.
func (h *JobHandle) Wait(ctx context.Context) (job.Result, error) {
	select {
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

func (h *JobHandle) finish(res job.Result, err error) {
	h.result = res
	h.err = err
	close(h.done)
}
