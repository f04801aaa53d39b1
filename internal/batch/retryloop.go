package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"batchkit/internal/job"
	"batchkit/internal/retry"
	logx "batchkit/pkg/logx"
)

// runTask drives one task through skip/timeout/retry handling and records
// exactly one outcome with the manager. The returned error is an engine
// defect (unknown job, bookkeeping mismatch), never a task failure.
func (r *Runner) runTask(ctx context.Context, jobID string, t Task, opts Options, exec Executor) error {
	if err := r.mgr.StartTask(jobID, job.TaskInfo{ID: t.ID, Label: t.Label}); err != nil {
		return err
	}
	start := time.Now()

	record := func(res job.TaskResult) error {
		res.TaskID = t.ID
		res.Label = t.Label
		res.Duration = time.Since(start)
		if err := r.mgr.CompleteTask(ctx, jobID, res); err != nil {
			return err
		}
		r.writeSink(ctx, jobID, res)
		return nil
	}

	if t.SkipReason != "" {
		return record(job.TaskResult{
			Status:   job.OutcomeSkipped,
			Reason:   t.SkipReason,
			Attempts: 0,
		})
	}

	// Per-task source: rand.Rand is not safe for concurrent use across the
	// dispatched goroutines.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	attempt := 1
	for {
		out := r.invoke(ctx, t, opts.TaskTimeout, exec)

		switch out.Status {
		case job.OutcomeSuccess:
			return record(job.TaskResult{
				Status:     job.OutcomeSuccess,
				Attempts:   attempt,
				RetryCount: attempt - 1,
			})
		case job.OutcomeSkipped:
			return record(job.TaskResult{
				Status:     job.OutcomeSkipped,
				Reason:     out.Reason,
				Attempts:   attempt,
				RetryCount: attempt - 1,
			})
		}

		taskErr := out.Err
		if taskErr == nil {
			taskErr = errors.New("task failed without error detail")
		}

		kind := retry.Classify(taskErr)
		policy := r.reg.For(kind)
		retriesUsed := attempt - 1

		exhausted := retriesUsed >= policy.MaxRetries
		if !opts.RetryEnabled || !policy.Retryable() || exhausted {
			r.log.Debug("task failed terminally",
				logx.String("job", jobID), logx.String("task", t.ID),
				logx.String("class", string(kind)), logx.Int("attempts", attempt), logx.Err(taskErr))
			if opts.RetryEnabled && policy.Retryable() && exhausted && r.gateway != nil {
				r.gateway.RetryExhausted(ctx, jobID, t.ID, attempt, taskErr)
			}
			return record(job.TaskResult{
				Status:     job.OutcomeFailed,
				Error:      taskErr.Error(),
				Reason:     string(kind),
				Attempts:   attempt,
				RetryCount: retriesUsed,
			})
		}

		delay := retry.Backoff(policy, attempt, rng)
		if hint, ok := retry.AfterHint(taskErr); ok && hint > delay {
			delay = hint
		}
		r.log.Debug("task failed, retrying",
			logx.String("job", jobID), logx.String("task", t.ID),
			logx.String("class", string(kind)), logx.Int("attempt", attempt),
			logx.Duration("delay", delay), logx.Err(taskErr))

		// A cancel during backoff stops retrying; the failure stands as-is.
		if r.checkCancel(ctx, jobID) || !sleepCtx(ctx, delay) {
			return record(job.TaskResult{
				Status:     job.OutcomeFailed,
				Error:      taskErr.Error(),
				Reason:     string(kind),
				Attempts:   attempt,
				RetryCount: retriesUsed,
			})
		}
		attempt++
	}
}

// invoke runs a single executor attempt, racing it against the task timeout
// and caller cancellation. A panic inside the executor becomes a failed
// outcome; it never takes the run down.
func (r *Runner) invoke(ctx context.Context, t Task, timeout time.Duration, exec Executor) Outcome {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan Outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- Failed(fmt.Errorf("task panicked: %v", rec))
			}
		}()
		ch <- exec.Execute(tctx, t)
	}()

	select {
	case out := <-ch:
		return out
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return Failed(err)
		}
		// The executor goroutine is left to drain into the buffered
		// channel; the recorded outcome is the timeout.
		return Failed(fmt.Errorf("attempt exceeded %s: %w", timeout, context.DeadlineExceeded))
	}
}
