// Package batch drives one orchestrated run: batching, the concurrency gate,
// cooperative pause/cancel checkpoints and the per-task retry loop.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"batchkit/internal/job"
	"batchkit/internal/notify"
	"batchkit/internal/resource"
	"batchkit/internal/retry"
	logx "batchkit/pkg/logx"
)

// pausePollInterval is how often a paused run re-checks its flags. Polling
// (rather than blocking) keeps the run cancellable from within a pause.
const pausePollInterval = 250 * time.Millisecond

// Runner executes batches of tasks against an Executor under the manager's
// supervision. It mutates job state only through Manager methods.
type Runner struct {
	mgr *job.Manager
	reg *retry.Registry
	res *resource.Monitor
	log logx.Logger

	// Optional collaborators.
	gateway *notify.Gateway
	sink    Sink
}

func NewRunner(mgr *job.Manager, reg *retry.Registry, res *resource.Monitor, log logx.Logger) *Runner {
	if reg == nil {
		reg = retry.NewRegistry()
	}
	if res == nil {
		res = resource.NewMonitor(log)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{mgr: mgr, reg: reg, res: res, log: log}
}

// WithGateway attaches the alert gateway. Optional.
func (r *Runner) WithGateway(g *notify.Gateway) *Runner {
	r.gateway = g
	return r
}

// WithSink attaches the external outcome sink. Optional.
func (r *Runner) WithSink(s Sink) *Runner {
	r.sink = s
	return r
}

// Run executes tasks for one job and blocks until the job is terminal.
//
// Individual task failures never fail the run; the returned Result has
// status failed only when orchestration itself broke (and the error return
// is non-nil in that case as well).
func (r *Runner) Run(ctx context.Context, jobID, kind string, tasks []Task, opts Options, exec Executor) (job.Result, error) {
	if exec == nil {
		return job.Result{}, fmt.Errorf("executor is nil")
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return job.Result{}, fmt.Errorf("invalid options: %w", err)
	}

	started, err := r.mgr.StartJob(ctx, jobID, kind, len(tasks))
	if err != nil {
		return job.Result{}, err
	}
	jobID = started.ID

	cancelled, runErr := r.execute(ctx, jobID, tasks, opts, exec)

	status := job.StatusCompleted
	switch {
	case runErr != nil:
		status = job.StatusFailed
		r.log.Error("batch run aborted", logx.String("job", jobID), logx.Err(runErr))
		if r.gateway != nil {
			r.gateway.CriticalError(ctx, jobID, runErr)
		}
	case cancelled:
		status = job.StatusCancelled
	}

	final, cerr := r.mgr.CompleteJob(context.WithoutCancel(ctx), jobID, status)
	if cerr != nil {
		// The grace timer may have force-completed the job first; history
		// already holds the cancelled record.
		if runErr == nil && cancelled && errors.Is(cerr, job.ErrUnknownJob) {
			return job.Result{ID: jobID, Kind: kind, Status: job.StatusCancelled}, nil
		}
		if runErr == nil {
			runErr = cerr
		}
		return job.Result{ID: jobID, Kind: kind, Status: status}, runErr
	}

	if r.gateway != nil {
		r.gateway.JobCompleted(ctx, final.ID, final.Kind, string(final.Status),
			final.CompletedTasks, final.FailedTasks, final.SkippedTasks)
	}

	return toResult(final), runErr
}

// execute is the driver loop. It reports whether cancellation was observed;
// a non-nil error means orchestration broke (engine defect or escaped
// panic), not a task failure.
func (r *Runner) execute(ctx context.Context, jobID string, tasks []Task, opts Options, exec Executor) (cancelled bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("orchestration panic: %v", rec)
			r.log.Error("panic in batch driver", logx.String("job", jobID), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	ordered := sortTasks(tasks, opts.Priority)
	batches := partition(ordered, opts.BatchSize)

	for bi, b := range batches {
		// Checkpoint: a cancel stops the run; remaining tasks are neither
		// started nor counted as failed.
		if r.checkCancel(ctx, jobID) {
			return true, nil
		}

		if stop := r.waitWhilePaused(ctx, jobID); stop {
			return true, nil
		}

		// Effective concurrency is re-evaluated once per batch, not per
		// task, to avoid thrashing.
		effective := r.res.Recommended(opts.Concurrency)
		r.res.CheckPressure(ctx)
		if effective != opts.Concurrency {
			r.log.Debug("concurrency reduced by resource pressure",
				logx.String("job", jobID), logx.Int("requested", opts.Concurrency), logx.Int("effective", effective))
		}

		gate := make(chan struct{}, effective)
		var wg sync.WaitGroup
		var mu sync.Mutex
		var taskErr error
		var reaped bool

		dispatched := 0
		for _, t := range b {
			// Cancellation is re-checked immediately before each dispatch;
			// tasks already in flight finish naturally.
			if r.checkCancel(ctx, jobID) {
				cancelled = true
				break
			}
			if opts.Concurrency == 1 && dispatched > 0 && opts.DelayBetweenTasks > 0 {
				if !sleepCtx(ctx, opts.DelayBetweenTasks) {
					cancelled = true
					break
				}
			}

			gate <- struct{}{}
			wg.Add(1)
			dispatched++
			t := t
			go func() {
				defer wg.Done()
				defer func() { <-gate }()
				terr := r.runTask(ctx, jobID, t, opts, exec)
				if terr == nil {
					return
				}
				mu.Lock()
				switch {
				case errors.Is(terr, job.ErrUnknownJob), errors.Is(terr, job.ErrTerminal):
					// The cancel grace timer force-completed the job while
					// this task was in flight. The run was cancelled, not
					// broken.
					reaped = true
				case taskErr == nil:
					taskErr = terr
				}
				mu.Unlock()
			}()
		}

		// Batch settles: every dispatched task has a recorded outcome.
		wg.Wait()
		if taskErr != nil {
			return cancelled, taskErr
		}
		if cancelled || reaped {
			return true, nil
		}

		if _, uerr := r.mgr.UpdateProgress(ctx, jobID, job.Patch{
			Note: fmt.Sprintf("batch %d/%d settled", bi+1, len(batches)),
		}); uerr != nil {
			return false, uerr
		}

		if bi < len(batches)-1 && opts.DelayBetweenBatches > 0 {
			if !sleepCtx(ctx, opts.DelayBetweenBatches) {
				return true, nil
			}
		}
	}

	if opts.AutoRecovery {
		if r.checkCancel(ctx, jobID) {
			return true, nil
		}
		if rerr := r.recoveryPass(ctx, jobID, tasks, opts, exec); rerr != nil {
			return false, rerr
		}
	}
	return false, nil
}

// checkCancel folds caller context cancellation into the cooperative flag.
func (r *Runner) checkCancel(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.mgr.IsCancelRequested(jobID)
}

// waitWhilePaused polls the pause flag. Returns true when the wait ended in
// cancellation rather than a resume.
func (r *Runner) waitWhilePaused(ctx context.Context, jobID string) (stop bool) {
	if !r.mgr.IsPauseRequested(jobID) {
		return false
	}
	r.mgr.MarkPaused(jobID)
	for r.mgr.IsPauseRequested(jobID) {
		if r.checkCancel(ctx, jobID) {
			return true
		}
		if !sleepCtx(ctx, pausePollInterval) {
			return true
		}
	}
	return r.checkCancel(ctx, jobID)
}

// recoveryPass sequentially re-attempts failed tasks that are flagged
// retryable and still below the retry ceiling. Successes are reclassified.
func (r *Runner) recoveryPass(ctx context.Context, jobID string, tasks []Task, opts Options, exec Executor) error {
	snap, ok := r.mgr.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrUnknownJob, jobID)
	}
	if len(snap.Results.Failed) == 0 {
		return nil
	}

	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	recovered := 0
	for _, fr := range snap.Results.Failed {
		if r.checkCancel(ctx, jobID) {
			return nil
		}
		t, ok := byID[fr.TaskID]
		if !ok {
			continue
		}
		// Eligibility keys off the kind recorded at failure time: the stored
		// message cannot reconstruct marker wrappers like retry.Permanent,
		// so re-classifying it would re-attempt permanent failures.
		kind := retry.Kind(fr.Reason)
		if kind == "" {
			kind = retry.Classify(fmt.Errorf("%s", fr.Error))
		}
		policy := r.reg.For(kind)
		if !policy.Retryable() || fr.RetryCount >= policy.MaxRetries {
			continue
		}

		if !sleepCtx(ctx, opts.RecoveryDelay) {
			return nil
		}

		out := r.invoke(ctx, t, opts.TaskTimeout, exec)
		if out.Status != job.OutcomeSuccess {
			r.log.Debug("recovery attempt failed", logx.String("job", jobID), logx.String("task", t.ID), logx.Err(out.Err))
			continue
		}

		res := job.TaskResult{
			TaskID:     t.ID,
			Label:      t.Label,
			Status:     job.OutcomeSuccess,
			Duration:   fr.Duration,
			Attempts:   fr.Attempts + 1,
			RetryCount: fr.RetryCount + 1,
			FinishedAt: time.Now(),
		}
		if err := r.mgr.ReclassifyFailed(jobID, res); err != nil {
			return err
		}
		r.writeSink(ctx, jobID, res)
		recovered++
	}

	if recovered > 0 {
		r.log.Info("auto-recovery pass finished", logx.String("job", jobID), logx.Int("recovered", recovered))
	}
	return nil
}

func (r *Runner) writeSink(ctx context.Context, jobID string, res job.TaskResult) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Write(ctx, res.TaskID, res); err != nil {
		r.log.Debug("outcome sink write failed", logx.String("job", jobID), logx.String("task", res.TaskID), logx.Err(err))
	}
}

// sortTasks applies the one-time priority ordering. The sort is stable so
// equal-rank tasks keep their input order.
func sortTasks(tasks []Task, p Priority) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)

	switch p {
	case PriorityHigh:
		// Tasks that failed before go first.
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].PriorFailures > 0 && out[j].PriorFailures == 0
		})
	case PriorityLow:
		// Recently successful tasks go last.
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].LastSuccessAt.IsZero() && !out[j].LastSuccessAt.IsZero()
		})
	}
	return out
}

func partition(tasks []Task, size int) [][]Task {
	if len(tasks) == 0 {
		return nil
	}
	var out [][]Task
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		out = append(out, tasks[start:end])
	}
	return out
}

// sleepCtx sleeps for d; returns false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func toResult(j job.Job) job.Result {
	return job.Result{
		ID:                j.ID,
		Kind:              j.Kind,
		Status:            j.Status,
		TotalTasks:        j.TotalTasks,
		CompletedTasks:    j.CompletedTasks,
		FailedTasks:       j.FailedTasks,
		SkippedTasks:      j.SkippedTasks,
		StartTime:         j.StartTime,
		EndTime:           j.EndTime,
		Duration:          j.EndTime.Sub(j.StartTime),
		Results:           j.Results,
		Errors:            j.Errors,
		AvgProcessingTime: j.Metrics.AvgProcessingTime,
	}
}
