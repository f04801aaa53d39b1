package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batchkit/internal/job"
	"batchkit/internal/retry"
	logx "batchkit/pkg/logx"
)

// fastRegistry keeps retry semantics but with millisecond delays so tests
// run quickly.
func fastRegistry() *retry.Registry {
	r := retry.NewRegistry()
	r.Set(retry.KindNetwork, retry.Policy{MaxRetries: 3, Delay: time.Millisecond, ExponentialBackoff: true})
	r.Set(retry.KindTimeout, retry.Policy{MaxRetries: 2, Delay: time.Millisecond})
	r.Set(retry.KindRateLimit, retry.Policy{MaxRetries: 3, Delay: time.Millisecond})
	r.Set(retry.KindDefault, retry.Policy{MaxRetries: 1, Delay: time.Millisecond})
	return r
}

func newTestRunner(t *testing.T, mgrCfg job.Config) (*Runner, *job.Manager) {
	t.Helper()
	mgr := job.NewManager(mgrCfg, logx.Nop(), nil, nil, nil)
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return NewRunner(mgr, fastRegistry(), nil, logx.Nop()), mgr
}

func taskN(n int) []Task {
	out := make([]Task, n)
	for i := range out {
		out[i] = Task{ID: fmt.Sprintf("t%d", i)}
	}
	return out
}

func TestRunAllSuccess(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		return Success()
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(10),
		Options{Concurrency: 2, BatchSize: 5}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.CompletedTasks != 10 || res.FailedTasks != 0 || res.SkippedTasks != 0 {
		t.Fatalf("counters = %d/%d/%d", res.CompletedTasks, res.FailedTasks, res.SkippedTasks)
	}
	if calls.Load() != 10 {
		t.Fatalf("executor invoked %d times, want 10", calls.Load())
	}
	if res.EndTime.Before(res.StartTime) {
		t.Fatal("end before start")
	}
}

func TestRunNilExecutor(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})
	if _, err := r.Run(context.Background(), "", "sync", taskN(1), Options{}, nil); err == nil {
		t.Fatal("expected error for nil executor")
	}
}

func TestRunTaskFailuresDoNotFailTheRun(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		if tk.ID == "t1" {
			return Failed(retry.Permanent(errors.New("account locked")))
		}
		return Success()
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(3), Options{Concurrency: 1, BatchSize: 3}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != job.StatusCompleted {
		t.Fatalf("status = %s; task failures must not fail the run", res.Status)
	}
	if res.CompletedTasks != 2 || res.FailedTasks != 1 {
		t.Fatalf("counters = %d/%d, want 2/1", res.CompletedTasks, res.FailedTasks)
	}
}

func TestPermanentFailureAttemptedOnce(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		return Failed(errors.New("invalid credentials"))
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(1),
		Options{Concurrency: 1, BatchSize: 1, RetryEnabled: true}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("permanent failure attempted %d times, want 1", calls.Load())
	}
	fr := res.Results.Failed
	if len(fr) != 1 || fr[0].Attempts != 1 || fr[0].RetryCount != 0 {
		t.Fatalf("result = %+v", fr)
	}
	if fr[0].Reason != string(retry.KindPermanent) {
		t.Fatalf("reason = %s, want permanent", fr[0].Reason)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		if calls.Add(1) <= 2 {
			return Failed(errors.New("connection refused"))
		}
		return Success()
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(1),
		Options{Concurrency: 1, BatchSize: 1, RetryEnabled: true}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CompletedTasks != 1 || res.FailedTasks != 0 {
		t.Fatalf("counters = %d/%d, want 1/0", res.CompletedTasks, res.FailedTasks)
	}
	sr := res.Results.Success
	if len(sr) != 1 || sr[0].Attempts != 3 || sr[0].RetryCount != 2 {
		t.Fatalf("result = %+v, want attempts=3 retryCount=2", sr)
	}
}

func TestRetryDisabledFailsFast(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		return Failed(errors.New("connection refused"))
	})

	_, err := r.Run(context.Background(), "", "sync", taskN(1),
		Options{Concurrency: 1, BatchSize: 1, RetryEnabled: false}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("retry-disabled task attempted %d times, want 1", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		return Failed(errors.New("connection reset"))
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(1),
		Options{Concurrency: 1, BatchSize: 1, RetryEnabled: true}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Network policy: 3 retries, so 4 attempts total.
	if calls.Load() != 4 {
		t.Fatalf("attempted %d times, want 4", calls.Load())
	}
	fr := res.Results.Failed
	if len(fr) != 1 || fr[0].Attempts != 4 || fr[0].RetryCount != 3 {
		t.Fatalf("result = %+v", fr)
	}
}

func TestSkipReasonShortCircuits(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		return Success()
	})

	tasks := []Task{
		{ID: "t0", SkipReason: "already in desired state"},
		{ID: "t1"},
	}
	res, err := r.Run(context.Background(), "", "sync", tasks, Options{Concurrency: 1, BatchSize: 2}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("executor invoked %d times; skipped task must not be executed", calls.Load())
	}
	if res.SkippedTasks != 1 || res.CompletedTasks != 1 {
		t.Fatalf("counters = skipped %d completed %d", res.SkippedTasks, res.CompletedTasks)
	}
	if sk := res.Results.Skipped; len(sk) != 1 || sk[0].Reason != "already in desired state" {
		t.Fatalf("skip result = %+v", sk)
	}
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		if tk.ID == "t0" {
			panic("boom")
		}
		return Success()
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(2),
		Options{Concurrency: 1, BatchSize: 2, RetryEnabled: false}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != job.StatusCompleted {
		t.Fatalf("status = %s; a task panic must not abort the run", res.Status)
	}
	if res.FailedTasks != 1 || res.CompletedTasks != 1 {
		t.Fatalf("counters = %d failed / %d completed", res.FailedTasks, res.CompletedTasks)
	}
}

func TestTaskTimeout(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		select {
		case <-ctx.Done():
			return Failed(ctx.Err())
		case <-time.After(5 * time.Second):
			return Success()
		}
	})

	start := time.Now()
	res, err := r.Run(context.Background(), "", "sync", taskN(1),
		Options{Concurrency: 1, BatchSize: 1, RetryEnabled: false, TaskTimeout: 30 * time.Millisecond}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced")
	}
	fr := res.Results.Failed
	if len(fr) != 1 {
		t.Fatalf("failed list len = %d, want 1", len(fr))
	}
	if fr[0].Reason != string(retry.KindTimeout) {
		t.Fatalf("reason = %s, want timeout", fr[0].Reason)
	}
}

func TestCancelStopsBeforeNextBatch(t *testing.T) {
	r, mgr := newTestRunner(t, job.Config{})

	var calls atomic.Int64
	started := make(chan struct{})
	var once sync.Once
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		return Success()
	})

	type runOut struct {
		res job.Result
		err error
	}
	out := make(chan runOut, 1)
	go func() {
		res, err := r.Run(context.Background(), "cancel-me", "sync", taskN(10),
			Options{Concurrency: 1, BatchSize: 1}, exec)
		out <- runOut{res, err}
	}()

	<-started
	if err := mgr.CancelJob(context.Background(), "cancel-me", "test"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	var got runOut
	select {
	case got = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if got.res.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.res.Status)
	}
	// The in-flight task finishes; the rest are neither run nor failed.
	if calls.Load() >= 10 {
		t.Fatalf("all tasks ran despite cancel")
	}
	if got.res.FailedTasks != 0 {
		t.Fatalf("remaining tasks counted as failed: %d", got.res.FailedTasks)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	r, mgr := newTestRunner(t, job.Config{})

	firstBatchDone := make(chan struct{})
	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		if calls.Add(1) == 2 {
			close(firstBatchDone)
		}
		return Success()
	})

	// Pause is requested while batch 1 settles; the run must hold at the
	// boundary until resumed.
	go func() {
		<-firstBatchDone
		_ = mgr.PauseJob("pausable")
		time.Sleep(600 * time.Millisecond)
		_ = mgr.ResumeJob("pausable")
	}()

	res, err := r.Run(context.Background(), "pausable", "sync", taskN(4),
		Options{Concurrency: 1, BatchSize: 2}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.CompletedTasks != 4 {
		t.Fatalf("completed = %d, want 4 (pause must not lose tasks)", res.CompletedTasks)
	}
}

func TestAutoRecoveryReclassifies(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	var attempts sync.Map
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		n, _ := attempts.LoadOrStore(tk.ID, new(atomic.Int64))
		if n.(*atomic.Int64).Add(1) == 1 {
			return Failed(errors.New("connection refused"))
		}
		return Success()
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(2), Options{
		Concurrency:   1,
		BatchSize:     2,
		RetryEnabled:  false, // fail fast in the main pass
		AutoRecovery:  true,
		RecoveryDelay: time.Millisecond,
	}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CompletedTasks != 2 || res.FailedTasks != 0 {
		t.Fatalf("counters = %d/%d, want 2/0 after recovery", res.CompletedTasks, res.FailedTasks)
	}
	if len(res.Results.Success) != 2 || len(res.Results.Failed) != 0 {
		t.Fatalf("lists = success %d failed %d", len(res.Results.Success), len(res.Results.Failed))
	}
}

func TestAutoRecoverySkipsPermanentFailures(t *testing.T) {
	r, _ := newTestRunner(t, job.Config{})

	// The message matches no permanent-class substring; only the recorded
	// failure kind can keep the recovery pass away from it.
	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		return Failed(retry.Permanent(errors.New("user rejected the operation")))
	})

	res, err := r.Run(context.Background(), "", "sync", taskN(1), Options{
		Concurrency:   1,
		BatchSize:     1,
		RetryEnabled:  true,
		AutoRecovery:  true,
		RecoveryDelay: time.Millisecond,
	}, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("executor invoked %d times, want 1 (no recovery attempt)", got)
	}
	if res.FailedTasks != 1 || len(res.Results.Failed) != 1 {
		t.Fatalf("counters = failed %d, list %d", res.FailedTasks, len(res.Results.Failed))
	}
	if got := res.Results.Failed[0].Reason; got != string(retry.KindPermanent) {
		t.Fatalf("reason = %q, want %q", got, retry.KindPermanent)
	}
}

func TestCancelGraceForceCompleteIsNotAFailure(t *testing.T) {
	r, mgr := newTestRunner(t, job.Config{GracePeriod: 30 * time.Millisecond})

	release := make(chan struct{})
	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, tk Task) Outcome {
		calls.Add(1)
		<-release
		return Success()
	})

	type runRet struct {
		res job.Result
		err error
	}
	done := make(chan runRet, 1)
	go func() {
		res, err := r.Run(context.Background(), "j1", "sync", taskN(3),
			Options{Concurrency: 1, BatchSize: 3}, exec)
		done <- runRet{res, err}
	}()

	// Wait for the first task to be in flight, then cancel and let the
	// grace timer force-complete the job under it.
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("executor never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := mgr.CancelJob(context.Background(), "j1", "test"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	for {
		if _, ok := mgr.Get("j1"); !ok {
			break // force-completed into history
		}
		if time.Now().After(deadline) {
			t.Fatal("grace timer never fired")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	ret := <-done
	if ret.err != nil {
		t.Fatalf("Run returned error after force-complete: %v", ret.err)
	}
	if ret.res.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", ret.res.Status)
	}
	hist := mgr.History()
	if len(hist) != 1 || hist[0].Status != string(job.StatusCancelled) {
		t.Fatalf("history = %+v, want one cancelled entry", hist)
	}
}

func TestSortTasksPriority(t *testing.T) {
	tasks := []Task{
		{ID: "a"},
		{ID: "b", PriorFailures: 2},
		{ID: "c"},
		{ID: "d", PriorFailures: 1},
	}

	high := sortTasks(tasks, PriorityHigh)
	if high[0].ID != "b" || high[1].ID != "d" {
		t.Fatalf("high priority order: %s,%s; want b,d first", high[0].ID, high[1].ID)
	}
	// Stable: equal-rank tasks keep input order.
	if high[2].ID != "a" || high[3].ID != "c" {
		t.Fatalf("stable order broken: %s,%s", high[2].ID, high[3].ID)
	}

	recent := time.Now()
	tasks = []Task{
		{ID: "a", LastSuccessAt: recent},
		{ID: "b"},
		{ID: "c", LastSuccessAt: recent},
	}
	low := sortTasks(tasks, PriorityLow)
	if low[0].ID != "b" {
		t.Fatalf("low priority must push recent successes last, got %s first", low[0].ID)
	}

	normal := sortTasks(tasks, PriorityNormal)
	for i := range tasks {
		if normal[i].ID != tasks[i].ID {
			t.Fatal("normal priority must keep input order")
		}
	}
}

func TestPartition(t *testing.T) {
	if got := partition(nil, 5); got != nil {
		t.Fatalf("partition(nil) = %v", got)
	}
	b := partition(taskN(10), 4)
	if len(b) != 3 || len(b[0]) != 4 || len(b[1]) != 4 || len(b[2]) != 2 {
		t.Fatalf("unexpected batching: %d batches", len(b))
	}
}

func TestOptionsDefaultsAndValidate(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Concurrency != 3 || o.BatchSize != 10 || o.TaskTimeout != 5*time.Minute {
		t.Fatalf("defaults = %+v", o)
	}
	if o.RecoveryDelay != 5*time.Second || o.Priority != PriorityNormal {
		t.Fatalf("defaults = %+v", o)
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("defaulted options must validate: %v", err)
	}

	bad := Options{Concurrency: 1, BatchSize: 1, Priority: "urgent", TaskTimeout: time.Second, RecoveryDelay: time.Second}
	if err := bad.Validate(); err == nil {
		t.Fatal("invalid priority must be rejected")
	}
}
