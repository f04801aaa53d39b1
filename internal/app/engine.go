// Package app wires the engine facade callers interact with: executor
// registration, run lifecycle, restore and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"batchkit/internal/batch"
	"batchkit/internal/eventbus"
	"batchkit/internal/job"
	"batchkit/internal/notify"
	"batchkit/internal/progress"
	"batchkit/internal/state"
	logx "batchkit/pkg/logx"
)

var (
	ErrClosed     = errors.New("engine closed")
	ErrNoExecutor = errors.New("no executor registered for kind")
	ErrNoSource   = errors.New("no task source registered for kind")
	ErrKindActive = errors.New("a run of this kind is already active")
)

// Engine is the caller-facing facade over the manager and the batch runner.
type Engine struct {
	log     logx.Logger
	bus     eventbus.Bus
	mgr     *job.Manager
	runner  *batch.Runner
	store   state.Store // nil when persistence is disabled
	gateway *notify.Gateway

	defaults batch.Options

	mu        sync.Mutex
	executors map[string]batch.Executor
	sources   map[string]batch.Source
	handles   map[string]*JobHandle
	closed    bool

	wg sync.WaitGroup
}

// Deps carries the engine's collaborators. Store and Gateway may be nil.
type Deps struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Manager *job.Manager
	Runner  *batch.Runner
	Store   state.Store
	Gateway *notify.Gateway

	// Defaults seeds run options when StartBatch gets zero values.
	Defaults batch.Options
}

func New(deps Deps) *Engine {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:       log,
		bus:       deps.Bus,
		mgr:       deps.Manager,
		runner:    deps.Runner,
		store:     deps.Store,
		gateway:   deps.Gateway,
		defaults:  deps.Defaults,
		executors: make(map[string]batch.Executor),
		sources:   make(map[string]batch.Source),
		handles:   make(map[string]*JobHandle),
	}
}

// RegisterExecutor binds work of a given kind to its executor. Later
// registrations for the same kind win.
func (e *Engine) RegisterExecutor(kind string, exec batch.Executor) {
	e.mu.Lock()
	e.executors[kind] = exec
	e.mu.Unlock()
}

// RegisterSource binds a task source for scheduled runs of a kind.
func (e *Engine) RegisterSource(kind string, src batch.Source) {
	e.mu.Lock()
	e.sources[kind] = src
	e.mu.Unlock()
}

// StartBatch launches a run asynchronously and returns a handle. Zero
// fields in opts fall back to the engine defaults.
func (e *Engine) StartBatch(ctx context.Context, kind string, tasks []batch.Task, opts batch.Options) (*JobHandle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	exec, ok := e.executors[kind]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, kind)
	}
	opts = e.mergeDefaultsLocked(opts)
	id := e.mgr.NewJobID()
	h := newHandle(id)
	e.handles[id] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, runErr := e.runner.Run(ctx, id, kind, tasks, opts, exec)
		e.mu.Lock()
		delete(e.handles, id)
		e.mu.Unlock()
		h.finish(res, runErr)
	}()
	return h, nil
}

// RunScheduled starts an unattended run for kind with tasks read from the
// registered source. It refuses to overlap an active run of the same kind.
func (e *Engine) RunScheduled(ctx context.Context, kind string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	src, ok := e.sources[kind]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSource, kind)
	}

	for _, j := range e.mgr.Active() {
		if j.Kind == kind {
			return fmt.Errorf("%w: %s (job %s)", ErrKindActive, kind, j.ID)
		}
	}

	tasks, err := src.Read(ctx, kind)
	if err != nil {
		return fmt.Errorf("read tasks for %s: %w", kind, err)
	}
	_, err = e.StartBatch(ctx, kind, tasks, batch.Options{})
	return err
}

// Cancel requests cooperative cancellation of a job.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	return e.mgr.CancelJob(ctx, id, reason)
}

// Pause requests a pause at the next batch boundary.
func (e *Engine) Pause(id string) error { return e.mgr.PauseJob(id) }

// Resume clears a pause request.
func (e *Engine) Resume(id string) error { return e.mgr.ResumeJob(id) }

// Progress reports the derived progress of an active job.
func (e *Engine) Progress(id string) (progress.Report, error) { return e.mgr.Progress(id) }

// Get returns a point-in-time copy of a job.
func (e *Engine) Get(id string) (job.Job, bool) { return e.mgr.Get(id) }

// Active lists snapshots of all non-terminal jobs.
func (e *Engine) Active() []job.Job { return e.mgr.Active() }

// History returns the bounded terminal-job history, newest last.
func (e *Engine) History() []state.HistoryEntry { return e.mgr.History() }

// NotifierSnapshot reports gateway diagnostics; ok is false when alerting
// is disabled.
func (e *Engine) NotifierSnapshot() (notify.Snapshot, bool) {
	if e.gateway == nil {
		return notify.Snapshot{}, false
	}
	return e.gateway.Snapshot(), true
}

// Subscribe returns a channel of engine events (job lifecycle, progress,
// stuck-task diagnostics) plus an unsubscribe func.
func (e *Engine) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Restore loads the prior snapshot, reclassifies crashed jobs into failed
// history entries and alerts on them. Call once before the first run.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, ok, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil
	}

	history, abnormal := state.Restore(snap)
	e.mgr.SeedHistory(history)
	if len(abnormal) > 0 {
		e.log.Warn("prior run terminated abnormally", logx.Int("jobs", len(abnormal)))
		if e.gateway != nil {
			e.gateway.AbnormalTermination(ctx, abnormal)
		}
	}
	return nil
}

// Close stops accepting runs, waits for in-flight runs to finish and shuts
// down the manager and store. In-flight runs are not cancelled; cancel
// explicitly before Close for a fast shutdown.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("shutdown timed out waiting for runs")
	}

	e.mgr.Close(ctx)
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("state store close failed", logx.Err(err))
		}
	}
}

// mergeDefaultsLocked substitutes the engine defaults for a fully zero
// Options. Partially filled options are taken as-is so an explicit
// RetryEnabled=false is not silently overridden; the runner still fills
// zero durations with built-in defaults.
func (e *Engine) mergeDefaultsLocked(opts batch.Options) batch.Options {
	if opts == (batch.Options{}) {
		return e.defaults
	}
	return opts
}
