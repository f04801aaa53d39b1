// Package schedule triggers unattended batch runs from cron, interval, or
// daily time-of-day specs. It is trigger-only: execution stays in the
// engine.
package schedule

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"batchkit/internal/config"
	logx "batchkit/pkg/logx"
)

// Starter launches one unattended run for a kind. Implemented by the app
// engine; the scheduler never touches job state directly.
type Starter interface {
	// RunScheduled starts a run for kind and returns without waiting for
	// completion. ErrKindActive-style errors are the starter's to define;
	// the scheduler just logs and skips.
	RunScheduled(ctx context.Context, kind string) error
}

type Service struct {
	log     logx.Logger
	starter Starter
	parser  cron.Parser

	mu  sync.Mutex
	cfg config.SchedulerConfig
	c   *cron.Cron
	ctx context.Context
}

func New(cfg config.SchedulerConfig, starter Starter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		starter: starter,
		log:     log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers all configured runs and starts triggering. No-op when
// the scheduler is disabled or already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.ctx = ctx

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	registered := 0
	for _, run := range s.cfg.Runs {
		if run.Disabled {
			continue
		}
		spec, err := ParseSpec(run.Spec)
		if err != nil {
			return err
		}
		kind := run.Kind
		if _, err := c.AddFunc(spec.cronExpr(), func() { s.fire(kind) }); err != nil {
			return err
		}
		registered++
		s.log.Info("scheduled run registered",
			logx.String("kind", kind), logx.String("spec", run.Spec))
	}

	s.c = c
	c.Start()
	s.log.Info("scheduler started", logx.Int("runs", registered), logx.String("tz", loc.String()))
	return nil
}

// Stop halts triggering and waits for in-flight trigger callbacks.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Apply swaps the config; the new run list takes effect after a restart
// (Stop then Start), which the reload handler drives.
func (s *Service) Apply(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// fire runs one trigger. Panics are contained here so a bad run never
// takes the cron runner down.
func (s *Service) fire(kind string) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("scheduled trigger panicked",
				logx.String("kind", kind), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if err := s.starter.RunScheduled(ctx, kind); err != nil {
		s.log.Warn("scheduled run skipped", logx.String("kind", kind), logx.Err(err))
		return
	}
	s.log.Info("scheduled run started", logx.String("kind", kind))
}
