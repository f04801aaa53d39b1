package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"batchkit/internal/app"
	"batchkit/internal/config"
	"batchkit/internal/diag"
	"batchkit/internal/notify"
	"batchkit/internal/schedule"
	"batchkit/internal/transport/telegram"
	logx "batchkit/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cm := config.NewManager(cfgPath)
	cfg, err := cm.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	cm.SetLogger(log.With(logx.String("component", "config")))
	cm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	var transport notify.Transport
	if cfg.Notifier != nil && cfg.Notifier.Enabled && cfg.Telegram != nil {
		tg, err := telegram.New(telegram.Config{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
		}, log.With(logx.String("component", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram transport: %w", err)
		}
		transport = tg
	}

	engine, err := app.Build(cfg, transport, log)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	sched := schedule.New(cfg.Scheduler, engine, log.With(logx.String("component", "schedule")))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var diagSvc *diag.Service
	if cfg.Diag != nil && cfg.Diag.Enabled {
		dc, err := diagConfigFrom(cfg.Diag)
		if err != nil {
			return err
		}
		diagSvc = diag.New(dc, engine, log.With(logx.String("component", "diag")))
		if err := diagSvc.Start(ctx); err != nil {
			return fmt.Errorf("start diag server: %w", err)
		}
	}

	// Hot reload: logging and notifier toggles apply in place; scheduler
	// changes take a stop/start cycle.
	updates := cm.Subscribe(1)
	go func() { _ = cm.Watch(ctx) }()
	go func() {
		prev := cfg
		for next := range updates {
			changed, attrs := config.SummarizeChange(prev, next)
			if len(changed) > 0 {
				log.Info("config changed",
					append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)
			}
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    logx.FileConfig(next.Logging.File),
			})
			if g := engine.Gateway(); g != nil {
				g.Apply(app.NotifyConfigFrom(next.Notifier))
			}
			for _, section := range changed {
				if section == "scheduler" {
					sched.Apply(next.Scheduler)
					sched.Stop()
					if err := sched.Start(ctx); err != nil {
						log.Warn("scheduler restart failed", logx.Err(err))
					}
					break
				}
			}
			prev = next
		}
	}()

	log.Info("batchd started", logx.String("config", cfgPath))
	<-ctx.Done()

	sched.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if diagSvc != nil {
		diagSvc.Stop(stopCtx)
	}
	engine.Close(stopCtx)
	log.Info("batchd stopped")
	return nil
}

func diagConfigFrom(dc *config.DiagConfig) (diag.Config, error) {
	out := diag.Config{
		Enabled:       dc.Enabled,
		Addr:          dc.Addr,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("diag.read_timeout", dc.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("diag.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("diag.idle_timeout", dc.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}
