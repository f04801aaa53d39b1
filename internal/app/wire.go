package app

import (
	"batchkit/internal/batch"
	"batchkit/internal/config"
	"batchkit/internal/eventbus"
	"batchkit/internal/job"
	"batchkit/internal/notify"
	"batchkit/internal/resource"
	"batchkit/internal/retry"
	"batchkit/internal/state"
	logx "batchkit/pkg/logx"
)

// Build assembles the engine from config. transport may be nil; the
// gateway is only constructed when the notifier section enables it.
func Build(cfg *config.Config, transport notify.Transport, log logx.Logger) (*Engine, error) {
	bus := eventbus.New()

	res := resource.NewMonitor(log.With(logx.String("component", "resource")))
	if cfg.Engine.SoftLimitBytes > 0 {
		res.SoftLimitBytes = cfg.Engine.SoftLimitBytes
	}

	store, err := state.Open(stateConfigFrom(cfg.State), log.With(logx.String("component", "state")))
	if err != nil {
		return nil, err
	}

	var gateway *notify.Gateway
	if cfg.Notifier != nil && cfg.Notifier.Enabled && transport != nil {
		gateway = notify.NewGateway(notifyConfigFrom(cfg.Notifier), transport,
			log.With(logx.String("component", "notify")))
	}

	jobCfg, err := jobConfigFrom(cfg.Engine)
	if err != nil {
		return nil, err
	}
	mgr := job.NewManager(jobCfg, log.With(logx.String("component", "job")), bus, store, res)

	defaults, err := defaultsFrom(cfg.Engine.Defaults)
	if err != nil {
		return nil, err
	}

	runner := batch.NewRunner(mgr, retry.NewRegistry(), res,
		log.With(logx.String("component", "batch"))).WithGateway(gateway)

	return New(Deps{
		Log:      log,
		Bus:      bus,
		Manager:  mgr,
		Runner:   runner,
		Store:    store,
		Gateway:  gateway,
		Defaults: defaults,
	}), nil
}

// Gateway exposes the alert gateway for reload handling; nil when alerting
// is disabled.
func (e *Engine) Gateway() *notify.Gateway { return e.gateway }

func jobConfigFrom(ec config.EngineConfig) (job.Config, error) {
	out := job.Config{
		HistorySize: ec.HistorySize,
		ResultCap:   ec.ResultCap,
		ErrorCap:    ec.ErrorCap,
	}
	var err error
	if out.GracePeriod, err = config.ParseDurationField("engine.grace_period", ec.GracePeriod); err != nil {
		return out, err
	}
	if out.MonitorInterval, err = config.ParseDurationField("engine.monitor_interval", ec.MonitorInterval); err != nil {
		return out, err
	}
	if out.StuckThreshold, err = config.ParseDurationField("engine.stuck_threshold", ec.StuckThreshold); err != nil {
		return out, err
	}
	if out.PersistInterval, err = config.ParseDurationField("engine.persist_interval", ec.PersistInterval); err != nil {
		return out, err
	}
	return out, nil
}

func defaultsFrom(rc *config.RunDefaultsConfig) (batch.Options, error) {
	out := batch.DefaultOptions()
	if rc == nil {
		return out, nil
	}
	if rc.Concurrency > 0 {
		out.Concurrency = rc.Concurrency
	}
	if rc.BatchSize > 0 {
		out.BatchSize = rc.BatchSize
	}
	if rc.RetryEnabled != nil {
		out.RetryEnabled = *rc.RetryEnabled
	}
	out.AutoRecovery = rc.AutoRecovery
	if rc.Priority != "" {
		out.Priority = batch.Priority(rc.Priority)
	}

	var err error
	if out.DelayBetweenBatches, err = config.ParseDurationField("engine.defaults.delay_between_batches", rc.DelayBetweenBatches); err != nil {
		return out, err
	}
	if out.DelayBetweenTasks, err = config.ParseDurationField("engine.defaults.delay_between_tasks", rc.DelayBetweenTasks); err != nil {
		return out, err
	}
	def := batch.DefaultOptions()
	if out.TaskTimeout, err = config.ParseDurationOrDefault("engine.defaults.task_timeout", rc.TaskTimeout, def.TaskTimeout); err != nil {
		return out, err
	}
	if out.RecoveryDelay, err = config.ParseDurationOrDefault("engine.defaults.recovery_delay", rc.RecoveryDelay, def.RecoveryDelay); err != nil {
		return out, err
	}
	return out, nil
}

func stateConfigFrom(sc *config.StateConfig) state.Config {
	if sc == nil {
		return state.Config{}
	}
	busy, _ := config.ParseDurationField("state.busy_timeout", sc.BusyTimeout)
	return state.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}
}

// NotifyConfigFrom maps the config section to the gateway config. Exported
// so the reload handler can reuse it with Gateway.Apply.
func NotifyConfigFrom(nc *config.NotifierConfig) notify.Config {
	return notifyConfigFrom(nc)
}

func notifyConfigFrom(nc *config.NotifierConfig) notify.Config {
	if nc == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:             nc.Enabled,
		RatePerMinute:       nc.RatePerMinute,
		CriticalError:       nc.CriticalError,
		RetryExhausted:      nc.RetryExhausted,
		JobCompleted:        nc.JobCompleted,
		Anomaly:             nc.Anomaly,
		AbnormalTermination: nc.AbnormalTermination,
	}
}
