package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls job supervision and the per-run defaults.
	Engine EngineConfig `json:"engine"`

	// State enables crash-survivable persistence when present.
	State *StateConfig `json:"state,omitempty"`

	// Notifier controls operator alerting. Omitted means disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Telegram configures the alert transport. Only read when the
	// notifier is enabled.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`

	// Diag exposes pprof and job-status endpoints over HTTP.
	Diag *DiagConfig `json:"diag,omitempty"`
}

// DiagConfig controls the diagnostics HTTP server.
//
// Security note: prefer binding to localhost (default "127.0.0.1:6161").
// A non-loopback bind requires a token or explicit allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig tunes job supervision.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero/omitted fields fall back to built-in defaults.
type EngineConfig struct {
	HistorySize int `json:"history_size,omitempty"`
	ResultCap   int `json:"result_cap,omitempty"`
	ErrorCap    int `json:"error_cap,omitempty"`

	// GracePeriod is how long a cancelled job may keep draining in-flight
	// tasks before it is force-completed.
	GracePeriod     string `json:"grace_period,omitempty"`
	MonitorInterval string `json:"monitor_interval,omitempty"`
	StuckThreshold  string `json:"stuck_threshold,omitempty"`
	PersistInterval string `json:"persist_interval,omitempty"`

	// SoftLimitBytes is the heap soft cap used to throttle concurrency.
	SoftLimitBytes int64 `json:"soft_limit_bytes,omitempty"`

	// Defaults seeds run options when the caller passes zero values.
	Defaults *RunDefaultsConfig `json:"defaults,omitempty"`
}

// RunDefaultsConfig mirrors batch run options in config form.
//
// RetryEnabled is a pointer so an explicit false can be told apart from
// "omitted" (which defaults to true).
type RunDefaultsConfig struct {
	Concurrency  int   `json:"concurrency,omitempty"`
	BatchSize    int   `json:"batch_size,omitempty"`
	RetryEnabled *bool `json:"retry_enabled,omitempty"`

	DelayBetweenBatches string `json:"delay_between_batches,omitempty"`
	DelayBetweenTasks   string `json:"delay_between_tasks,omitempty"`
	TaskTimeout         string `json:"task_timeout,omitempty"`

	AutoRecovery  bool   `json:"auto_recovery,omitempty"`
	RecoveryDelay string `json:"recovery_delay,omitempty"`

	Priority string `json:"priority,omitempty"`
}

// StateConfig controls the persistence layer.
//
// Example:
//
//	"state": { "driver": "sqlite", "path": "./batchd.db" }
type StateConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls operator alerting.
//
// The per-event toggles are pointers so "omitted" keeps the built-in
// default (everything on except job_completed).
type NotifierConfig struct {
	Enabled       bool `json:"enabled"`
	RatePerMinute int  `json:"rate_per_minute,omitempty"`

	CriticalError       *bool `json:"critical_error,omitempty"`
	RetryExhausted      *bool `json:"retry_exhausted,omitempty"`
	JobCompleted        *bool `json:"job_completed,omitempty"`
	Anomaly             *bool `json:"anomaly,omitempty"`
	AbnormalTermination *bool `json:"abnormal_termination,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// SchedulerConfig controls unattended batch runs.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Runs []ScheduledRunConfig `json:"runs,omitempty"`
}

// ScheduledRunConfig maps one trigger spec to a job kind.
//
// Spec accepts "cron:<expr>", a bare cron expression, "interval:<dur>",
// a bare Go duration, or "HH:MM" for a daily run.
type ScheduledRunConfig struct {
	Kind     string `json:"kind"`
	Spec     string `json:"spec"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Validate rejects configs that parse but cannot be acted on. Used both at
// startup and as the hot-reload gate.
func (c *Config) Validate() error {
	for path, raw := range map[string]string{
		"engine.grace_period":     c.Engine.GracePeriod,
		"engine.monitor_interval": c.Engine.MonitorInterval,
		"engine.stuck_threshold":  c.Engine.StuckThreshold,
		"engine.persist_interval": c.Engine.PersistInterval,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Engine.SoftLimitBytes < 0 {
		return fmt.Errorf("engine.soft_limit_bytes must be >= 0")
	}

	if d := c.Engine.Defaults; d != nil {
		for path, raw := range map[string]string{
			"engine.defaults.delay_between_batches": d.DelayBetweenBatches,
			"engine.defaults.delay_between_tasks":   d.DelayBetweenTasks,
			"engine.defaults.task_timeout":          d.TaskTimeout,
			"engine.defaults.recovery_delay":        d.RecoveryDelay,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		switch d.Priority {
		case "", "low", "normal", "high":
		default:
			return fmt.Errorf("engine.defaults.priority: invalid value %q", d.Priority)
		}
	}

	if s := c.State; s != nil {
		switch strings.TrimSpace(s.Driver) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("state.driver: unknown driver %q", s.Driver)
		}
		if strings.TrimSpace(s.Driver) != "" && strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("state.path: required when state.driver is set")
		}
		if _, err := ParseDurationField("state.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if n := c.Notifier; n != nil && n.Enabled {
		if n.RatePerMinute < 0 {
			return fmt.Errorf("notifier.rate_per_minute must be >= 0")
		}
		if c.Telegram == nil || strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier enabled but telegram.token/chat_id not set")
		}
	}

	if d := c.Diag; d != nil && d.Enabled {
		for path, raw := range map[string]string{
			"diag.read_timeout":  d.ReadTimeout,
			"diag.write_timeout": d.WriteTimeout,
			"diag.idle_timeout":  d.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}

	if c.Scheduler.Enabled {
		if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: %w", err)
			}
		}
		for i, r := range c.Scheduler.Runs {
			if strings.TrimSpace(r.Kind) == "" {
				return fmt.Errorf("scheduler.runs[%d].kind: required", i)
			}
			if strings.TrimSpace(r.Spec) == "" {
				return fmt.Errorf("scheduler.runs[%d].spec: required", i)
			}
		}
	}
	return nil
}
