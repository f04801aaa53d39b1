package config

import (
	"reflect"
	"strings"

	logx "batchkit/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the telegram token) never appear
// in the attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.grace_period", strings.TrimSpace(newCfg.Engine.GracePeriod)),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.State, newCfg.State) {
		changed = append(changed, "state")
		if s := newCfg.State; s != nil {
			attrs = append(attrs,
				logx.String("state.driver", strings.TrimSpace(s.Driver)),
				logx.Bool("state.path_set", strings.TrimSpace(s.Path) != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.rate_per_minute", n.RatePerMinute),
			)
		}
	}

	// Telegram: report the change, never the token.
	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	if (oldTG == nil) != (newTG == nil) ||
		(oldTG != nil && newTG != nil &&
			(oldTG.Token != newTG.Token || oldTG.ChatID != newTG.ChatID)) {
		changed = append(changed, "telegram")
		if newTG != nil {
			attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(newTG.Token) != ""))
		}
	}

	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		if d := newCfg.Diag; d != nil {
			attrs = append(attrs,
				logx.Bool("diag.enabled", d.Enabled),
				logx.String("diag.addr", strings.TrimSpace(d.Addr)),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.run_count", len(newCfg.Scheduler.Runs)),
		)
	}

	return changed, attrs
}
