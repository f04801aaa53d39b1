package notify

import (
	"context"
	"time"
)

// Transport delivers one message to the external alerting channel.
// Implementations live at the edge (e.g. the Telegram adapter); the engine
// only depends on this interface.
type Transport interface {
	Send(ctx context.Context, text string) error
	// MaxMessageLen is the transport's payload cap; 0 means no cap.
	MaxMessageLen() int
}

// EventKind names a toggleable alert category.
type EventKind string

const (
	KindCriticalError       EventKind = "critical_error"
	KindRetryExhausted      EventKind = "retry_exhausted"
	KindJobCompleted        EventKind = "job_completed"
	KindAnomaly             EventKind = "anomaly"
	KindAbnormalTermination EventKind = "abnormal_termination"
)

// Config controls the gateway.
//
// Each alert category can be toggled independently; nil pointers mean
// "default" (everything on except JobCompleted, which is noisy).
type Config struct {
	Enabled bool

	// RatePerMinute bounds outbound messages in a sliding window.
	// Excess messages are dropped, never queued.
	RatePerMinute int

	CriticalError       *bool
	RetryExhausted      *bool
	JobCompleted        *bool
	Anomaly             *bool
	AbnormalTermination *bool
}

func (c Config) withDefaults() Config {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	return c
}

func (c Config) kindEnabled(kind EventKind) bool {
	on := func(p *bool, def bool) bool {
		if p == nil {
			return def
		}
		return *p
	}
	switch kind {
	case KindCriticalError:
		return on(c.CriticalError, true)
	case KindRetryExhausted:
		return on(c.RetryExhausted, true)
	case KindJobCompleted:
		return on(c.JobCompleted, false)
	case KindAnomaly:
		return on(c.Anomaly, true)
	case KindAbnormalTermination:
		return on(c.AbnormalTermination, true)
	default:
		return false
	}
}

// HistoryItem records one notify decision for diagnostics.
type HistoryItem struct {
	At      time.Time `json:"at"`
	Kind    EventKind `json:"kind"`
	Message string    `json:"message"`
	Dropped bool      `json:"dropped"`
	Error   string    `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled       bool          `json:"enabled"`
	RatePerMinute int           `json:"rate_per_minute"`
	Sent          uint64        `json:"sent"`
	Dropped       uint64        `json:"dropped"`
	History       []HistoryItem `json:"history"`
}
