// Package notify is the rate-limited, best-effort alert dispatcher.
//
// Nothing in here may ever propagate an error or panic into job lifecycle
// logic: alerting is strictly advisory.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"batchkit/internal/state"
	logx "batchkit/pkg/logx"
)

const (
	historyCap       = 100
	defaultMaxMsgLen = 3500
	sendTimeout      = 10 * time.Second
)

// Gateway decides whether and how often to call the transport.
type Gateway struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	transport Transport
	limiter   *rate.Limiter

	sent    uint64
	dropped uint64
	history []HistoryItem
}

func NewGateway(cfg Config, transport Transport, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gateway{log: log, transport: transport}
	g.apply(cfg)
	return g
}

// Apply swaps configuration at runtime (config hot reload).
func (g *Gateway) Apply(cfg Config) {
	g.mu.Lock()
	g.apply(cfg)
	g.mu.Unlock()
}

func (g *Gateway) apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.cfg = cfg
	// Token bucket sized to the per-minute budget: burst covers a short
	// spike, refill keeps the window honest.
	g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
}

// CriticalError alerts on an orchestration-level failure.
func (g *Gateway) CriticalError(ctx context.Context, jobID string, err error) {
	g.notify(ctx, KindCriticalError, fmt.Sprintf("CRITICAL: job %s: %v", jobID, err))
}

// RetryExhausted alerts when a task burned its whole retry budget.
func (g *Gateway) RetryExhausted(ctx context.Context, jobID, taskID string, attempts int, err error) {
	g.notify(ctx, KindRetryExhausted,
		fmt.Sprintf("retries exhausted: job %s task %s after %d attempts: %v", jobID, taskID, attempts, err))
}

// JobCompleted summarizes a terminal run. Off by default.
func (g *Gateway) JobCompleted(ctx context.Context, jobID, kind, status string, completed, failed, skipped int) {
	g.notify(ctx, KindJobCompleted,
		fmt.Sprintf("job %s (%s) %s: ok=%d failed=%d skipped=%d", jobID, kind, status, completed, failed, skipped))
}

// Anomaly alerts on suspicious external findings (payment mismatches,
// unexpected delays) surfaced by the executor.
func (g *Gateway) Anomaly(ctx context.Context, subject, detail string) {
	g.notify(ctx, KindAnomaly, fmt.Sprintf("anomaly: %s: %s", subject, detail))
}

// AbnormalTermination reports jobs reclassified as failed after a crash.
func (g *Gateway) AbnormalTermination(ctx context.Context, entries []state.HistoryEntry) {
	if len(entries) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "abnormal termination detected: %d job(s) did not finish", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n- %s (%s): %d/%d done", e.ID, e.Kind, e.CompletedTasks, e.TotalTasks)
	}
	g.notify(ctx, KindAbnormalTermination, b.String())
}

// notify is the single funnel: toggle check, rate limit (drop, don't queue),
// truncation, panic containment.
func (g *Gateway) notify(ctx context.Context, kind EventKind, msg string) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("panic in notification dispatch", logx.Any("panic", r))
		}
	}()

	g.mu.Lock()
	cfg := g.cfg
	lim := g.limiter
	tr := g.transport
	g.mu.Unlock()

	if !cfg.Enabled || tr == nil || !cfg.kindEnabled(kind) {
		return
	}

	if !lim.Allow() {
		g.record(HistoryItem{At: time.Now(), Kind: kind, Message: msg, Dropped: true}, false)
		g.log.Debug("notification dropped: rate limited", logx.String("kind", string(kind)))
		return
	}

	maxLen := tr.MaxMessageLen()
	if maxLen <= 0 {
		maxLen = defaultMaxMsgLen
	}
	msg = truncate(msg, maxLen)

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := tr.Send(sctx, msg)
	cancel()

	item := HistoryItem{At: time.Now(), Kind: kind, Message: msg}
	if err != nil {
		item.Error = err.Error()
		g.log.Warn("notification send failed", logx.String("kind", string(kind)), logx.Err(err))
	}
	g.record(item, err == nil)
}

func (g *Gateway) record(item HistoryItem, sent bool) {
	g.mu.Lock()
	if sent {
		g.sent++
	} else {
		g.dropped++
	}
	g.history = append(g.history, item)
	if len(g.history) > historyCap {
		g.history = g.history[len(g.history)-historyCap:]
	}
	g.mu.Unlock()
}

// Snapshot returns counters and recent decisions for diagnostics.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := make([]HistoryItem, len(g.history))
	copy(h, g.history)
	return Snapshot{
		Enabled:       g.cfg.Enabled,
		RatePerMinute: g.cfg.RatePerMinute,
		Sent:          g.sent,
		Dropped:       g.dropped,
		History:       h,
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	cut := maxN
	if maxN >= 10 {
		cut = maxN - 3
	}
	// Back up to a rune boundary so the cut never emits invalid UTF-8.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if maxN < 10 {
		return s[:cut]
	}
	return s[:cut] + "..."
}
