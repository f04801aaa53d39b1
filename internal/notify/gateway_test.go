package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"batchkit/internal/state"
	logx "batchkit/pkg/logx"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	maxLen int
	err    error
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) MaxMessageLen() int { return f.maxLen }

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func boolPtr(b bool) *bool { return &b }

func TestGatewayDisabledSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGateway(Config{Enabled: false}, tr, logx.Nop())

	g.CriticalError(context.Background(), "j1", errors.New("boom"))
	if len(tr.messages()) != 0 {
		t.Fatalf("disabled gateway sent %d messages", len(tr.messages()))
	}
}

func TestGatewayNilTransport(t *testing.T) {
	g := NewGateway(Config{Enabled: true}, nil, logx.Nop())
	// Must not panic.
	g.CriticalError(context.Background(), "j1", errors.New("boom"))
	g.Anomaly(context.Background(), "billing", "amount mismatch")
}

func TestGatewayRateLimitDropsNotQueues(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGateway(Config{Enabled: true, RatePerMinute: 2}, tr, logx.Nop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		g.CriticalError(ctx, "j1", errors.New("boom"))
	}

	if got := len(tr.messages()); got != 2 {
		t.Fatalf("sent %d messages, want 2 (burst budget)", got)
	}
	snap := g.Snapshot()
	if snap.Sent != 2 || snap.Dropped != 1 {
		t.Fatalf("counters = sent %d dropped %d", snap.Sent, snap.Dropped)
	}
	// The dropped decision is still visible in history.
	var dropped int
	for _, h := range snap.History {
		if h.Dropped {
			dropped++
		}
	}
	if dropped != 1 {
		t.Fatalf("history records %d drops, want 1", dropped)
	}
}

func TestGatewayTruncatesToTransportCap(t *testing.T) {
	tr := &fakeTransport{maxLen: 40}
	g := NewGateway(Config{Enabled: true}, tr, logx.Nop())

	g.CriticalError(context.Background(), "j1", errors.New(strings.Repeat("x", 200)))

	msgs := tr.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if len(msgs[0]) != 40 {
		t.Fatalf("message length = %d, want 40", len(msgs[0]))
	}
	if !strings.HasSuffix(msgs[0], "...") {
		t.Fatalf("truncated message missing ellipsis: %q", msgs[0])
	}
}

func TestGatewayJobCompletedOffByDefault(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGateway(Config{Enabled: true}, tr, logx.Nop())

	ctx := context.Background()
	g.JobCompleted(ctx, "j1", "sync", "completed", 5, 0, 0)
	if len(tr.messages()) != 0 {
		t.Fatal("job_completed must be opt-in")
	}

	g.Apply(Config{Enabled: true, JobCompleted: boolPtr(true)})
	g.JobCompleted(ctx, "j1", "sync", "completed", 5, 0, 0)
	if len(tr.messages()) != 1 {
		t.Fatalf("sent %d messages after enabling job_completed", len(tr.messages()))
	}
}

func TestGatewayKindToggleOff(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGateway(Config{Enabled: true, RetryExhausted: boolPtr(false)}, tr, logx.Nop())

	ctx := context.Background()
	g.RetryExhausted(ctx, "j1", "t1", 4, errors.New("connection refused"))
	if len(tr.messages()) != 0 {
		t.Fatal("disabled kind must not send")
	}
	g.CriticalError(ctx, "j1", errors.New("boom"))
	if len(tr.messages()) != 1 {
		t.Fatal("other kinds must be unaffected")
	}
}

func TestGatewaySendFailureRecorded(t *testing.T) {
	tr := &fakeTransport{err: errors.New("telegram: 502")}
	g := NewGateway(Config{Enabled: true}, tr, logx.Nop())

	g.CriticalError(context.Background(), "j1", errors.New("boom"))

	snap := g.Snapshot()
	if snap.Sent != 0 || snap.Dropped != 1 {
		t.Fatalf("counters = sent %d dropped %d", snap.Sent, snap.Dropped)
	}
	if len(snap.History) != 1 || snap.History[0].Error == "" {
		t.Fatalf("history = %+v", snap.History)
	}
}

func TestGatewayAbnormalTermination(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGateway(Config{Enabled: true}, tr, logx.Nop())

	g.AbnormalTermination(context.Background(), nil)
	if len(tr.messages()) != 0 {
		t.Fatal("empty entry list must not alert")
	}

	g.AbnormalTermination(context.Background(), []state.HistoryEntry{
		{ID: "j1", Kind: "sync", CompletedTasks: 3, TotalTasks: 10},
		{ID: "j2", Kind: "billing", CompletedTasks: 0, TotalTasks: 4},
	})
	msgs := tr.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1 aggregate", len(msgs))
	}
	if !strings.Contains(msgs[0], "2 job(s)") || !strings.Contains(msgs[0], "j2") {
		t.Fatalf("message = %q", msgs[0])
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 100, "short"},
		{"abcdefghij", 10, "abcdefghij"},
		{"abcdefghijk", 10, "abcdefg..."},
		{"abcdefghijk", 5, "abcde"}, // too small for ellipsis
		{"anything", 0, "anything"},
		// Cuts that would land mid-rune back up to the boundary.
		{"日本語テキスト", 20, "日本語テキ..."},
		{"日本語", 8, "日本"},
		{"ab🙂cd", 5, "ab"},
	}
	for _, c := range cases {
		got := truncate(c.in, c.max)
		if got != c.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) produced invalid UTF-8", c.in, c.max)
		}
	}
}
