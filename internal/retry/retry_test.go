package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindDefault},
		{"captcha", errors.New("solve CAPTCHA to continue"), KindPermanent},
		{"locked", errors.New("Account locked by provider"), KindPermanent},
		{"unauthorized", errors.New("401 Unauthorized"), KindPermanent},
		{"rate limit", errors.New("rate limit exceeded"), KindRateLimit},
		{"429", errors.New("upstream returned 429"), KindRateLimit},
		{"throttled", errors.New("request throttled"), KindRateLimit},
		{"timeout word", errors.New("operation timed out"), KindTimeout},
		{"deadline sentinel", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("task: %w", context.DeadlineExceeded), KindTimeout},
		{"refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"eof", errors.New("unexpected EOF"), KindNetwork},
		{"proxy", errors.New("proxy handshake failed"), KindNetwork},
		{"unknown", errors.New("something odd happened"), KindDefault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyMarkersWinOverMessage(t *testing.T) {
	// Message says timeout, but the marker pins it as permanent.
	err := Permanent(errors.New("timed out waiting for captcha"))
	if got := Classify(err); got != KindPermanent {
		t.Fatalf("got %s, want %s", got, KindPermanent)
	}

	err = After(errors.New("connection refused"), 10*time.Second)
	if got := Classify(err); got != KindRateLimit {
		t.Fatalf("got %s, want %s", got, KindRateLimit)
	}
}

func TestAfterHint(t *testing.T) {
	base := errors.New("429")
	if _, ok := AfterHint(base); ok {
		t.Fatal("plain error should carry no hint")
	}
	wrapped := fmt.Errorf("send: %w", After(base, 45*time.Second))
	d, ok := AfterHint(wrapped)
	if !ok || d != 45*time.Second {
		t.Fatalf("got (%v, %v), want (45s, true)", d, ok)
	}
}

func TestPermanentUnwrap(t *testing.T) {
	sentinel := errors.New("bad credentials")
	err := Permanent(fmt.Errorf("login: %w", sentinel))
	if !IsPermanent(err) {
		t.Fatal("expected IsPermanent")
	}
	if !errors.Is(err, sentinel) {
		t.Fatal("wrapping must preserve the error chain")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must stay nil")
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()

	if p := r.For(KindPermanent); p.Retryable() {
		t.Fatal("permanent must not be retryable")
	}
	if p := r.For(KindNetwork); p.MaxRetries != 3 || !p.ExponentialBackoff {
		t.Fatalf("unexpected network policy: %+v", p)
	}
	if p := r.For(Kind("no-such-kind")); p.MaxRetries != 1 {
		t.Fatalf("unknown kind must fall back to default, got %+v", p)
	}
}

func TestRegistrySetPinsPermanent(t *testing.T) {
	r := NewRegistry()
	r.Set(KindPermanent, Policy{MaxRetries: 5, Delay: time.Second})
	if p := r.For(KindPermanent); p.MaxRetries != 0 {
		t.Fatalf("permanent retries must stay 0, got %d", p.MaxRetries)
	}
}

func TestBackoffExponentialGrowthAndCap(t *testing.T) {
	p := Policy{MaxRetries: 10, Delay: 2 * time.Second, ExponentialBackoff: true, MaxDelay: 20 * time.Second}

	// No rng: deterministic values.
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 20 * time.Second, 20 * time.Second}
	for i, w := range want {
		if got := Backoff(p, i+1, nil); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffFlat(t *testing.T) {
	p := Policy{MaxRetries: 3, Delay: 30 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := Backoff(p, attempt, nil); got != 30*time.Second {
			t.Fatalf("attempt %d: got %s, want 30s", attempt, got)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := Policy{MaxRetries: 3, Delay: 10 * time.Second}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := Backoff(p, 1, rng)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered delay %s outside +/-20%% of 10s", d)
		}
	}
}

func TestBackoffZeroDelay(t *testing.T) {
	if d := Backoff(Policy{MaxRetries: 1}, 1, nil); d != 0 {
		t.Fatalf("got %s, want 0", d)
	}
}
