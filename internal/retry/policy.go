// Package retry classifies task failures and maps them to retry policies.
package retry

import (
	"math/rand"
	"time"
)

// Kind is the classified failure category of a task error.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindRateLimit Kind = "rate_limit"
	// KindPermanent covers failures that retrying cannot fix
	// (CAPTCHA challenges, locked accounts, bad credentials).
	KindPermanent Kind = "permanent"
	KindDefault   Kind = "default"
)

// Policy is the retry behavior for one failure kind.
type Policy struct {
	MaxRetries         int
	Delay              time.Duration
	ExponentialBackoff bool

	// MaxDelay caps the computed backoff. 0 applies the registry default.
	MaxDelay time.Duration
}

// Retryable reports whether the policy allows any retry at all.
func (p Policy) Retryable() bool { return p.MaxRetries > 0 }

// Registry maps failure kinds to policies. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	policies map[Kind]Policy
}

const defaultMaxDelay = 2 * time.Minute

// NewRegistry returns a registry seeded with the default policies.
func NewRegistry() *Registry {
	return &Registry{policies: map[Kind]Policy{
		KindNetwork:   {MaxRetries: 3, Delay: 2 * time.Second, ExponentialBackoff: true},
		KindTimeout:   {MaxRetries: 2, Delay: 5 * time.Second, ExponentialBackoff: true},
		KindRateLimit: {MaxRetries: 3, Delay: 30 * time.Second},
		KindPermanent: {MaxRetries: 0},
		KindDefault:   {MaxRetries: 1, Delay: 3 * time.Second},
	}}
}

// Set overrides the policy for a kind. Permanent is pinned to MaxRetries=0
// so misconfiguration cannot make unrecoverable failures burn retry time.
func (r *Registry) Set(kind Kind, p Policy) {
	if kind == KindPermanent {
		p.MaxRetries = 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	r.policies[kind] = p
}

// For returns the policy for kind, falling back to the default policy.
func (r *Registry) For(kind Kind) Policy {
	if p, ok := r.policies[kind]; ok {
		return p
	}
	return r.policies[KindDefault]
}

// Backoff computes the wait before retry attempt `attempt` (1-based).
// Exponential policies double the base delay per prior attempt; flat
// policies always wait the base delay. The result is capped by MaxDelay.
func Backoff(p Policy, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = defaultMaxDelay
	}

	d := p.Delay
	if d <= 0 {
		return 0
	}
	if p.ExponentialBackoff {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxD {
				d = maxD
				break
			}
		}
	}
	// Jitter (+/-20%) to avoid synchronized retries across concurrent tasks.
	if rng != nil {
		r := (rng.Float64()*2 - 1) * 0.2
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
