package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Permanent marks an error as non-retryable.
//
// Executors can wrap CAPTCHA/locked-account class failures with Permanent so
// the engine fails fast instead of wasting the retry budget.
//
// Example:
//
//	return retry.Permanent(fmt.Errorf("account locked: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// After provides a suggested delay before retrying, e.g. from an HTTP 429
// Retry-After header. Classification maps it to KindRateLimit and the
// executor's retry loop respects the hint (bounded by the policy's MaxDelay).
func After(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// AfterHint extracts an explicit retry-after hint, if any.
func AfterHint(err error) (time.Duration, bool) {
	var e retryAfterError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }

// classRule is one ordered substring check. First match wins.
type classRule struct {
	kind    Kind
	needles []string
}

// Ordered so the more specific categories are checked before the generic
// network bucket ("connection rate limited" must classify as rate_limit).
var classRules = []classRule{
	{KindPermanent, []string{
		"captcha", "verification challenge", "account locked", "account disabled",
		"unauthorized", "forbidden", "invalid credentials", "not found",
	}},
	{KindRateLimit, []string{
		"rate limit", "too many requests", "429", "quota exceeded", "throttled",
	}},
	{KindTimeout, []string{
		"timeout", "timed out", "deadline exceeded",
	}},
	{KindNetwork, []string{
		"connection refused", "connection reset", "broken pipe", "no such host",
		"network", "econnrefused", "econnreset", "eof", "tls handshake",
		"proxy", "socket",
	}},
}

// Classify maps an error to a failure kind.
//
// Marker wrappers win over message matching; context.DeadlineExceeded is a
// timeout regardless of message. Everything unmatched is KindDefault.
func Classify(err error) Kind {
	if err == nil {
		return KindDefault
	}
	if IsPermanent(err) {
		return KindPermanent
	}
	if _, ok := AfterHint(err); ok {
		return KindRateLimit
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classRules {
		for _, n := range rule.needles {
			if strings.Contains(msg, n) {
				return rule.kind
			}
		}
	}
	return KindDefault
}
