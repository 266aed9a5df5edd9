// Package retry wraps cenkalti/backoff with the policy this service applies
// to external lookups: bounded attempts, exponential delay, and a predicate
// deciding which failures are worth another try.
package retry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy parameterizes one retry loop. Zero values fall back to the sweep
// defaults: 3 retries, 2s initial delay, doubling each attempt.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	Retryable    func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.Retryable == nil {
		p.Retryable = RetryableError
	}
	return p
}

// Do runs fn until it succeeds, the retry budget is spent, or the policy
// classifies the failure as terminal. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	op := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
	)
}

// RetryableError classifies transient failures: network trouble, timeouts,
// throttling, and 5xx-style provider codes. Everything else is terminal for
// the current loop but still recorded by the caller.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"network", "timeout", "rate limit", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	if code := CodeOf(err); code != 0 {
		switch code {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}

// Coder is implemented by errors carrying a provider status code.
type Coder interface {
	Code() int
}

// CodeOf extracts a provider status code from err, or 0.
func CodeOf(err error) int {
	for err != nil {
		if c, ok := err.(Coder); ok {
			return c.Code()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

// CodedError attaches a numeric provider code to an error message so the
// retry predicate and the audit trail can classify it.
type CodedError struct {
	StatusCode int
	Message    string
}

func (e *CodedError) Error() string {
	return e.Message + " (code " + strconv.Itoa(e.StatusCode) + ")"
}

func (e *CodedError) Code() int { return e.StatusCode }
