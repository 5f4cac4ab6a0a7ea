// Package retry holds the retry policy math shared by the ramp phases and the
// webhook deliveries.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy is the retry policy of a phase (or a delivery).
type Policy struct {
	MaxAttempts int   `json:"maxAttempts"`
	BackoffMs   int64 `json:"backoffMs"`
	Exponential bool  `json:"exponential,omitempty"`
	// Upper bound for a single delay, 0 means unbounded.
	MaxBackoffMs int64 `json:"maxBackoffMs,omitempty"`
	// +-25% jitter on each delay.
	Jitter bool `json:"jitter,omitempty"`
}

var DefaultPolicy = Policy{MaxAttempts: 3, BackoffMs: 1000}

// Delay returns the wait before the next attempt after `failures` failed
// attempts (failures >= 1).
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	ms := p.BackoffMs
	if p.Exponential {
		for i := 1; i < failures; i++ {
			ms *= 2
			if p.MaxBackoffMs > 0 && ms >= p.MaxBackoffMs {
				break
			}
		}
	}
	if p.MaxBackoffMs > 0 && ms > p.MaxBackoffMs {
		ms = p.MaxBackoffMs
	}

	d := time.Duration(ms) * time.Millisecond
	if p.Jitter && d > 0 {
		j := d / 4
		d = d - j + time.Duration(rand.Int63n(int64(2*j)+1))
	}
	return d
}

// Exhausted reports whether `attempts` attempts used up the policy.
func (p Policy) Exhausted(attempts int) bool {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	return attempts >= limit
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Exhausted(attempt) {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
