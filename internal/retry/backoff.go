// Package retry provides the resilience layer around PSP calls: exponential
// backoff with jitter, per-provider circuit breakers, and a dead-letter queue
// for transactions that exhaust their attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       bool
}

// DefaultPolicy returns the standard schedule: 1s initial, doubling, capped
// at 60s, five attempts, jittered.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Delay returns the wait before attempt n (1-based). With jitter the raw
// delay is scaled by a uniform factor in [0.8, 1.2]; the cap applies to the
// raw delay before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if capped := float64(p.MaxDelay); raw > capped {
		raw = capped
	}
	if p.Jitter {
		raw *= 0.8 + rand.Float64()*0.4
	}
	return time.Duration(raw)
}

// retryable is implemented by errors that know their own transience.
// psp.Error implements it; context deadline breaches also classify as
// retryable.
type retryable interface {
	Retryable() bool
}

// IsRetryable classifies an error for the retry loop. Timeouts and transport
// errors retry; anything carrying an explicit non-retryable flag (declines,
// terminal provider errors) short-circuits.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	// Deadline breaches classify as transient by contract.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
