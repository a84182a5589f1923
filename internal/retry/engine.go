package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task identifies the unit of work being retried, for DLQ bookkeeping.
type Task struct {
	TransactionID string
	PSP           string
	Payload       []byte
}

// DeadLetter is a task that exhausted its attempts or was blocked by an open
// circuit, preserved for manual review.
type DeadLetter struct {
	TransactionID string    `json:"transaction_id"`
	PSP           string    `json:"psp"`
	Payload       []byte    `json:"payload,omitempty"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	FailedAt      time.Time `json:"failed_at"`
}

// DLQ collects dead letters. Append and read are mutex-guarded so a task
// lands exactly once, atomically with the retry loop giving up.
type DLQ struct {
	mu      sync.Mutex
	entries []DeadLetter
}

func NewDLQ() *DLQ {
	return &DLQ{}
}

func (q *DLQ) push(entry DeadLetter) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	slog.Error("task dead-lettered",
		"transaction_id", entry.TransactionID,
		"psp", entry.PSP,
		"attempts", entry.Attempts,
		"last_error", entry.LastError)
}

// Entries returns a copy of the queue contents.
func (q *DLQ) Entries() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of dead letters.
func (q *DLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Engine drives retries: backoff between attempts, circuit breaker per PSP,
// terminal-error short-circuit, and DLQ on exhaustion.
type Engine struct {
	policy   Policy
	breakers *BreakerSet
	dlq      *DLQ
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEngine wires a retry engine. breakers and dlq are shared with the
// router and health reporting.
func NewEngine(policy Policy, breakers *BreakerSet, dlq *DLQ) *Engine {
	return &Engine{
		policy:   policy,
		breakers: breakers,
		dlq:      dlq,
		sleep:    sleepCtx,
	}
}

// Breakers exposes the per-PSP breaker set.
func (e *Engine) Breakers() *BreakerSet { return e.breakers }

// DLQ exposes the dead-letter queue.
func (e *Engine) DLQ() *DLQ { return e.dlq }

// Execute runs fn with retries for the given task. Retryable failures back
// off and retry up to the policy's attempt budget; terminal failures return
// immediately without touching the budget further. Exhaustion and
// circuit-open blocking both dead-letter the task.
func (e *Engine) Execute(ctx context.Context, task Task, fn func(ctx context.Context) error) error {
	breaker := e.breakers.Get(task.PSP)

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := breaker.Allow(); err != nil {
			// An open circuit blocks all remaining attempts.
			if lastErr == nil {
				lastErr = err
			}
			e.dlq.push(DeadLetter{
				TransactionID: task.TransactionID,
				PSP:           task.PSP,
				Payload:       task.Payload,
				Attempts:      attempt - 1,
				LastError:     lastErr.Error(),
				FailedAt:      time.Now().UTC(),
			})
			return fmt.Errorf("psp %s: %w", task.PSP, ErrCircuitOpen)
		}

		err := fn(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}
		breaker.RecordFailure()
		lastErr = err

		if !IsRetryable(err) {
			// Declines and terminal provider errors are not the retry
			// engine's problem.
			return err
		}

		slog.Warn("retryable psp failure",
			"transaction_id", task.TransactionID,
			"psp", task.PSP,
			"attempt", attempt,
			"error", err.Error())

		if attempt < e.policy.MaxAttempts {
			if err := e.sleep(ctx, e.policy.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	e.dlq.push(DeadLetter{
		TransactionID: task.TransactionID,
		PSP:           task.PSP,
		Payload:       task.Payload,
		Attempts:      e.policy.MaxAttempts,
		LastError:     lastErr.Error(),
		FailedAt:      time.Now().UTC(),
	})
	return fmt.Errorf("psp %s: attempts exhausted: %w", task.PSP, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
