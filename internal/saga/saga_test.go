package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(name string, execErr error, log *[]string) *FuncStep {
	return &FuncStep{
		StepName: name,
		ExecuteFn: func(ctx context.Context) error {
			*log = append(*log, "exec:"+name)
			return execErr
		},
		CompensateFn: func(ctx context.Context) error {
			*log = append(*log, "undo:"+name)
			return nil
		},
	}
}

func TestRun_AllStepsSucceed(t *testing.T) {
	var log []string
	result := NewExecutor().Run(context.Background(), "happy", []Step{
		step("a", nil, &log),
		step("b", nil, &log),
		step("c", nil, &log),
	})

	assert.True(t, result.Success)
	assert.Equal(t, []string{"a", "b", "c"}, result.ExecutedSteps)
	assert.Empty(t, result.CompensatedSteps)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c"}, log)
}

func TestRun_FailureCompensatesInReverseOrder(t *testing.T) {
	var log []string
	boom := errors.New("psp declined")
	result := NewExecutor().Run(context.Background(), "rollback", []Step{
		step("record", nil, &log),
		step("tokenize", nil, &log),
		step("authorize", boom, &log),
	})

	assert.False(t, result.Success)
	assert.Equal(t, "authorize", result.FailedStep)
	assert.ErrorIs(t, result.FailureReason, boom)
	assert.Equal(t, []string{"record", "tokenize"}, result.ExecutedSteps)
	assert.Equal(t, []string{"tokenize", "record"}, result.CompensatedSteps)
	assert.Equal(t, []string{"exec:record", "exec:tokenize", "exec:authorize", "undo:tokenize", "undo:record"}, log)
	assert.False(t, result.RequiresManualReview())
}

func TestRun_FailedStepIsNotCompensated(t *testing.T) {
	var log []string
	result := NewExecutor().Run(context.Background(), "s", []Step{
		step("a", nil, &log),
		step("b", errors.New("nope"), &log),
	})

	assert.NotContains(t, log, "undo:b", "a step that never executed must not be compensated")
	assert.Contains(t, log, "undo:a")
	assert.NotContains(t, result.ExecutedSteps, "b")
}

func TestRun_CompensationFailuresAreCollectedNotFatal(t *testing.T) {
	var log []string
	undoErr := errors.New("void failed")

	steps := []Step{
		step("a", nil, &log),
		&FuncStep{
			StepName:  "b",
			ExecuteFn: func(ctx context.Context) error { log = append(log, "exec:b"); return nil },
			CompensateFn: func(ctx context.Context) error {
				log = append(log, "undo:b")
				return undoErr
			},
		},
		step("c", errors.New("fail"), &log),
	}

	result := NewExecutor().Run(context.Background(), "s", steps)

	require.Len(t, result.FailedCompensations, 1)
	assert.Equal(t, "b", result.FailedCompensations[0].Step)
	assert.ErrorIs(t, result.FailedCompensations[0].Error, undoErr)
	// The failing compensation must not stop earlier steps from undoing.
	assert.Equal(t, []string{"a"}, result.CompensatedSteps)
	assert.True(t, result.RequiresManualReview())
}

func TestRun_CompensationRunsUnderCancelledOuterContext(t *testing.T) {
	var compensated bool

	ctx, cancel := context.WithCancel(context.Background())
	steps := []Step{
		&FuncStep{
			StepName:  "a",
			ExecuteFn: func(ctx context.Context) error { return nil },
			CompensateFn: func(ctx context.Context) error {
				// The detached context must still be live here.
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					compensated = true
					return nil
				}
			},
		},
		&FuncStep{
			StepName: "b",
			ExecuteFn: func(ctx context.Context) error {
				cancel() // outer request dies mid-saga
				return errors.New("downstream failure")
			},
		},
	}

	result := NewExecutor().Run(ctx, "s", steps)
	assert.False(t, result.Success)
	assert.True(t, compensated, "compensation must run even after outer cancellation")
}

func TestRun_CancellationBeforeStepStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executed := false
	result := NewExecutor().Run(ctx, "s", []Step{
		&FuncStep{
			StepName:  "a",
			ExecuteFn: func(ctx context.Context) error { executed = true; return nil },
		},
	})

	assert.False(t, result.Success)
	assert.False(t, executed)
	assert.ErrorIs(t, result.FailureReason, context.Canceled)
}

func TestRun_EmptySagaSucceeds(t *testing.T) {
	result := NewExecutor().Run(context.Background(), "empty", nil)
	assert.True(t, result.Success)
}

func TestRun_CompensationTimeoutBudget(t *testing.T) {
	e := NewExecutor()
	e.compensationTimeout = 50 * time.Millisecond

	var sawDeadline bool
	steps := []Step{
		&FuncStep{
			StepName:  "a",
			ExecuteFn: func(ctx context.Context) error { return nil },
			CompensateFn: func(ctx context.Context) error {
				_, ok := ctx.Deadline()
				sawDeadline = ok
				return nil
			},
		},
		&FuncStep{
			StepName:  "b",
			ExecuteFn: func(ctx context.Context) error { return errors.New("fail") },
		},
	}

	e.Run(context.Background(), "s", steps)
	assert.True(t, sawDeadline, "compensation context must carry a deadline")
}
