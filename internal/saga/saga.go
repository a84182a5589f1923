// Package saga runs an ordered sequence of compensable steps. On the first
// step failure, the steps that had executed are compensated in reverse
// order; compensation failures are collected rather than halting the sweep,
// and the whole outcome is surfaced in a single Result.
package saga

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Step is one unit of a saga: a forward action and its undo.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// Result captures a full saga run.
type Result struct {
	Success             bool
	FailedStep          string
	FailureReason       error
	ExecutedSteps       []string
	CompensatedSteps    []string
	FailedCompensations []CompensationFailure
}

// CompensationFailure records one undo that did not complete.
type CompensationFailure struct {
	Step  string
	Error error
}

// RequiresManualReview reports whether any compensation failed; such sagas
// need operator attention even though the caller-visible outcome is settled.
func (r *Result) RequiresManualReview() bool {
	return len(r.FailedCompensations) > 0
}

type stepState struct {
	step        Step
	executed    bool
	compensated bool
}

// Executor runs sagas sequentially, step by step.
type Executor struct {
	logger *log.Logger
	// compensationTimeout bounds the detached undo context so compensation
	// finishes even when the outer request was cancelled.
	compensationTimeout time.Duration
}

// NewExecutor creates an executor with a 30s compensation budget.
func NewExecutor() *Executor {
	return &Executor{
		logger:              log.New(log.Writer(), "[SAGA] ", log.LstdFlags),
		compensationTimeout: 30 * time.Second,
	}
}

// Run executes steps in order. The first failure stops forward progress and
// triggers reverse-order compensation over every step that executed.
// Compensation runs on a detached context so cancellation of ctx cannot
// strand half-done side effects.
func (e *Executor) Run(ctx context.Context, name string, steps []Step) *Result {
	result := &Result{}
	states := make([]*stepState, len(steps))
	for i, s := range steps {
		states[i] = &stepState{step: s}
	}

	for i, st := range states {
		select {
		case <-ctx.Done():
			result.FailedStep = st.step.Name()
			result.FailureReason = ctx.Err()
			e.compensate(name, states[:i], result)
			return result
		default:
		}

		if err := st.step.Execute(ctx); err != nil {
			e.logger.Printf("saga %s: step %s failed: %v", name, st.step.Name(), err)
			result.FailedStep = st.step.Name()
			result.FailureReason = err
			e.compensate(name, states[:i], result)
			return result
		}
		st.executed = true
		result.ExecutedSteps = append(result.ExecutedSteps, st.step.Name())
	}

	result.Success = true
	return result
}

// compensate undoes executed steps in reverse order. Steps that never
// executed, or were already compensated, are skipped.
func (e *Executor) compensate(name string, states []*stepState, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), e.compensationTimeout)
	defer cancel()

	for i := len(states) - 1; i >= 0; i-- {
		st := states[i]
		if !st.executed || st.compensated {
			continue
		}
		if err := st.step.Compensate(ctx); err != nil {
			e.logger.Printf("saga %s: compensation for %s failed: %v", name, st.step.Name(), err)
			result.FailedCompensations = append(result.FailedCompensations, CompensationFailure{
				Step:  st.step.Name(),
				Error: err,
			})
			continue
		}
		st.compensated = true
		result.CompensatedSteps = append(result.CompensatedSteps, st.step.Name())
	}

	if len(result.FailedCompensations) > 0 {
		e.logger.Printf("saga %s: %d compensation(s) failed, manual review required",
			name, len(result.FailedCompensations))
	}
}

// FuncStep adapts plain functions into a Step.
type FuncStep struct {
	StepName     string
	ExecuteFn    func(ctx context.Context) error
	CompensateFn func(ctx context.Context) error
}

func (s *FuncStep) Name() string { return s.StepName }

func (s *FuncStep) Execute(ctx context.Context) error {
	if s.ExecuteFn == nil {
		return fmt.Errorf("saga: step %s has no execute function", s.StepName)
	}
	return s.ExecuteFn(ctx)
}

func (s *FuncStep) Compensate(ctx context.Context) error {
	if s.CompensateFn == nil {
		return nil
	}
	return s.CompensateFn(ctx)
}
