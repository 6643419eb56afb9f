// Package saga runs an ordered list of steps and unwinds the completed ones
// in reverse when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
)

// ErrCompensationFailed is reported when a compensating action fails. The
// saga is then half applied and needs manual attention.
var ErrCompensationFailed = errors.New("saga: compensation failed")

// ErrAborted marks a forward error that stops the saga without unwinding,
// even after the pivot.
var ErrAborted = errors.New("saga: aborted")

// Abort wraps err so that returning it from Forward stops the run and
// leaves completed steps in place.
func Abort(err error) error {
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// Step is one forward action with an optional compensating action.
type Step struct {
	Name string

	// Forward performs the step.
	Forward func(ctx context.Context) error

	// Compensate undoes a completed Forward. Nil means nothing to undo.
	Compensate func(ctx context.Context) error

	// Pivot marks the commit point. A failure before the pivot completes
	// aborts without unwinding; steps from the pivot on are compensated.
	Pivot bool
}

// Result describes how a run ended.
type Result struct {
	// FailedStep is the name of the step whose Forward failed, or "".
	FailedStep string

	// Err is the forward error, nil on success.
	Err error

	// Aborted reports that the run stopped without unwinding.
	Aborted bool

	// Compensated reports whether unwinding ran and every compensation succeeded.
	Compensated bool

	// CompensationErr is the first compensation error, wrapped with ErrCompensationFailed.
	CompensationErr error
}

// OK reports whether every step completed.
func (r Result) OK() bool {
	return r.Err == nil
}

// Saga is an ordered list of steps.
type Saga struct {
	steps []Step
}

// New creates a saga from steps.
func New(steps ...Step) *Saga {
	return &Saga{steps: steps}
}

// Run executes the steps in order. When a step fails after the pivot has
// completed, every completed step from the pivot on is compensated in
// reverse order. A saga without a pivot compensates everything completed.
func (s *Saga) Run(ctx context.Context) Result {
	pivot := -1
	for i, st := range s.steps {
		if st.Pivot {
			pivot = i
			break
		}
	}

	for i, st := range s.steps {
		err := st.Forward(ctx)
		if err == nil {
			continue
		}

		res := Result{FailedStep: st.Name, Err: err}
		if (pivot >= 0 && i <= pivot) || errors.Is(err, ErrAborted) {
			res.Aborted = true
			return res
		}

		from := 0
		if pivot >= 0 {
			from = pivot
		}
		res.Compensated = true
		for j := i - 1; j >= from; j-- {
			undo := s.steps[j].Compensate
			if undo == nil {
				continue
			}
			if cerr := undo(ctx); cerr != nil {
				res.Compensated = false
				res.CompensationErr = fmt.Errorf("%w: step %q: %v", ErrCompensationFailed, s.steps[j].Name, cerr)
				break
			}
		}
		return res
	}

	return Result{}
}
