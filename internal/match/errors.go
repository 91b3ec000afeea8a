package match

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProblem reports a problem that cannot be set up.
	ErrInvalidProblem = errors.New("match: invalid problem")
	// ErrCancelled wraps the context error when a run is cancelled between
	// iterations.
	ErrCancelled = errors.New("match: cancelled")
	// ErrUnknownTag reports Reload of a tag that was never set.
	ErrUnknownTag = errors.New("match: unknown tag")
	// ErrZeroJacobian reports that no knob moves any target.
	ErrZeroJacobian = errors.New("match: Jacobian is zero")
	// ErrSingularJacobian reports a Jacobian the stepper could not solve.
	ErrSingularJacobian = errors.New("match: Jacobian is singular")
)

// NoConvergenceError reports that no damped step reduced the penalty, or
// that the stepper could not propose one. Cause holds the stepper error.
type NoConvergenceError struct {
	Iteration int
	Penalty   float64
	Worst     string
	Cause     error
}

func (e *NoConvergenceError) Error() string {
	msg := fmt.Sprintf("match: no convergence at iteration %d (penalty %.6g, worst target %s)", e.Iteration, e.Penalty, e.Worst)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NoConvergenceError) Unwrap() error { return e.Cause }

// IterationLimitError reports that the iteration budget ran out before all
// targets were satisfied.
type IterationLimitError struct {
	Iterations int
	Penalty    float64
	Worst      string
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("match: %d iterations without convergence (penalty %.6g, worst target %s)", e.Iterations, e.Penalty, e.Worst)
}
