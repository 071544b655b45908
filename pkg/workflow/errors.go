package workflow

import (
	"errors"
	"fmt"
)

// StepError attributes a run-time failure to the step where it occurred.
// The interpreter annotates each failure exactly once, at the point of
// failure; outer steps re-raise it untouched so the original error stays
// reachable through errors.Is and errors.As.
type StepError struct {
	// StepID is the failing step's caller-assigned id.
	StepID string

	// ModulePath is set when the failing step is an action step.
	ModulePath string

	// Err is the original failure.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.ModulePath != "" {
		return fmt.Sprintf("Step %s (%s): %s", e.StepID, e.ModulePath, e.Err)
	}
	return fmt.Sprintf("Step %s: %s", e.StepID, e.Err)
}

// Unwrap returns the original failure.
func (e *StepError) Unwrap() error {
	return e.Err
}

// LoopLimitError reports a while loop that needed more iterations than its
// safety bound allows. It is a distinct type so callers can tell "this
// workflow is likely malformed" apart from "an external service failed".
type LoopLimitError struct {
	// StepID is the loop step that hit the bound.
	StepID string

	// MaxIterations is the bound that was exceeded.
	MaxIterations int
}

// Error implements the error interface.
func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("while loop exceeded maximum of %d iterations", e.MaxIterations)
}

// ErrorStepID extracts the failing step's id from a run error, or "" when
// the error is not attributed to a step (e.g. cancellation before any step).
func ErrorStepID(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.StepID
	}
	return ""
}
