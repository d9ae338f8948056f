package pipeline

import (
	"errors"
	"fmt"

	"github.com/seantiz/simflow/internal/model"
)

var (
	// ErrStaleTransition is returned when a transition's expected current
	// status (or attempt) no longer matches the stored record. Nothing is written.
	ErrStaleTransition = errors.New("stale transition")

	// ErrInvalidTransition is returned for an edge the status graph does not contain.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotRestartable is returned by Restart for workflows that are neither
	// failed nor stopped.
	ErrNotRestartable = errors.New("workflow not restartable")

	// ErrRetryExhausted marks a workflow failed after its stage message was
	// delivered more than the configured number of times.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ValidationError reports a rejected simulation request.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid simulation request: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StageFailure wraps an error raised while executing a pipeline stage.
type StageFailure struct {
	Step model.Step
	Err  error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Step, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }
