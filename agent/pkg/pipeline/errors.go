package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrClassificationFailure means the LLM was unreachable or returned a
	// structure that could not be parsed.
	ErrClassificationFailure = errors.New("classification failure")

	// ErrExecutionFailure means the statement failed against the backing
	// store. Statements are never retried.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrSchemaUnavailable means the schema could not be loaded for a run.
	ErrSchemaUnavailable = errors.New("schema unavailable")

	// ErrStaleConfirmation means a confirmation reply did not match a live
	// pending confirmation for the session.
	ErrStaleConfirmation = errors.New("stale confirmation")

	// ErrCancellationRace means the confirmation was discarded by a
	// cancellation before the reply reached it.
	ErrCancellationRace = errors.New("confirmation discarded by cancellation")
)

// StageError is returned by a stage whose external capability failed.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func classificationError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: ErrClassificationFailure, Err: err}
}

// userMessage is the text of the error event shown to the caller.
func userMessage(err error) string {
	var se *StageError
	if !errors.As(err, &se) {
		return err.Error()
	}
	switch {
	case errors.Is(se.Kind, ErrExecutionFailure):
		return fmt.Sprintf("Error executing query: %v", se.Err)
	case errors.Is(se.Kind, ErrSchemaUnavailable):
		return "Error loading the database schema for your request."
	case errors.Is(se.Kind, ErrStaleConfirmation):
		return fmt.Sprintf("Confirmation rejected: %v", se.Err)
	default:
		return fmt.Sprintf("Error while processing the %s step.", se.Stage)
	}
}
