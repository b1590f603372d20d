package session

import (
	"FlowDAQ/internal/model"
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a lifecycle operation is not valid in the
	// current state.
	ErrInvalidTransition = errors.New("session: invalid state transition")

	// ErrNotFinished is returned by Finalize before the session reaches a finished state.
	ErrNotFinished = errors.New("session: not finished")
)

// PersistError reports that the export document was produced but one or more destinations
// failed to store it. The document stays cached and Finalize may be retried.
type PersistError struct {
	RunID string
	Err   error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist run %s: %v", e.RunID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func transitionError(op string, from model.Status) error {
	return fmt.Errorf("%s from %s: %w", op, from, ErrInvalidTransition)
}
