package proctor

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the state machine, monitors and collaborators.
var (
	// ErrDeviceUnavailable is returned by capture devices when permission is
	// denied or the hardware is absent. Fatal to one modality.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrModelUnavailable is returned by the vision analyzer when the
	// inference model could not be loaded. Fatal to vision monitoring.
	ErrModelUnavailable = errors.New("inference model unavailable")
	// ErrInvalidTransition is returned when an operation is called from a
	// state that does not allow it. State is left untouched.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrUnknownQuestion is returned for answers or marks that do not refer
	// to a question of the current session. Not fatal.
	ErrUnknownQuestion = errors.New("question not in session")
	// ErrInvalidOption is returned when an answer is not one of the options.
	ErrInvalidOption = errors.New("option not offered by question")
)

// SessionCreateError wraps a session store failure during Start.
type SessionCreateError struct {
	Err error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("create session: %v", e.Err)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }

// QuestionLoadError wraps a question source failure during Start.
type QuestionLoadError struct {
	Err error
}

func (e *QuestionLoadError) Error() string {
	return fmt.Sprintf("load questions: %v", e.Err)
}

func (e *QuestionLoadError) Unwrap() error { return e.Err }

// PersistenceError reports a store failure after the local transition was
// already applied. Local state is authoritative; the error is surfaced only.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
