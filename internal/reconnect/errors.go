package reconnect

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxAttemptsExceeded ends a recovery sequence in the Error state.
	ErrMaxAttemptsExceeded = errors.New("max reconnection attempts exceeded")
	// ErrAborted marks an attempt cancelled by a user command.
	ErrAborted = errors.New("reconnection aborted")
	// ErrStopped is returned by Send once the manager has exited.
	ErrStopped = errors.New("reconnection manager stopped")
)

// EstablishError is a failed tunnel establishment.
type EstablishError struct {
	Attempt uint32
	Err     error
}

func (e *EstablishError) Error() string {
	if e.Attempt == 0 {
		return fmt.Sprintf("establish tunnel: %v", e.Err)
	}
	return fmt.Sprintf("establish tunnel (attempt %d): %v", e.Attempt, e.Err)
}

func (e *EstablishError) Unwrap() error { return e.Err }
