package session

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySessionID is returned when constructing an actor without an id.
	ErrEmptySessionID = errors.New("session id is required")
	// ErrNilGameModule is returned when constructing an actor without a game.
	ErrNilGameModule = errors.New("game module is required")
	// ErrTimerNotStarted means the run loop was entered without a ticker.
	ErrTimerNotStarted = errors.New("run loop entered before the tick timer was started")
	// ErrUnknownCommand means the mailbox held a command the actor cannot handle.
	ErrUnknownCommand = errors.New("unknown mailbox command")
	// ErrDisposed is returned when starting a disposed actor.
	ErrDisposed = errors.New("session disposed")
)

// TickError wraps a failure that aborted the session during a tick.
type TickError struct {
	SessionID string
	TickID    int64
	Err       error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("session %s tick %d: %v", e.SessionID, e.TickID, e.Err)
}

func (e *TickError) Unwrap() error {
	return e.Err
}

// panicError converts a recovered panic value into an error.
func panicError(where string, recovered any) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("%s panicked: %w", where, err)
	}
	return fmt.Errorf("%s panicked: %v", where, recovered)
}
