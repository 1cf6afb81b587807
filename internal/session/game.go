package session

import (
	"context"

	"cohort/server/internal/audience"
)

// GameModule is the pluggable simulation advanced by a session actor. One
// instance serves one session and is only ever called from its run loop.
type GameModule interface {
	Name() string
	// ApplyEvents advances the simulation by exactly one tick. It must be
	// deterministic in (tickID, events) and must not block on I/O.
	ApplyEvents(tickID int64, events []audience.Event) error
	// StateSnapshot returns a serializable value that later ticks will not
	// mutate.
	StateSnapshot() (any, error)
	// Close releases module resources when the session is disposed.
	Close() error
}

// GameModuleFactory creates the game module for a session.
type GameModuleFactory interface {
	Create(sessionID string) (GameModule, error)
}

// GameModuleFactoryFunc adapts a function into a GameModuleFactory.
type GameModuleFactoryFunc func(sessionID string) (GameModule, error)

// Create implements GameModuleFactory.
func (f GameModuleFactoryFunc) Create(sessionID string) (GameModule, error) {
	return f(sessionID)
}

// Client is a snapshot sink, typically one viewer connection.
type Client interface {
	ID() string
	// SendSnapshot delivers one snapshot. Errors are tolerated by the actor
	// and only affect this client.
	SendSnapshot(ctx context.Context, snapshot Snapshot) error
}
