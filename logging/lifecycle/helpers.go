package lifecycle

import (
	"context"

	"cohort/server/logging"
)

const (
	// EventSessionStarted is emitted when a session actor begins ticking.
	EventSessionStarted logging.EventType = "session.started"
	// EventSessionStopped is emitted when a session actor's run loop exits.
	EventSessionStopped logging.EventType = "session.stopped"
	// EventClientAdded is emitted when a client registers with a session.
	EventClientAdded logging.EventType = "session.client_added"
	// EventClientRemoved is emitted when a client leaves a session.
	EventClientRemoved logging.EventType = "session.client_removed"
)

// SessionStartedPayload captures the cadence a session was started with.
type SessionStartedPayload struct {
	TickDurationMs     int    `json:"tickDurationMs"`
	InputDelayTicks    int    `json:"inputDelayTicks"`
	SnapshotEveryTicks int    `json:"snapshotEveryTicks"`
	Game               string `json:"game,omitempty"`
}

// SessionStoppedPayload records why the run loop exited.
type SessionStoppedPayload struct {
	Error string `json:"error,omitempty"`
}

// ClientPayload captures the tick a client joined or left at.
type ClientPayload struct {
	ConnectedTick int64 `json:"connectedTick"`
	Replaced      bool  `json:"replaced,omitempty"`
}

// SessionStarted publishes a session start event.
func SessionStarted(ctx context.Context, pub logging.Publisher, session string, tick int64, payload SessionStartedPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventSessionStarted,
		Session:  session,
		Tick:     tick,
		Actor:    logging.SessionRef(session),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// SessionStopped publishes a session stop event. A non-empty error raises
// the severity to error.
func SessionStopped(ctx context.Context, pub logging.Publisher, session string, tick int64, payload SessionStoppedPayload) {
	severity := logging.SeverityInfo
	if payload.Error != "" {
		severity = logging.SeverityError
	}
	publish(ctx, pub, logging.Event{
		Type:     EventSessionStopped,
		Session:  session,
		Tick:     tick,
		Actor:    logging.SessionRef(session),
		Severity: severity,
		Payload:  payload,
	})
}

// ClientAdded publishes a client registration event.
func ClientAdded(ctx context.Context, pub logging.Publisher, session string, tick int64, client string, payload ClientPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventClientAdded,
		Session:  session,
		Tick:     tick,
		Actor:    logging.ClientRef(client),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// ClientRemoved publishes a client removal event.
func ClientRemoved(ctx context.Context, pub logging.Publisher, session string, tick int64, client string, payload ClientPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventClientRemoved,
		Session:  session,
		Tick:     tick,
		Actor:    logging.ClientRef(client),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryLifecycle
	pub.Publish(ctx, event)
}
