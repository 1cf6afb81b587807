package simulation

import (
	"context"

	"cohort/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when a tick body takes longer than the tick duration.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventEventsReduced is emitted when the reducer dropped events to fit the per-tick budget.
	EventEventsReduced logging.EventType = "simulation.events_reduced"
	// EventTickFailed is emitted when a tick aborts the session.
	EventTickFailed logging.EventType = "simulation.tick_failed"
)

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
}

// EventsReducedPayload captures how much an overloaded batch was compressed.
type EventsReducedPayload struct {
	Scheduled int `json:"scheduled"`
	Applied   int `json:"applied"`
	Dropped   int `json:"dropped"`
	Limit     int `json:"limit"`
}

// TickFailedPayload captures the error that stopped the session.
type TickFailedPayload struct {
	Error string `json:"error"`
}

// TickBudgetOverrun publishes a warning when a tick exceeds its budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, session string, tick int64, payload TickBudgetOverrunPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventTickBudgetOverrun,
		Session:  session,
		Tick:     tick,
		Actor:    logging.SessionRef(session),
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}

// EventsReduced publishes an info event when events were dropped under overload.
func EventsReduced(ctx context.Context, pub logging.Publisher, session string, tick int64, payload EventsReducedPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventEventsReduced,
		Session:  session,
		Tick:     tick,
		Actor:    logging.SessionRef(session),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// TickFailed publishes an error event when the tick body fails.
func TickFailed(ctx context.Context, pub logging.Publisher, session string, tick int64, payload TickFailedPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventTickFailed,
		Session:  session,
		Tick:     tick,
		Actor:    logging.SessionRef(session),
		Severity: logging.SeverityError,
		Payload:  payload,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategorySimulation
	pub.Publish(ctx, event)
}
