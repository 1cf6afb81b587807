package network

import (
	"context"

	"cohort/server/logging"
)

const (
	// EventAckAdvanced is emitted when a client acknowledges a newer tick.
	EventAckAdvanced logging.EventType = "network.ack_advanced"
	// EventAckRegression is emitted when a client reports an older acknowledgement than previously recorded.
	EventAckRegression logging.EventType = "network.ack_regression"
	// EventResyncForced is emitted when a lagging client is sent a forced snapshot.
	EventResyncForced logging.EventType = "network.resync_forced"
	// EventSendFailed is emitted when delivering a snapshot to a client fails.
	EventSendFailed logging.EventType = "network.send_failed"
)

// AckPayload captures acknowledgement progression details.
type AckPayload struct {
	Previous     int64 `json:"previous"`
	Ack          int64 `json:"ack"`
	ClientTimeMs int64 `json:"clientTimeMs,omitempty"`
}

// ResyncPayload captures the lag that triggered a forced snapshot.
type ResyncPayload struct {
	LagTicks      int64 `json:"lagTicks"`
	LastAckTickID int64 `json:"lastAckTickId"`
	ResyncCount   int64 `json:"resyncCount"`
}

// SendFailedPayload captures a swallowed delivery error.
type SendFailedPayload struct {
	Error  string `json:"error"`
	Forced bool   `json:"forced,omitempty"`
}

// AckAdvanced publishes a debug event when a client acknowledgement advances.
func AckAdvanced(ctx context.Context, pub logging.Publisher, session string, tick int64, client string, payload AckPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventAckAdvanced,
		Session:  session,
		Tick:     tick,
		Actor:    logging.ClientRef(client),
		Severity: logging.SeverityDebug,
		Payload:  payload,
	})
}

// AckRegression publishes a warning event when a client acknowledgement regresses.
func AckRegression(ctx context.Context, pub logging.Publisher, session string, tick int64, client string, payload AckPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventAckRegression,
		Session:  session,
		Tick:     tick,
		Actor:    logging.ClientRef(client),
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}

// ResyncForced publishes an info event for each forced snapshot.
func ResyncForced(ctx context.Context, pub logging.Publisher, session string, tick int64, client string, payload ResyncPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventResyncForced,
		Session:  session,
		Tick:     tick,
		Actor:    logging.ClientRef(client),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// SendFailed publishes a debug event for a discarded send error.
func SendFailed(ctx context.Context, pub logging.Publisher, session string, tick int64, client string, payload SendFailedPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventSendFailed,
		Session:  session,
		Tick:     tick,
		Actor:    logging.ClientRef(client),
		Severity: logging.SeverityDebug,
		Payload:  payload,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryNetwork
	pub.Publish(ctx, event)
}
