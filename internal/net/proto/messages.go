package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"cohort/server/internal/session"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Message type identifiers.
const (
	TypeHello    = "hello"
	TypeWelcome  = "welcome"
	TypeAck      = "ack"
	TypeSnapshot = "snapshot"
	TypeError    = "error"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Error codes carried by ServerError.
const (
	CodeBadHello           = "bad_hello"
	CodeBadMessage         = "bad_message"
	CodeUnsupportedVersion = "unsupported_version"
	CodeUnauthorized       = "unauthorized"
	CodeSessionUnavailable = "session_unavailable"
)

// ErrMissingType is returned for frames without a type field.
var ErrMissingType = errors.New("message type is required")

// ClientHello opens a viewer connection. Missing ids are assigned by the
// server.
type ClientHello struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	Token         string `json:"token,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// ServerWelcome confirms registration and tells the client the session
// cadence.
type ServerWelcome struct {
	Type               string `json:"type"`
	SessionID          string `json:"sessionId"`
	ClientID           string `json:"clientId"`
	TickDurationMs     int    `json:"tickDurationMs"`
	InputDelayTicks    int    `json:"inputDelayTicks"`
	SnapshotEveryTicks int    `json:"snapshotEveryTicks"`
	ServerTimeMs       int64  `json:"serverTimeMs"`
}

// ClientAck reports the last tick the client applied.
type ClientAck struct {
	Type              string `json:"type"`
	SessionID         string `json:"sessionId"`
	ClientID          string `json:"clientId"`
	LastAppliedTickID int64  `json:"lastAppliedTickId"`
	ClientTimeMs      int64  `json:"clientTimeMs,omitempty"`
}

// ClientPing asks for a pong carrying server time.
type ClientPing struct {
	Type         string `json:"type"`
	ClientTimeMs int64  `json:"clientTimeMs,omitempty"`
}

// ServerPong answers a ping.
type ServerPong struct {
	Type         string `json:"type"`
	ServerTimeMs int64  `json:"serverTimeMs"`
	ClientTimeMs int64  `json:"clientTimeMs,omitempty"`
}

// ServerError reports a protocol failure. The connection may be closed
// afterwards.
type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ServerSnapshot is a session.Snapshot framed for the wire.
type ServerSnapshot struct {
	Type                string `json:"type"`
	SessionID           string `json:"sessionId"`
	TickID              int64  `json:"tickId"`
	ServerTimeMs        int64  `json:"serverTimeMs"`
	State               any    `json:"state"`
	Forced              bool   `json:"forced,omitempty"`
	Reason              string `json:"reason,omitempty"`
	TargetClientID      string `json:"targetClientId,omitempty"`
	ClientLagTicks      *int64 `json:"clientLagTicks,omitempty"`
	ClientLastAckTickID *int64 `json:"clientLastAckTickId,omitempty"`
}

// ClientMessage is the union of inbound frames. Only fields relevant to
// Type are meaningful.
type ClientMessage struct {
	Type              string `json:"type"`
	SessionID         string `json:"sessionId,omitempty"`
	ClientID          string `json:"clientId,omitempty"`
	Token             string `json:"token,omitempty"`
	ClientVersion     string `json:"clientVersion,omitempty"`
	LastAppliedTickID int64  `json:"lastAppliedTickId,omitempty"`
	ClientTimeMs      int64  `json:"clientTimeMs,omitempty"`
}

// DecodeClientMessage converts a raw websocket payload into a message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return msg, ErrMissingType
	}
	return msg, nil
}

// Hello extracts the hello fields.
func (m ClientMessage) Hello() ClientHello {
	return ClientHello{
		Type:          TypeHello,
		SessionID:     m.SessionID,
		ClientID:      m.ClientID,
		Token:         m.Token,
		ClientVersion: m.ClientVersion,
	}
}

// Ack extracts the ack fields.
func (m ClientMessage) Ack() ClientAck {
	return ClientAck{
		Type:              TypeAck,
		SessionID:         m.SessionID,
		ClientID:          m.ClientID,
		LastAppliedTickID: m.LastAppliedTickID,
		ClientTimeMs:      m.ClientTimeMs,
	}
}

// NewServerSnapshot frames snapshot for the wire.
func NewServerSnapshot(snapshot session.Snapshot) ServerSnapshot {
	return ServerSnapshot{
		Type:                TypeSnapshot,
		SessionID:           snapshot.SessionID,
		TickID:              snapshot.TickID,
		ServerTimeMs:        snapshot.ServerTimeMs,
		State:               snapshot.State,
		Forced:              snapshot.Forced,
		Reason:              snapshot.Reason,
		TargetClientID:      snapshot.TargetClientID,
		ClientLagTicks:      snapshot.ClientLagTicks,
		ClientLastAckTickID: snapshot.ClientLastAckTickID,
	}
}

// EncodeSnapshot renders a snapshot frame.
func EncodeSnapshot(snapshot session.Snapshot) ([]byte, error) {
	return json.Marshal(NewServerSnapshot(snapshot))
}

// NewWelcome builds the welcome frame for a registered client.
func NewWelcome(sessionID, clientID string, cfg session.Config, serverTimeMs int64) ServerWelcome {
	return ServerWelcome{
		Type:               TypeWelcome,
		SessionID:          sessionID,
		ClientID:           clientID,
		TickDurationMs:     cfg.TickDurationMs,
		InputDelayTicks:    cfg.InputDelayTicks,
		SnapshotEveryTicks: cfg.SnapshotEveryTicks,
		ServerTimeMs:       serverTimeMs,
	}
}

// NewError builds an error frame.
func NewError(code, message string) ServerError {
	return ServerError{Type: TypeError, Message: message, Code: code}
}

// NewPong answers ping.
func NewPong(serverTimeMs, clientTimeMs int64) ServerPong {
	return ServerPong{Type: TypePong, ServerTimeMs: serverTimeMs, ClientTimeMs: clientTimeMs}
}

// Catalog lists every frame type with a zero value, for schema generation.
func Catalog() []CatalogEntry {
	return []CatalogEntry{
		{Name: TypeHello, Direction: DirectionClient, Value: ClientHello{}},
		{Name: TypeAck, Direction: DirectionClient, Value: ClientAck{}},
		{Name: TypePing, Direction: DirectionClient, Value: ClientPing{}},
		{Name: TypeWelcome, Direction: DirectionServer, Value: ServerWelcome{}},
		{Name: TypeSnapshot, Direction: DirectionServer, Value: ServerSnapshot{}},
		{Name: TypePong, Direction: DirectionServer, Value: ServerPong{}},
		{Name: TypeError, Direction: DirectionServer, Value: ServerError{}},
	}
}

// Direction says who sends a frame.
type Direction string

const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
)

// CatalogEntry describes one frame type.
type CatalogEntry struct {
	Name      string
	Direction Direction
	Value     any
}

// EncodeError renders an error frame.
func EncodeError(msg ServerError) ([]byte, error) {
	return json.Marshal(msg)
}
