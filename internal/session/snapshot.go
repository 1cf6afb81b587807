package session

// ResyncReasonLag marks snapshots forced by client lag.
const ResyncReasonLag = "lag"

// Snapshot is the authoritative state of a session at one tick. State is
// captured from the game module at most once per tick and shared,
// read-only, by every copy sent during that tick.
type Snapshot struct {
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

func (s Snapshot) forcedFor(clientID string, lag lagInfo) Snapshot {
	s.Forced = true
	s.Reason = ResyncReasonLag
	s.TargetClientID = clientID
	lagTicks := lag.lagTicks
	lastAck := lag.lastAckTickID
	s.ClientLagTicks = &lagTicks
	s.ClientLastAckTickID = &lastAck
	return s
}
