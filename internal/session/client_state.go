package session

// ClientState is the actor's bookkeeping for one registered client. It is
// owned by the run loop and never shared.
type ClientState struct {
	ClientID         string
	ConnectedTickID  int64
	LastAckTickID    int64
	LastAckTimeMs    int64
	LastResyncTimeMs int64
	ResyncCount      int64
}

// LagTicks reports how far the client's ack trails tickID.
func (s *ClientState) LagTicks(tickID int64) int64 {
	return tickID - s.LastAckTickID
}

type clientEntry struct {
	client Client
	state  *ClientState
}
