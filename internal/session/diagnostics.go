package session

// Diagnostics is an immutable view of a session, republished after every
// tick. Readers may observe a value up to one tick stale.
type Diagnostics struct {
	SessionID                string              `json:"sessionId"`
	Game                     string              `json:"game,omitempty"`
	TickID                   int64               `json:"tickId"`
	TickDurationMs           int                 `json:"tickDurationMs"`
	ServerTimeMs             int64               `json:"serverTimeMs"`
	TotalIngestedEvents      int64               `json:"totalIngestedEvents"`
	TotalAppliedEvents       int64               `json:"totalAppliedEvents"`
	TotalDroppedEvents       int64               `json:"totalDroppedEvents"`
	TotalSnapshotsSent       int64               `json:"totalSnapshotsSent"`
	TotalResyncSnapshotsSent int64               `json:"totalResyncSnapshotsSent"`
	TotalSendFailures        int64               `json:"totalSendFailures"`
	LastTickProcessMs        int64               `json:"lastTickProcessMs"`
	PendingTicks             int                 `json:"pendingTicks"`
	Clients                  []ClientDiagnostics `json:"clients"`
}

// ClientDiagnostics describes one registered client. LastResyncAgeMs is -1
// when the client was never force-resynced.
type ClientDiagnostics struct {
	ClientID        string `json:"clientId"`
	ConnectedTickID int64  `json:"connectedTickId"`
	LastAckTickID   int64  `json:"lastAckTickId"`
	LagTicks        int64  `json:"lagTicks"`
	LastAckAgeMs    int64  `json:"lastAckAgeMs"`
	ResyncCount     int64  `json:"resyncCount"`
	LastResyncAgeMs int64  `json:"lastResyncAgeMs"`
}

// Client returns the diagnostics for clientID.
func (d Diagnostics) Client(clientID string) (ClientDiagnostics, bool) {
	for _, c := range d.Clients {
		if c.ClientID == clientID {
			return c, true
		}
	}
	return ClientDiagnostics{}, false
}
