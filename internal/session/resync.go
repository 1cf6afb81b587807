package session

// lagInfo describes a client selected for a forced resync.
type lagInfo struct {
	lagTicks      int64
	lastAckTickID int64
}

// resyncPolicy decides which clients are lagging badly enough to be sent a
// forced snapshot.
type resyncPolicy struct {
	maxLagTicks int64
	cooldownMs  int64
}

func newResyncPolicy(cfg Config) resyncPolicy {
	return resyncPolicy{
		maxLagTicks: int64(cfg.MaxLagTicks),
		cooldownMs:  int64(cfg.ResyncCooldownMs),
	}
}

func (p resyncPolicy) enabled() bool {
	return p.maxLagTicks > 0
}

// evaluate reports whether state needs a forced resync at tickID. A client
// resynced within the cooldown is skipped even if it is still lagging.
func (p resyncPolicy) evaluate(tickID int64, state *ClientState, nowMs int64) (lagInfo, bool) {
	if !p.enabled() || state == nil {
		return lagInfo{}, false
	}
	lag := state.LagTicks(tickID)
	if lag <= p.maxLagTicks {
		return lagInfo{}, false
	}
	if state.LastResyncTimeMs > 0 && nowMs-state.LastResyncTimeMs < p.cooldownMs {
		return lagInfo{}, false
	}
	return lagInfo{lagTicks: lag, lastAckTickID: state.LastAckTickID}, true
}

// markResynced records a forced snapshot attempt.
func (p resyncPolicy) markResynced(state *ClientState, nowMs int64) {
	state.LastResyncTimeMs = nowMs
	state.ResyncCount++
}
