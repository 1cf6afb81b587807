package session

import (
	"fmt"
	"time"
)

// Config tunes one session's cadence, snapshot policy and lag tolerance.
// It is immutable once a session is created.
type Config struct {
	// TickDurationMs is the clock cadence.
	TickDurationMs int `json:"tickDurationMs"`
	// InputDelayTicks is how many ticks an ingested event waits before it
	// is applied. Values below one are treated as one.
	InputDelayTicks int `json:"inputDelayTicks"`
	// SnapshotEveryTicks is the periodic snapshot cadence; 0 disables
	// periodic snapshots.
	SnapshotEveryTicks int `json:"snapshotEveryTicks"`
	// MaxEventsPerTick is the reduction threshold; 0 disables reduction.
	MaxEventsPerTick int `json:"maxEventsPerTick"`
	// MaxLagTicks is the ack lag beyond which a client is force-resynced;
	// 0 disables forced resyncs.
	MaxLagTicks int `json:"maxLagTicks"`
	// ResyncCooldownMs is the minimum spacing between forced resyncs of
	// one client.
	ResyncCooldownMs int `json:"resyncCooldownMs"`
	// SendTimeoutMs bounds a single snapshot send. It must be positive.
	SendTimeoutMs int `json:"sendTimeoutMs"`
}

// DefaultConfig returns the stock session tuning.
func DefaultConfig() Config {
	return Config{
		TickDurationMs:     100,
		InputDelayTicks:    2,
		SnapshotEveryTicks: 1,
		MaxEventsPerTick:   200,
		MaxLagTicks:        50,
		ResyncCooldownMs:   2000,
		SendTimeoutMs:      1000,
	}
}

// Validate rejects configurations the actor cannot run with.
func (c Config) Validate() error {
	if c.TickDurationMs <= 0 {
		return fmt.Errorf("tick duration must be positive, got %dms", c.TickDurationMs)
	}
	if c.SendTimeoutMs <= 0 {
		return fmt.Errorf("send timeout must be positive, got %dms", c.SendTimeoutMs)
	}
	fields := []struct {
		name  string
		value int
	}{
		{"input delay", c.InputDelayTicks},
		{"snapshot cadence", c.SnapshotEveryTicks},
		{"max events per tick", c.MaxEventsPerTick},
		{"max lag", c.MaxLagTicks},
		{"resync cooldown", c.ResyncCooldownMs},
	}
	for _, field := range fields {
		if field.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", field.name, field.value)
		}
	}
	return nil
}

// TickDuration returns TickDurationMs as a duration.
func (c Config) TickDuration() time.Duration {
	return time.Duration(c.TickDurationMs) * time.Millisecond
}

// SendTimeout returns SendTimeoutMs as a duration.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c Config) inputDelay() int64 {
	if c.InputDelayTicks < 1 {
		return 1
	}
	return int64(c.InputDelayTicks)
}
