package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"zero tick duration":    func(c *Config) { c.TickDurationMs = 0 },
		"zero send timeout":     func(c *Config) { c.SendTimeoutMs = 0 },
		"negative send timeout": func(c *Config) { c.SendTimeoutMs = -5 },
		"negative input delay":  func(c *Config) { c.InputDelayTicks = -1 },
		"negative cadence":      func(c *Config) { c.SnapshotEveryTicks = -1 },
		"negative max lag":      func(c *Config) { c.MaxLagTicks = -1 },
		"negative cooldown":     func(c *Config) { c.ResyncCooldownMs = -1 },
		"negative event budget": func(c *Config) { c.MaxEventsPerTick = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	zeroes := DefaultConfig()
	zeroes.InputDelayTicks = 0
	zeroes.SnapshotEveryTicks = 0
	zeroes.MaxLagTicks = 0
	zeroes.MaxEventsPerTick = 0
	zeroes.ResyncCooldownMs = 0
	require.NoError(t, zeroes.Validate(), "zero disables these knobs")
}
