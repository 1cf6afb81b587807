// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"cohort/server/internal/observability"
	"cohort/server/internal/session"
	"cohort/server/logging"
)

// Config is the full server configuration.
type Config struct {
	Addr             string        `env:"COHORT_ADDR" envDefault:":8080"`
	MinClientVersion string        `env:"COHORT_MIN_CLIENT_VERSION"`
	HelloSecret      string        `env:"COHORT_HELLO_SECRET"`
	ShutdownTimeout  time.Duration `env:"COHORT_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Session SessionEnv
	Log     LogEnv
	OTel    OTelEnv
}

// SessionEnv holds the per-session actor settings.
type SessionEnv struct {
	TickDurationMs     int `env:"COHORT_TICK_DURATION_MS" envDefault:"100"`
	InputDelayTicks    int `env:"COHORT_INPUT_DELAY_TICKS" envDefault:"2"`
	SnapshotEveryTicks int `env:"COHORT_SNAPSHOT_EVERY_TICKS" envDefault:"1"`
	MaxEventsPerTick   int `env:"COHORT_MAX_EVENTS_PER_TICK" envDefault:"200"`
	MaxLagTicks        int `env:"COHORT_MAX_LAG_TICKS" envDefault:"50"`
	ResyncCooldownMs   int `env:"COHORT_RESYNC_COOLDOWN_MS" envDefault:"2000"`
	SendTimeoutMs      int `env:"COHORT_SEND_TIMEOUT_MS" envDefault:"1000"`
}

// LogEnv selects logging sinks.
type LogEnv struct {
	Sinks       []string `env:"LOG_SINKS" envSeparator:"," envDefault:"console"`
	JSONPath    string   `env:"LOG_JSON_PATH"`
	MinSeverity string   `env:"LOG_MIN_SEVERITY" envDefault:"info"`
	BufferSize  int      `env:"LOG_BUFFER_SIZE" envDefault:"1024"`
}

// OTelEnv configures trace export.
type OTelEnv struct {
	Endpoint    string `env:"OTEL_ENDPOINT"`
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"true"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"cohort-server"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.SessionConfig().Validate(); err != nil {
		return Config{}, fmt.Errorf("session config: %w", err)
	}
	if _, err := cfg.LoggingConfig(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SessionConfig converts the session settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		TickDurationMs:     c.Session.TickDurationMs,
		InputDelayTicks:    c.Session.InputDelayTicks,
		SnapshotEveryTicks: c.Session.SnapshotEveryTicks,
		MaxEventsPerTick:   c.Session.MaxEventsPerTick,
		MaxLagTicks:        c.Session.MaxLagTicks,
		ResyncCooldownMs:   c.Session.ResyncCooldownMs,
		SendTimeoutMs:      c.Session.SendTimeoutMs,
	}
}

// LoggingConfig converts the log settings.
func (c Config) LoggingConfig() (logging.Config, error) {
	cfg := logging.DefaultConfig()
	sinks := make([]string, 0, len(c.Log.Sinks))
	for _, sink := range c.Log.Sinks {
		name := strings.ToLower(strings.TrimSpace(sink))
		switch name {
		case "":
		case logging.SinkConsole, logging.SinkJSON, logging.SinkMemory:
			sinks = append(sinks, name)
		default:
			return logging.Config{}, fmt.Errorf("LOG_SINKS: unknown sink %q", sink)
		}
	}
	cfg.EnabledSinks = sinks
	if c.Log.BufferSize > 0 {
		cfg.BufferSize = c.Log.BufferSize
	}
	if c.Log.JSONPath != "" {
		cfg.JSON.FilePath = c.Log.JSONPath
	}
	severity, err := logging.ParseSeverity(c.Log.MinSeverity)
	if err != nil {
		return logging.Config{}, fmt.Errorf("LOG_MIN_SEVERITY: %w", err)
	}
	cfg.MinimumSeverity = severity
	return cfg, nil
}

// ObservabilityConfig converts the trace settings.
func (c Config) ObservabilityConfig() observability.Config {
	return observability.Config{
		Enabled:     c.OTel.Enabled,
		Endpoint:    c.OTel.Endpoint,
		ServiceName: c.OTel.ServiceName,
	}
}
