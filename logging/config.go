package logging

import (
	"slices"
	"time"
)

// Sink names accepted in Config.EnabledSinks.
const (
	SinkConsole = "console"
	SinkJSON    = "json"
	SinkMemory  = "memory"
)

// Config selects the router's sinks and filtering.
type Config struct {
	// EnabledSinks lists the sink names to construct, in order.
	EnabledSinks []string
	// BufferSize bounds the router queue; Publish drops when it is full.
	BufferSize int
	// MinimumSeverity filters events below it before they reach a sink.
	MinimumSeverity Severity
	// Fields are merged into every event's Extra without overwriting.
	Fields           map[string]any
	JSON             JSONConfig
	DropWarnInterval time.Duration
}

// JSONConfig configures the NDJSON sink.
type JSONConfig struct {
	// FilePath is the append-only output file. Empty means the caller's
	// default.
	FilePath string
	// FlushInterval batches writes; zero or less flushes every event.
	FlushInterval time.Duration
}

// DefaultConfig logs info and above to the console.
func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{SinkConsole},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
	}
}

// HasSink reports whether name is enabled.
func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}

// CloneFields copies Fields so the router can own them.
func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
