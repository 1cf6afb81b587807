package observability

// Config controls trace export. Tracing stays a no-op unless Enabled is
// set and Endpoint is not empty.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

func (c Config) active() bool {
	return c.Enabled && c.Endpoint != ""
}
