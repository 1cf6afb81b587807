package session

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"cohort/server/internal/audience"
	"cohort/server/internal/telemetry"
	"cohort/server/logging"
)

const tracerName = "cohort/server/internal/session"

// Ticker is the subset of time.Ticker the run loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates the tick timer when an actor starts.
type TickerFactory func(d time.Duration) Ticker

type systemTicker struct {
	ticker *time.Ticker
}

func (t systemTicker) C() <-chan time.Time { return t.ticker.C }
func (t systemTicker) Stop()               { t.ticker.Stop() }

// NewSystemTicker wraps time.NewTicker.
func NewSystemTicker(d time.Duration) Ticker {
	return systemTicker{ticker: time.NewTicker(d)}
}

// Option customises an Actor.
type Option func(*Actor)

// WithReducer replaces the default audience reducer.
func WithReducer(reducer audience.Reducer) Option {
	return func(a *Actor) {
		if reducer != nil {
			a.reducer = reducer
		}
	}
}

// WithClock replaces the wall clock used for server time and cooldowns.
func WithClock(clock logging.Clock) Option {
	return func(a *Actor) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithTicker replaces the tick timer factory.
func WithTicker(factory TickerFactory) Option {
	return func(a *Actor) {
		if factory != nil {
			a.newTicker = factory
		}
	}
}

// WithPublisher routes structured session events.
func WithPublisher(pub logging.Publisher) Option {
	return func(a *Actor) {
		if pub != nil {
			a.publisher = pub
		}
	}
}

// WithMetrics records counters and gauges.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(a *Actor) {
		if metrics != nil {
			a.metrics = metrics
		}
	}
}

// WithTracer replaces the tracer used for tick spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Actor) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
