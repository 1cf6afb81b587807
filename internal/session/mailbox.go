package session

import (
	"sync"

	"github.com/eapache/queue"

	"cohort/server/internal/telemetry"
)

const (
	mailboxOccupancyMetricKey = "session_mailbox_occupancy"
	mailboxCommandsMetricKey  = "session_mailbox_commands_total"
)

// Mailbox is an unbounded queue of commands. It is safe for concurrent
// producers and a single consumer; Push never blocks on the consumer.
type Mailbox struct {
	mu      sync.Mutex
	queue   *queue.Queue
	ready   chan struct{}
	metrics telemetry.Metrics
}

// NewMailbox constructs an empty mailbox.
func NewMailbox(metrics telemetry.Metrics) *Mailbox {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Mailbox{
		queue:   queue.New(),
		ready:   make(chan struct{}, 1),
		metrics: metrics,
	}
}

// Push appends a command and signals readiness.
func (m *Mailbox) Push(cmd command) {
	m.mu.Lock()
	m.queue.Add(cmd)
	length := m.queue.Length()
	m.mu.Unlock()

	m.metrics.Add(mailboxCommandsMetricKey, 1)
	m.metrics.Store(mailboxOccupancyMetricKey, uint64(length))
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Ready fires after at least one Push since the signal was last consumed.
// A signal may be stale: Drain can return nothing after it fires.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Drain removes and returns every queued command in FIFO order.
func (m *Mailbox) Drain() []command {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.queue.Length()
	if n == 0 {
		return nil
	}
	commands := make([]command, 0, n)
	for m.queue.Length() > 0 {
		commands = append(commands, m.queue.Remove().(command))
	}
	m.metrics.Store(mailboxOccupancyMetricKey, 0)
	return commands
}

// Len reports the number of queued commands.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Length()
}
