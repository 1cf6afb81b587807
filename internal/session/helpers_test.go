package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cohort/server/internal/audience"
	"cohort/server/logging/sinks"
)

type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGame struct {
	mu            sync.Mutex
	ticks         []int64
	applied       map[int64][]audience.Event
	snapshotCalls int
	applyErr      error
	applyPanic    bool
	closed        bool
}

func newFakeGame() *fakeGame {
	return &fakeGame{applied: make(map[int64][]audience.Event)}
}

func (g *fakeGame) Name() string { return "fake" }

func (g *fakeGame) ApplyEvents(tickID int64, events []audience.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.applyPanic {
		panic("boom")
	}
	if g.applyErr != nil {
		return g.applyErr
	}
	g.ticks = append(g.ticks, tickID)
	if len(events) > 0 {
		g.applied[tickID] = append([]audience.Event(nil), events...)
	}
	return nil
}

func (g *fakeGame) StateSnapshot() (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshotCalls++
	return map[string]int{"ticks": len(g.ticks)}, nil
}

func (g *fakeGame) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGame) Ticks() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.ticks...)
}

func (g *fakeGame) Applied(tickID int64) []audience.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied[tickID]
}

func (g *fakeGame) SnapshotCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotCalls
}

func (g *fakeGame) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type fakeClient struct {
	id        string
	mu        sync.Mutex
	snapshots []Snapshot
	err       error
	panics    bool
	blocks    bool
	// hang, when set, blocks sends until it is closed, ignoring ctx.
	hang chan struct{}
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) SendSnapshot(ctx context.Context, snapshot Snapshot) error {
	if c.panics {
		panic("client exploded")
	}
	if c.blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.hang != nil {
		<-c.hang
		return nil
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshot)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.snapshots...)
}

func (c *fakeClient) Ticks() []int64 {
	var ticks []int64
	for _, s := range c.Snapshots() {
		ticks = append(ticks, s.TickID)
	}
	return ticks
}

var errClientGone = errors.New("client gone")

type harness struct {
	actor  *Actor
	game   *fakeGame
	ticker *manualTicker
	clock  *manualClock
	events *sinks.MemorySink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		game:   newFakeGame(),
		ticker: newManualTicker(),
		clock:  newManualClock(),
		events: sinks.NewMemorySink(),
	}
	actor, err := New("s1", cfg, h.game,
		WithTicker(func(time.Duration) Ticker { return h.ticker }),
		WithClock(h.clock),
		WithPublisher(h.events),
	)
	require.NoError(t, err)
	h.actor = actor
	t.Cleanup(func() { _ = actor.Dispose() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.actor.Start())
}

// step fires n ticks and waits until each has been fully processed.
func (h *harness) step(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		target := h.actor.TickID() + 1
		select {
		case h.ticker.ch <- h.clock.Now():
		case <-time.After(2 * time.Second):
			t.Fatalf("run loop did not accept tick %d", target)
		}
		require.Eventually(t, func() bool {
			return h.actor.TickID() >= target
		}, 2*time.Second, time.Millisecond, "tick %d not processed", target)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InputDelayTicks = 1
	cfg.SnapshotEveryTicks = 1
	cfg.MaxLagTicks = 0
	cfg.SendTimeoutMs = 500
	return cfg
}

func comment(id string, ingest int64) audience.Event {
	return audience.Event{
		EventID:      id,
		Platform:     "test",
		SessionID:    "s1",
		UserID:       "u-" + id,
		Kind:         audience.KindComment,
		IngestTimeMs: ingest,
		Text:         "hi",
	}
}
