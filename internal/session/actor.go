// Package session implements the per-session actor: a single run loop that
// owns one live session's timeline. External callers only enqueue commands;
// the loop applies them, advances the game module at a fixed cadence and
// fans authoritative snapshots out to registered clients.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"cohort/server/internal/audience"
	"cohort/server/internal/telemetry"
	"cohort/server/logging"
	"cohort/server/logging/lifecycle"
	"cohort/server/logging/network"
)

type lifecycleState int

const (
	stateCreated lifecycleState = iota
	stateRunning
	stateStopped
	stateDisposed
)

type totals struct {
	ingested       int64
	applied        int64
	dropped        int64
	snapshotsSent  int64
	resyncsSent    int64
	sendFailures   int64
	overrunStreak  uint64
	lastTickMillis int64
}

// Actor owns one session. All session state below the lifecycle fields is
// touched only by the run loop.
type Actor struct {
	id      string
	cfg     Config
	game    GameModule
	reducer audience.Reducer
	mailbox *Mailbox
	policy  resyncPolicy

	clock     logging.Clock
	newTicker TickerFactory
	publisher logging.Publisher
	metrics   telemetry.Metrics
	tracer    trace.Tracer

	tickID    int64
	clients   map[string]*clientEntry
	scheduled map[int64][]audience.Event
	totals    totals

	currentTick atomic.Int64
	diagnostics atomic.Pointer[Diagnostics]

	lifeMu sync.Mutex
	state  lifecycleState
	ticker Ticker
	cancel context.CancelFunc
	done   chan struct{}

	errMu  sync.Mutex
	runErr error
}

// New constructs an actor in the Created state. Commands submitted before
// Start are queued and applied once the loop runs.
func New(sessionID string, cfg Config, game GameModule, opts ...Option) (*Actor, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if game == nil {
		return nil, ErrNilGameModule
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	a := &Actor{
		id:        sessionID,
		cfg:       cfg,
		game:      game,
		reducer:   audience.DefaultReducer{},
		policy:    newResyncPolicy(cfg),
		clock:     logging.SystemClock{},
		newTicker: NewSystemTicker,
		publisher: logging.NopPublisher(),
		metrics:   telemetry.NopMetrics(),
		tracer:    defaultTracer(),
		clients:   make(map[string]*clientEntry),
		scheduled: make(map[int64][]audience.Event),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.mailbox = NewMailbox(a.metrics)
	a.publishDiagnostics()
	return a, nil
}

// ID returns the session id.
func (a *Actor) ID() string {
	return a.id
}

// Config returns the session configuration.
func (a *Actor) Config() Config {
	return a.cfg
}

// TickID returns the last completed tick.
func (a *Actor) TickID() int64 {
	return a.currentTick.Load()
}

// Diagnostics returns the view published after the last tick.
func (a *Actor) Diagnostics() Diagnostics {
	return *a.diagnostics.Load()
}

// Start launches the run loop. Starting a running actor is a no-op.
func (a *Actor) Start() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	switch a.state {
	case stateRunning:
		return nil
	case stateDisposed:
		return ErrDisposed
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.ticker = a.newTicker(a.cfg.TickDuration())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.setErr(nil)
	a.state = stateRunning

	lifecycle.SessionStarted(ctx, a.publisher, a.id, a.TickID(), lifecycle.SessionStartedPayload{
		TickDurationMs:     a.cfg.TickDurationMs,
		InputDelayTicks:    a.cfg.InputDelayTicks,
		SnapshotEveryTicks: a.cfg.SnapshotEveryTicks,
		Game:               a.game.Name(),
	})
	go a.run(ctx, a.ticker, a.done)
	return nil
}

// Stop cancels the timer, waits for any in-flight tick and the loop to
// finish, and returns the error that ended the loop, if any. Calling Stop
// again is safe.
func (a *Actor) Stop() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	return a.stopLocked()
}

func (a *Actor) stopLocked() error {
	if a.state != stateRunning {
		return a.Err()
	}
	a.cancel()
	a.ticker.Stop()
	<-a.done
	a.ticker = nil
	a.cancel = nil
	a.state = stateStopped
	return a.Err()
}

// Dispose stops the actor and releases the game module.
func (a *Actor) Dispose() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	err := a.stopLocked()
	if a.state == stateDisposed {
		return err
	}
	a.state = stateDisposed
	if cerr := a.game.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close game module: %w", cerr)
	}
	return err
}

// Done is closed when the current run loop exits, whether through Stop or
// a fatal tick error. It is nil before the first Start.
func (a *Actor) Done() <-chan struct{} {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	return a.done
}

// Err returns the error that ended the last run loop.
func (a *Actor) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.runErr
}

func (a *Actor) setErr(err error) {
	a.errMu.Lock()
	a.runErr = err
	a.errMu.Unlock()
}

// AddClient registers client, replacing any client with the same id.
func (a *Actor) AddClient(client Client) {
	if client == nil {
		return
	}
	a.mailbox.Push(addClientCmd{client: client})
}

// RemoveClient unregisters clientID.
func (a *Actor) RemoveClient(clientID string) {
	a.mailbox.Push(removeClientCmd{clientID: clientID})
}

// RemoveClientIf unregisters client only if it is still the registration
// for its id. A connection that was replaced by a reconnect with the same
// client id therefore cannot remove its successor. Client values must be
// comparable, as pointer receivers are.
func (a *Actor) RemoveClientIf(client Client) {
	if client == nil {
		return
	}
	a.mailbox.Push(removeClientCmd{clientID: client.ID(), client: client})
}

// Ack records that clientID has applied every tick up to lastAppliedTickID.
func (a *Actor) Ack(clientID string, lastAppliedTickID, clientTimeMs int64) {
	a.mailbox.Push(ackCmd{clientID: clientID, lastAppliedTickID: lastAppliedTickID, clientTimeMs: clientTimeMs})
}

// IngestEvent schedules event for application InputDelayTicks after the
// tick current when the loop picks it up.
func (a *Actor) IngestEvent(event audience.Event) {
	a.mailbox.Push(ingestEventCmd{event: event})
}

func (a *Actor) run(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	err := a.loop(ctx, ticker)
	a.setErr(err)

	payload := lifecycle.SessionStoppedPayload{}
	if err != nil {
		payload.Error = err.Error()
	}
	lifecycle.SessionStopped(context.WithoutCancel(ctx), a.publisher, a.id, a.tickID, payload)
}

// loop races the tick timer against mailbox readiness. Commands are
// applied as soon as they arrive, and always before a tick body runs.
func (a *Actor) loop(ctx context.Context, ticker Ticker) error {
	if ticker == nil {
		return ErrTimerNotStarted
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-a.mailbox.Ready():
			if err := a.drainMailbox(ctx); err != nil {
				return err
			}
		case <-ticker.C():
			if ctx.Err() != nil {
				return nil
			}
			if err := a.drainMailbox(ctx); err != nil {
				return err
			}
			if err := a.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Actor) drainMailbox(ctx context.Context) error {
	for _, cmd := range a.mailbox.Drain() {
		if err := a.handleCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (a *Actor) handleCommand(ctx context.Context, cmd command) error {
	switch c := cmd.(type) {
	case addClientCmd:
		a.addClient(ctx, c.client)
	case removeClientCmd:
		a.removeClient(ctx, c)
	case ackCmd:
		a.ack(ctx, c)
	case ingestEventCmd:
		a.schedule(c.event)
	default:
		return fmt.Errorf("session %s: %w: %T", a.id, ErrUnknownCommand, cmd)
	}
	return nil
}

func (a *Actor) addClient(ctx context.Context, client Client) {
	id := client.ID()
	_, replaced := a.clients[id]
	now := a.nowMs()
	a.clients[id] = &clientEntry{
		client: client,
		state: &ClientState{
			ClientID:        id,
			ConnectedTickID: a.tickID,
			LastAckTickID:   a.tickID,
			LastAckTimeMs:   now,
		},
	}
	lifecycle.ClientAdded(ctx, a.publisher, a.id, a.tickID, id, lifecycle.ClientPayload{
		ConnectedTick: a.tickID,
		Replaced:      replaced,
	})
}

func (a *Actor) removeClient(ctx context.Context, c removeClientCmd) {
	entry, ok := a.clients[c.clientID]
	if !ok || (c.client != nil && entry.client != c.client) {
		return
	}
	delete(a.clients, c.clientID)
	lifecycle.ClientRemoved(ctx, a.publisher, a.id, a.tickID, c.clientID, lifecycle.ClientPayload{
		ConnectedTick: entry.state.ConnectedTickID,
	})
}

// ack only moves LastAckTickID forward. Acks beyond the current tick are
// clamped to it; older acks are reported and otherwise ignored.
func (a *Actor) ack(ctx context.Context, c ackCmd) {
	entry, ok := a.clients[c.clientID]
	if !ok {
		return
	}
	state := entry.state
	state.LastAckTimeMs = a.nowMs()

	payload := network.AckPayload{
		Previous:     state.LastAckTickID,
		Ack:          c.lastAppliedTickID,
		ClientTimeMs: c.clientTimeMs,
	}
	acked := min(c.lastAppliedTickID, a.tickID)
	switch {
	case acked < state.LastAckTickID:
		network.AckRegression(ctx, a.publisher, a.id, a.tickID, c.clientID, payload)
	case acked > state.LastAckTickID:
		state.LastAckTickID = acked
		network.AckAdvanced(ctx, a.publisher, a.id, a.tickID, c.clientID, payload)
	}
}

func (a *Actor) schedule(event audience.Event) {
	a.totals.ingested++
	target := a.tickID + a.cfg.inputDelay()
	a.scheduled[target] = append(a.scheduled[target], event)
}

func (a *Actor) sortedClientIDs() []string {
	ids := make([]string, 0, len(a.clients))
	for id := range a.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *Actor) nowMs() int64 {
	return a.clock.Now().UnixMilli()
}
