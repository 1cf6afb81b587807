package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cohort/server/internal/audience"
	"cohort/server/logging/lifecycle"
	"cohort/server/logging/network"
	"cohort/server/logging/simulation"
)

func TestNewValidatesArguments(t *testing.T) {
	_, err := New("", DefaultConfig(), newFakeGame())
	require.ErrorIs(t, err, ErrEmptySessionID)

	_, err = New("s1", DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrNilGameModule)

	cfg := DefaultConfig()
	cfg.TickDurationMs = 0
	_, err = New("s1", cfg, newFakeGame())
	require.Error(t, err)
}

func TestLoopRequiresTicker(t *testing.T) {
	actor, err := New("s1", DefaultConfig(), newFakeGame())
	require.NoError(t, err)
	require.ErrorIs(t, actor.loop(context.Background(), nil), ErrTimerNotStarted)
}

func TestInitialDiagnostics(t *testing.T) {
	h := newHarness(t, testConfig())
	diag := h.actor.Diagnostics()
	require.Equal(t, "s1", diag.SessionID)
	require.Equal(t, "fake", diag.Game)
	require.Zero(t, diag.TickID)
	require.Empty(t, diag.Clients)
}

func TestTicksAreMonotonic(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.step(t, 5)

	require.Equal(t, []int64{1, 2, 3, 4, 5}, h.game.Ticks())
	require.Equal(t, int64(5), h.actor.Diagnostics().TickID)
}

func TestTicksStayMonotonicUnderConcurrentCommands(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLagTicks = 2
	h := newHarness(t, cfg)
	h.start(t)

	const producers = 8
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := fmt.Sprintf("p%d-c%d", p, i%4)
				client := newFakeClient(id)
				h.actor.AddClient(client)
				h.actor.IngestEvent(comment(fmt.Sprintf("p%d-e%d", p, i), int64(i)))
				h.actor.Ack(id, int64(i), 0)
				if i%3 == 0 {
					h.actor.RemoveClientIf(client)
				} else {
					h.actor.RemoveClient(id)
				}
				time.Sleep(100 * time.Microsecond)
			}
		}(p)
	}

	const ticks = 50
	h.step(t, ticks)
	close(stop)
	wg.Wait()

	want := make([]int64, ticks)
	for i := range want {
		want[i] = int64(i + 1)
	}
	require.Equal(t, want, h.game.Ticks())
	require.Equal(t, int64(ticks), h.actor.Diagnostics().TickID)
	require.NoError(t, h.actor.Err())
}

func TestEventsApplyAfterInputDelay(t *testing.T) {
	cfg := testConfig()
	cfg.InputDelayTicks = 2
	h := newHarness(t, cfg)
	h.start(t)

	h.actor.IngestEvent(comment("e1", 10))
	h.step(t, 1)
	require.Empty(t, h.game.Applied(1))
	h.step(t, 1)
	require.Len(t, h.game.Applied(2), 1)

	h.actor.IngestEvent(comment("e2", 20))
	h.step(t, 2)
	require.Empty(t, h.game.Applied(3))
	applied := h.game.Applied(4)
	require.Len(t, applied, 1)
	require.Equal(t, "e2", applied[0].EventID)
	require.Equal(t, int64(2), h.actor.Diagnostics().TotalIngestedEvents)
}

func TestZeroInputDelayStillDefersToNextTick(t *testing.T) {
	cfg := testConfig()
	cfg.InputDelayTicks = 0
	h := newHarness(t, cfg)
	h.start(t)

	h.actor.IngestEvent(comment("e1", 10))
	h.step(t, 1)
	require.Len(t, h.game.Applied(1), 1)
	require.Zero(t, h.actor.Diagnostics().PendingTicks)
}

func TestEventsAreSortedBeforeApply(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.actor.IngestEvent(comment("c", 30))
	h.actor.IngestEvent(comment("b", 10))
	h.actor.IngestEvent(comment("a", 10))
	h.step(t, 1)

	var ids []string
	for _, e := range h.game.Applied(1) {
		ids = append(ids, e.EventID)
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestOversizedBatchIsReduced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEventsPerTick = 3
	h := newHarness(t, cfg)
	h.start(t)

	for i := 0; i < 10; i++ {
		h.actor.IngestEvent(comment(string(rune('a'+i)), int64(i)))
	}
	h.step(t, 1)

	require.Len(t, h.game.Applied(1), 3)
	diag := h.actor.Diagnostics()
	require.Equal(t, int64(10), diag.TotalIngestedEvents)
	require.Equal(t, int64(3), diag.TotalAppliedEvents)
	require.Equal(t, int64(7), diag.TotalDroppedEvents)

	reduced := h.events.EventsOfType(simulation.EventEventsReduced)
	require.Len(t, reduced, 1)
	payload, ok := reduced[0].Payload.(simulation.EventsReducedPayload)
	require.True(t, ok)
	require.Equal(t, 7, payload.Dropped)
}

func TestCustomReducerIsUsed(t *testing.T) {
	game := newFakeGame()
	ticker := newManualTicker()
	calls := 0
	actor, err := New("s1", testConfig(), game,
		WithTicker(func(time.Duration) Ticker { return ticker }),
		WithReducer(audience.ReducerFunc(func(events []audience.Event, _ int) []audience.Event {
			calls++
			return events[:1]
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = actor.Dispose() })
	require.NoError(t, actor.Start())

	actor.IngestEvent(comment("a", 1))
	actor.IngestEvent(comment("b", 2))
	ticker.ch <- time.Now()
	require.Eventually(t, func() bool { return actor.TickID() == 1 }, 2*time.Second, time.Millisecond)
	require.Len(t, game.Applied(1), 1)
	require.Equal(t, 1, calls)
}

func TestSnapshotCadence(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotEveryTicks = 5
	h := newHarness(t, cfg)
	client := newFakeClient("c1")
	h.actor.AddClient(client)
	h.start(t)

	h.step(t, 10)
	require.Equal(t, []int64{5, 10}, client.Ticks())
	require.Equal(t, 2, h.game.SnapshotCalls())
}

func TestZeroCadenceDisablesPeriodicSnapshots(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotEveryTicks = 0
	h := newHarness(t, cfg)
	client := newFakeClient("c1")
	h.actor.AddClient(client)
	h.start(t)

	h.step(t, 3)
	require.Empty(t, client.Snapshots())
	require.Zero(t, h.game.SnapshotCalls())
}

func TestStateCapturedOncePerTick(t *testing.T) {
	h := newHarness(t, testConfig())
	a, b := newFakeClient("a"), newFakeClient("b")
	h.actor.AddClient(a)
	h.actor.AddClient(b)
	h.start(t)

	h.step(t, 1)
	require.Equal(t, 1, h.game.SnapshotCalls())
	require.Len(t, a.Snapshots(), 1)
	require.Len(t, b.Snapshots(), 1)

	snap := a.Snapshots()[0]
	require.Equal(t, "s1", snap.SessionID)
	require.Equal(t, int64(1), snap.TickID)
	require.Equal(t, h.clock.Now().UnixMilli(), snap.ServerTimeMs)
	require.False(t, snap.Forced)
	require.Equal(t, int64(2), h.actor.Diagnostics().TotalSnapshotsSent)
}

func TestLaggingClientIsForcedToResync(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotEveryTicks = 0
	cfg.MaxLagTicks = 3
	cfg.ResyncCooldownMs = 1000
	h := newHarness(t, cfg)
	client := newFakeClient("c1")
	h.actor.AddClient(client)
	h.start(t)

	h.step(t, 3)
	require.Empty(t, client.Snapshots())

	h.step(t, 1)
	snaps := client.Snapshots()
	require.Len(t, snaps, 1)
	forced := snaps[0]
	require.True(t, forced.Forced)
	require.Equal(t, ResyncReasonLag, forced.Reason)
	require.Equal(t, "c1", forced.TargetClientID)
	require.NotNil(t, forced.ClientLagTicks)
	require.Equal(t, int64(4), *forced.ClientLagTicks)
	require.NotNil(t, forced.ClientLastAckTickID)
	require.Zero(t, *forced.ClientLastAckTickID)

	// Still lagging but inside the cooldown.
	h.step(t, 1)
	require.Len(t, client.Snapshots(), 1)

	h.clock.Advance(time.Second)
	h.step(t, 1)
	require.Len(t, client.Snapshots(), 2)

	diag := h.actor.Diagnostics()
	require.Equal(t, int64(2), diag.TotalResyncSnapshotsSent)
	cd, ok := diag.Client("c1")
	require.True(t, ok)
	require.Equal(t, int64(2), cd.ResyncCount)
	require.Equal(t, int64(6), cd.LagTicks)
	require.Zero(t, cd.LastResyncAgeMs)
	require.Len(t, h.events.EventsOfType(network.EventResyncForced), 2)
}

func TestPeriodicTickMarksLaggingClientsForced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLagTicks = 1
	h := newHarness(t, cfg)
	fresh, stale := newFakeClient("fresh"), newFakeClient("stale")
	h.actor.AddClient(fresh)
	h.actor.AddClient(stale)
	h.start(t)

	h.step(t, 1)
	h.actor.Ack("fresh", 1, 0)
	h.step(t, 1)

	require.Len(t, fresh.Snapshots(), 2)
	require.False(t, fresh.Snapshots()[1].Forced)
	require.Len(t, stale.Snapshots(), 2)
	require.True(t, stale.Snapshots()[1].Forced)
	require.Equal(t, int64(4), h.actor.Diagnostics().TotalSnapshotsSent)
	require.Equal(t, int64(1), h.actor.Diagnostics().TotalResyncSnapshotsSent)
}

func TestLaggingClientResyncsBetweenPeriodicTicks(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotEveryTicks = 5
	cfg.MaxLagTicks = 3
	cfg.ResyncCooldownMs = 300
	h := newHarness(t, cfg)
	acker, lagger := newFakeClient("acker"), newFakeClient("lagger")
	h.actor.AddClient(acker)
	h.actor.AddClient(lagger)
	h.start(t)

	for i := 0; i < 20; i++ {
		h.step(t, 1)
		h.actor.Ack("acker", h.actor.TickID(), 0)
		h.clock.Advance(100 * time.Millisecond)
	}

	require.Equal(t, []int64{5, 10, 15, 20}, acker.Ticks())
	for _, snap := range acker.Snapshots() {
		require.False(t, snap.Forced, "tick %d", snap.TickID)
	}

	var forced, periodic []int64
	for _, snap := range lagger.Snapshots() {
		if snap.Forced {
			require.Equal(t, "lagger", snap.TargetClientID)
			forced = append(forced, snap.TickID)
		} else {
			periodic = append(periodic, snap.TickID)
		}
	}
	// Forced resyncs are spaced by the cooldown; periodic ticks that fall
	// inside it still deliver an ordinary snapshot.
	require.Equal(t, []int64{4, 7, 10, 13, 16, 19}, forced)
	require.Equal(t, []int64{5, 15, 20}, periodic)

	diag := h.actor.Diagnostics()
	require.Equal(t, int64(6), diag.TotalResyncSnapshotsSent)
	require.Equal(t, int64(13), diag.TotalSnapshotsSent)
}

func TestAckClearsLag(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotEveryTicks = 0
	cfg.MaxLagTicks = 3
	h := newHarness(t, cfg)
	client := newFakeClient("c1")
	h.actor.AddClient(client)
	h.start(t)

	for i := 0; i < 10; i++ {
		h.step(t, 1)
		h.actor.Ack("c1", h.actor.TickID(), 0)
	}
	require.Empty(t, client.Snapshots())
	cd, ok := h.actor.Diagnostics().Client("c1")
	require.True(t, ok)
	require.Equal(t, int64(9), cd.LastAckTickID)
	require.Equal(t, int64(-1), cd.LastResyncAgeMs)
}

func TestStaleAckIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.actor.AddClient(newFakeClient("c1"))
	h.start(t)

	h.step(t, 3)
	h.actor.Ack("c1", 3, 0)
	h.actor.Ack("c1", 1, 0)
	h.step(t, 1)

	cd, ok := h.actor.Diagnostics().Client("c1")
	require.True(t, ok)
	require.Equal(t, int64(3), cd.LastAckTickID)
	require.Equal(t, int64(1), cd.LagTicks)
	require.Len(t, h.events.EventsOfType(network.EventAckRegression), 1)
}

func TestAckBeyondCurrentTickIsClamped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.actor.AddClient(newFakeClient("c1"))
	h.start(t)

	h.step(t, 2)
	h.actor.Ack("c1", 100, 0)
	h.step(t, 1)

	cd, ok := h.actor.Diagnostics().Client("c1")
	require.True(t, ok)
	require.Equal(t, int64(2), cd.LastAckTickID)
}

func TestAckFromUnknownClientIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.actor.Ack("ghost", 1, 0)
	h.step(t, 1)
	require.Empty(t, h.actor.Diagnostics().Clients)
}

func TestSendFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, testConfig())
	failing := newFakeClient("a")
	failing.err = errClientGone
	panicking := newFakeClient("b")
	panicking.panics = true
	healthy := newFakeClient("c")
	h.actor.AddClient(failing)
	h.actor.AddClient(panicking)
	h.actor.AddClient(healthy)
	h.start(t)

	h.step(t, 2)
	require.Equal(t, []int64{1, 2}, healthy.Ticks())

	diag := h.actor.Diagnostics()
	require.Equal(t, int64(2), diag.TotalSnapshotsSent)
	require.Equal(t, int64(4), diag.TotalSendFailures)
	require.Len(t, h.events.EventsOfType(network.EventSendFailed), 4)
	require.NoError(t, h.actor.Err())
}

func TestSlowClientTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.SendTimeoutMs = 20
	h := newHarness(t, cfg)
	slow := newFakeClient("slow")
	slow.blocks = true
	fast := newFakeClient("fast")
	h.actor.AddClient(slow)
	h.actor.AddClient(fast)
	h.start(t)

	h.step(t, 1)
	require.Len(t, fast.Snapshots(), 1)
	require.Equal(t, int64(1), h.actor.Diagnostics().TotalSendFailures)
}

func TestHungClientDoesNotBlockTickOrStop(t *testing.T) {
	cfg := testConfig()
	cfg.SendTimeoutMs = 20
	h := newHarness(t, cfg)
	hung := newFakeClient("hung")
	hung.hang = make(chan struct{})
	t.Cleanup(func() { close(hung.hang) })
	healthy := newFakeClient("healthy")
	h.actor.AddClient(hung)
	h.actor.AddClient(healthy)
	h.start(t)

	h.step(t, 2)
	require.Equal(t, []int64{1, 2}, healthy.Ticks())
	require.Equal(t, int64(2), h.actor.Diagnostics().TotalSendFailures)

	stopped := make(chan error, 1)
	go func() { stopped <- h.actor.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop blocked on a hung client")
	}
}

func TestRemovedClientStopsReceiving(t *testing.T) {
	h := newHarness(t, testConfig())
	client := newFakeClient("c1")
	h.actor.AddClient(client)
	h.start(t)

	h.step(t, 1)
	h.actor.RemoveClient("c1")
	h.step(t, 2)

	require.Equal(t, []int64{1}, client.Ticks())
	require.Empty(t, h.actor.Diagnostics().Clients)
	require.Len(t, h.events.EventsOfType(lifecycle.EventClientRemoved), 1)
}

func TestAddClientReplacesExistingID(t *testing.T) {
	h := newHarness(t, testConfig())
	first, second := newFakeClient("c1"), newFakeClient("c1")
	h.actor.AddClient(first)
	h.start(t)
	h.step(t, 1)

	h.actor.AddClient(second)
	h.step(t, 1)

	require.Equal(t, []int64{1}, first.Ticks())
	require.Equal(t, []int64{2}, second.Ticks())
	cd, ok := h.actor.Diagnostics().Client("c1")
	require.True(t, ok)
	require.Equal(t, int64(1), cd.ConnectedTickID)
}

func TestStaleRemovalKeepsReplacement(t *testing.T) {
	h := newHarness(t, testConfig())
	first, second := newFakeClient("c1"), newFakeClient("c1")
	h.actor.AddClient(first)
	h.start(t)
	h.step(t, 1)

	h.actor.AddClient(second)
	h.actor.RemoveClientIf(first)
	h.step(t, 1)

	require.Equal(t, []int64{2}, second.Ticks())
	_, ok := h.actor.Diagnostics().Client("c1")
	require.True(t, ok)
	require.Empty(t, h.events.EventsOfType(lifecycle.EventClientRemoved))

	h.actor.RemoveClientIf(second)
	h.step(t, 1)
	require.Equal(t, []int64{2}, second.Ticks())
	require.Empty(t, h.actor.Diagnostics().Clients)
	require.Len(t, h.events.EventsOfType(lifecycle.EventClientRemoved), 1)
}

func TestGameErrorStopsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.game.applyErr = errors.New("bad state")
	h.start(t)

	h.step(t, 1)
	select {
	case <-h.actor.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not exit after game failure")
	}

	var tickErr *TickError
	require.ErrorAs(t, h.actor.Err(), &tickErr)
	require.Equal(t, int64(1), tickErr.TickID)
	require.ErrorIs(t, h.actor.Stop(), h.game.applyErr)
	require.Len(t, h.events.EventsOfType(simulation.EventTickFailed), 1)
}

func TestGamePanicStopsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.game.applyPanic = true
	h.start(t)

	h.step(t, 1)
	<-h.actor.Done()
	var tickErr *TickError
	require.ErrorAs(t, h.actor.Err(), &tickErr)
}

type bogusCmd struct{}

func (bogusCmd) commandName() string { return "bogus" }

func TestUnknownCommandStopsLoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.actor.mailbox.Push(bogusCmd{})
	select {
	case <-h.actor.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not exit on unknown command")
	}
	require.ErrorIs(t, h.actor.Err(), ErrUnknownCommand)
}

func TestCommandsBeforeStartAreQueued(t *testing.T) {
	h := newHarness(t, testConfig())
	client := newFakeClient("c1")
	h.actor.AddClient(client)
	h.actor.IngestEvent(comment("e1", 1))
	require.Zero(t, h.actor.TickID())

	h.start(t)
	h.step(t, 1)
	require.Len(t, client.Snapshots(), 1)
	require.Len(t, h.game.Applied(1), 1)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())
	require.Nil(t, h.actor.Done())
	require.NoError(t, h.actor.Stop())

	h.start(t)
	require.NoError(t, h.actor.Start())
	h.step(t, 2)

	require.NoError(t, h.actor.Stop())
	require.NoError(t, h.actor.Stop())
	require.Equal(t, int64(2), h.actor.TickID())

	h.start(t)
	h.step(t, 1)
	require.Equal(t, int64(3), h.actor.TickID())

	require.NoError(t, h.actor.Dispose())
	require.True(t, h.game.Closed())
	require.ErrorIs(t, h.actor.Start(), ErrDisposed)
	require.NoError(t, h.actor.Dispose())

	require.Len(t, h.events.EventsOfType(lifecycle.EventSessionStarted), 2)
	require.Len(t, h.events.EventsOfType(lifecycle.EventSessionStopped), 2)
}

func TestStopWithRealTicker(t *testing.T) {
	cfg := testConfig()
	cfg.TickDurationMs = 5
	game := newFakeGame()
	actor, err := New("s1", cfg, game)
	require.NoError(t, err)
	require.NoError(t, actor.Start())

	require.Eventually(t, func() bool { return actor.TickID() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, actor.Dispose())
	stopped := actor.TickID()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, stopped, actor.TickID())
}
