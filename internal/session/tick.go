package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cohort/server/internal/audience"
	"cohort/server/logging/network"
	"cohort/server/logging/simulation"
)

const (
	ticksMetricKey          = "session_ticks_total"
	eventsAppliedMetricKey  = "session_events_applied_total"
	eventsDroppedMetricKey  = "session_events_dropped_total"
	snapshotsSentMetricKey  = "session_snapshots_sent_total"
	resyncsSentMetricKey    = "session_resync_snapshots_sent_total"
	sendFailuresMetricKey   = "session_send_failures_total"
	tickDurationMetricKey   = "session_tick_duration_ms"
	sendDeadlineGracePeriod = 50 * time.Millisecond
)

var errSendAbandoned = errors.New("send did not complete before the tick deadline")

type delivery struct {
	entry    *clientEntry
	snapshot Snapshot
	lag      lagInfo
	forced   bool
}

type sendResult struct {
	index int
	err   error
}

// tick advances the session by one step. Only game module failures are
// returned; they end the run loop.
func (a *Actor) tick(ctx context.Context) (err error) {
	start := time.Now()
	a.tickID++
	tickID := a.tickID

	ctx, span := a.tracer.Start(ctx, "session.tick", trace.WithAttributes(
		attribute.String("session.id", a.id),
		attribute.Int64("tick.id", tickID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			simulation.TickFailed(ctx, a.publisher, a.id, tickID, simulation.TickFailedPayload{Error: err.Error()})
		}
		span.End()
	}()

	events := a.scheduled[tickID]
	delete(a.scheduled, tickID)
	reduced := a.reduce(ctx, events)
	span.SetAttributes(
		attribute.Int("events.scheduled", len(events)),
		attribute.Int("events.applied", len(reduced)),
	)

	if err := a.applyEvents(reduced); err != nil {
		a.publishDiagnostics()
		a.currentTick.Store(tickID)
		return &TickError{SessionID: a.id, TickID: tickID, Err: err}
	}

	nowMs := a.nowMs()
	deliveries := a.planDeliveries(nowMs)
	if len(deliveries) > 0 {
		state, err := a.captureState()
		if err != nil {
			a.publishDiagnostics()
			a.currentTick.Store(tickID)
			return &TickError{SessionID: a.id, TickID: tickID, Err: err}
		}
		base := Snapshot{
			SessionID:    a.id,
			TickID:       tickID,
			ServerTimeMs: nowMs,
			State:        state,
		}
		for i := range deliveries {
			d := &deliveries[i]
			if d.forced {
				d.snapshot = base.forcedFor(d.entry.state.ClientID, d.lag)
			} else {
				d.snapshot = base
			}
		}
		sent := a.distribute(ctx, deliveries, nowMs)
		span.SetAttributes(attribute.Int("snapshots.sent", sent))
	}

	elapsed := time.Since(start)
	a.recordTickDuration(ctx, elapsed)
	a.metrics.Add(ticksMetricKey, 1)
	a.publishDiagnostics()
	a.currentTick.Store(tickID)
	return nil
}

// reduce sorts the batch into deterministic order and bounds it.
func (a *Actor) reduce(ctx context.Context, events []audience.Event) []audience.Event {
	if len(events) == 0 {
		return nil
	}
	slices.SortFunc(events, audience.Compare)
	reduced := a.reducer.Reduce(events, a.cfg.MaxEventsPerTick)

	dropped := len(events) - len(reduced)
	a.totals.applied += int64(len(reduced))
	a.metrics.Add(eventsAppliedMetricKey, uint64(len(reduced)))
	if dropped > 0 {
		a.totals.dropped += int64(dropped)
		a.metrics.Add(eventsDroppedMetricKey, uint64(dropped))
		simulation.EventsReduced(ctx, a.publisher, a.id, a.tickID, simulation.EventsReducedPayload{
			Scheduled: len(events),
			Applied:   len(reduced),
			Dropped:   dropped,
			Limit:     a.cfg.MaxEventsPerTick,
		})
	}
	return reduced
}

func (a *Actor) applyEvents(events []audience.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("game module apply", r)
		}
	}()
	if err := a.game.ApplyEvents(a.tickID, events); err != nil {
		return fmt.Errorf("game module apply: %w", err)
	}
	return nil
}

func (a *Actor) captureState() (state any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("game module snapshot", r)
		}
	}()
	state, err = a.game.StateSnapshot()
	if err != nil {
		return nil, fmt.Errorf("game module snapshot: %w", err)
	}
	return state, nil
}

// planDeliveries picks the clients that receive a snapshot this tick. On a
// periodic tick every client gets one and lagging clients get the forced
// variant; otherwise only lagging clients outside their cooldown do.
func (a *Actor) planDeliveries(nowMs int64) []delivery {
	periodic := a.cfg.SnapshotEveryTicks > 0 && a.tickID%int64(a.cfg.SnapshotEveryTicks) == 0
	if len(a.clients) == 0 || (!periodic && !a.policy.enabled()) {
		return nil
	}
	var deliveries []delivery
	for _, id := range a.sortedClientIDs() {
		entry := a.clients[id]
		lag, lagging := a.policy.evaluate(a.tickID, entry.state, nowMs)
		if !periodic && !lagging {
			continue
		}
		deliveries = append(deliveries, delivery{entry: entry, lag: lag, forced: lagging})
	}
	return deliveries
}

// distribute sends every delivery concurrently and folds the results back
// into client state. It returns the number of successful sends.
func (a *Actor) distribute(ctx context.Context, deliveries []delivery, nowMs int64) int {
	errs := a.sendAll(ctx, deliveries)
	sent := 0
	for i, d := range deliveries {
		state := d.entry.state
		if d.forced {
			a.policy.markResynced(state, nowMs)
			network.ResyncForced(ctx, a.publisher, a.id, a.tickID, state.ClientID, network.ResyncPayload{
				LagTicks:      d.lag.lagTicks,
				LastAckTickID: d.lag.lastAckTickID,
				ResyncCount:   state.ResyncCount,
			})
		}
		if err := errs[i]; err != nil {
			a.totals.sendFailures++
			a.metrics.Add(sendFailuresMetricKey, 1)
			network.SendFailed(ctx, a.publisher, a.id, a.tickID, state.ClientID, network.SendFailedPayload{
				Error:  err.Error(),
				Forced: d.forced,
			})
			continue
		}
		sent++
		a.totals.snapshotsSent++
		a.metrics.Add(snapshotsSentMetricKey, 1)
		if d.forced {
			a.totals.resyncsSent++
			a.metrics.Add(resyncsSentMetricKey, 1)
		}
	}
	return sent
}

// sendAll waits for every send or for the send timeout plus a grace
// period, whichever comes first. Sends still running after that are
// counted as failed and left to finish on their own.
func (a *Actor) sendAll(ctx context.Context, deliveries []delivery) []error {
	errs := make([]error, len(deliveries))
	finished := make([]bool, len(deliveries))
	results := make(chan sendResult, len(deliveries))
	base := context.WithoutCancel(ctx)
	timeout := a.cfg.SendTimeout()

	for i := range deliveries {
		go func(index int, d delivery) {
			results <- sendResult{index: index, err: sendOne(base, timeout, d)}
		}(i, deliveries[i])
	}

	deadline := time.NewTimer(timeout + sendDeadlineGracePeriod)
	defer deadline.Stop()
	for received := 0; received < len(deliveries); received++ {
		select {
		case r := <-results:
			errs[r.index] = r.err
			finished[r.index] = true
		case <-deadline.C:
			for i, ok := range finished {
				if !ok {
					errs[i] = errSendAbandoned
				}
			}
			return errs
		}
	}
	return errs
}

func sendOne(ctx context.Context, timeout time.Duration, d delivery) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = panicError("client "+d.entry.state.ClientID+" send", r)
		}
	}()
	return d.entry.client.SendSnapshot(ctx, d.snapshot)
}

func (a *Actor) recordTickDuration(ctx context.Context, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	a.totals.lastTickMillis = ms
	a.metrics.Store(tickDurationMetricKey, uint64(ms))

	budget := a.cfg.TickDuration()
	if budget <= 0 || elapsed <= budget {
		a.totals.overrunStreak = 0
		return
	}
	a.totals.overrunStreak++
	simulation.TickBudgetOverrun(ctx, a.publisher, a.id, a.tickID, simulation.TickBudgetOverrunPayload{
		DurationMillis: ms,
		BudgetMillis:   budget.Milliseconds(),
		Ratio:          float64(elapsed) / float64(budget),
		Streak:         a.totals.overrunStreak,
	})
}

func (a *Actor) publishDiagnostics() {
	nowMs := a.nowMs()
	clients := make([]ClientDiagnostics, 0, len(a.clients))
	for _, id := range a.sortedClientIDs() {
		state := a.clients[id].state
		resyncAge := int64(-1)
		if state.LastResyncTimeMs > 0 {
			resyncAge = max(0, nowMs-state.LastResyncTimeMs)
		}
		clients = append(clients, ClientDiagnostics{
			ClientID:        state.ClientID,
			ConnectedTickID: state.ConnectedTickID,
			LastAckTickID:   state.LastAckTickID,
			LagTicks:        state.LagTicks(a.tickID),
			LastAckAgeMs:    max(0, nowMs-state.LastAckTimeMs),
			ResyncCount:     state.ResyncCount,
			LastResyncAgeMs: resyncAge,
		})
	}
	a.diagnostics.Store(&Diagnostics{
		SessionID:                a.id,
		Game:                     a.game.Name(),
		TickID:                   a.tickID,
		TickDurationMs:           a.cfg.TickDurationMs,
		ServerTimeMs:             nowMs,
		TotalIngestedEvents:      a.totals.ingested,
		TotalAppliedEvents:       a.totals.applied,
		TotalDroppedEvents:       a.totals.dropped,
		TotalSnapshotsSent:       a.totals.snapshotsSent,
		TotalResyncSnapshotsSent: a.totals.resyncsSent,
		TotalSendFailures:        a.totals.sendFailures,
		LastTickProcessMs:        a.totals.lastTickMillis,
		PendingTicks:             len(a.scheduled),
		Clients:                  clients,
	})
}
