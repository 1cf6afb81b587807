package audience

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// MergedPlatform marks events synthesized by the reducer.
const MergedPlatform = "merged"

// Reducer compresses an oversized per-tick batch into a bounded one.
type Reducer interface {
	Reduce(events []Event, maxEventsPerTick int) []Event
}

// ReducerFunc adapts a function into a Reducer.
type ReducerFunc func(events []Event, maxEventsPerTick int) []Event

// Reduce implements Reducer.
func (f ReducerFunc) Reduce(events []Event, maxEventsPerTick int) []Event {
	return f(events, maxEventsPerTick)
}

// DefaultReducer keeps events in priority order until the cap is reached:
// kinds without merge rules first, then gifts merged per (user, gift), then
// likes merged per user, then comments. Anything past the cap is dropped.
type DefaultReducer struct {
	// NewID generates the suffix of merged event ids. Defaults to a uuid.
	NewID func() string
}

type giftKey struct {
	userID string
	giftID string
}

type giftTotal struct {
	count int
	value int
}

// Reduce implements Reducer. Batches within the limit, or a non-positive
// limit, are returned unchanged.
func (r DefaultReducer) Reduce(events []Event, maxEventsPerTick int) []Event {
	if maxEventsPerTick <= 0 || len(events) <= maxEventsPerTick {
		return events
	}

	var (
		passthrough []Event
		comments    []Event
		likeUsers   []string
		likes       = make(map[string]int)
		giftKeys    []giftKey
		gifts       = make(map[giftKey]giftTotal)
	)
	for _, e := range events {
		switch e.Kind {
		case KindLike:
			if _, ok := likes[e.UserID]; !ok {
				likeUsers = append(likeUsers, e.UserID)
			}
			likes[e.UserID]++
		case KindGift:
			giftID := e.GiftID
			if giftID == "" {
				giftID = "unknown"
			}
			key := giftKey{userID: e.UserID, giftID: giftID}
			total, ok := gifts[key]
			if !ok {
				giftKeys = append(giftKeys, key)
			}
			count := e.Count()
			total.count += count
			total.value += e.Value() * count
			gifts[key] = total
		case KindComment:
			comments = append(comments, e)
		default:
			passthrough = append(passthrough, e)
		}
	}

	first := events[0]
	out := make([]Event, 0, maxEventsPerTick)
	full := func() bool { return len(out) >= maxEventsPerTick }

	for _, e := range passthrough {
		out = append(out, e)
		if full() {
			return out
		}
	}
	for _, key := range giftKeys {
		total := gifts[key]
		out = append(out, Event{
			EventID:      fmt.Sprintf("merged:gift:%s:%s:%s", key.userID, key.giftID, r.newID()),
			Platform:     MergedPlatform,
			SessionID:    first.SessionID,
			UserID:       key.userID,
			Kind:         KindGift,
			IngestTimeMs: first.IngestTimeMs,
			GiftID:       key.giftID,
			GiftCount:    IntPtr(total.count),
			GiftValue:    IntPtr(total.value),
		})
		if full() {
			return out
		}
	}
	for _, userID := range likeUsers {
		out = append(out, Event{
			EventID:      fmt.Sprintf("merged:like:%s:%s", userID, r.newID()),
			Platform:     MergedPlatform,
			SessionID:    first.SessionID,
			UserID:       userID,
			Kind:         KindLike,
			IngestTimeMs: first.IngestTimeMs,
			Text:         strconv.Itoa(likes[userID]),
		})
		if full() {
			return out
		}
	}
	for _, e := range comments {
		out = append(out, e)
		if full() {
			return out
		}
	}
	return out
}

func (r DefaultReducer) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// LikeCount decodes the aggregate count a merged like carries in Text. Plain
// likes count as one.
func LikeCount(e Event) int {
	if e.Text == "" {
		return 1
	}
	n, err := strconv.Atoi(e.Text)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
