// Package audience defines the audience actions (comments, likes, gifts)
// ingested by live sessions and the reducer that compresses them when a tick
// is over budget.
package audience

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies an audience event.
type Kind int

const (
	KindUnknown Kind = iota
	KindComment
	KindLike
	KindGift
)

func (k Kind) String() string {
	switch k {
	case KindComment:
		return "comment"
	case KindLike:
		return "like"
	case KindGift:
		return "gift"
	default:
		return "unknown"
	}
}

// ParseKind accepts a kind name (case-insensitive) or its numeric value.
func ParseKind(raw string) (Kind, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "unknown":
		return KindUnknown, nil
	case "comment":
		return KindComment, nil
	case "like":
		return KindLike, nil
	case "gift":
		return KindGift, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return Kind(n), nil
	}
	return KindUnknown, fmt.Errorf("unknown audience event kind %q", raw)
}

// MarshalJSON encodes the kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts either the kind name or its number.
func (k *Kind) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		parsed, err := ParseKind(name)
		if err != nil {
			return err
		}
		*k = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("audience event kind: %w", err)
	}
	*k = Kind(n)
	return nil
}

// Event is one audience action. Events are values and are never mutated
// after creation; EventID is unique per platform.
type Event struct {
	EventID      string `json:"eventId"`
	Platform     string `json:"platform"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	Kind         Kind   `json:"kind"`
	IngestTimeMs int64  `json:"ingestTimeMs"`
	Text         string `json:"text,omitempty"`
	GiftID       string `json:"giftId,omitempty"`
	GiftCount    *int   `json:"giftCount,omitempty"`
	GiftValue    *int   `json:"giftValue,omitempty"`
}

// Count returns GiftCount, defaulting to 1.
func (e Event) Count() int {
	if e.GiftCount == nil {
		return 1
	}
	return *e.GiftCount
}

// Value returns GiftValue, defaulting to 0.
func (e Event) Value() int {
	if e.GiftValue == nil {
		return 0
	}
	return *e.GiftValue
}

// Less orders events by ingest time, then lexicographically by id.
func Less(a, b Event) bool {
	if a.IngestTimeMs != b.IngestTimeMs {
		return a.IngestTimeMs < b.IngestTimeMs
	}
	return a.EventID < b.EventID
}

// Compare is the three-way form of Less, for slices.SortFunc.
func Compare(a, b Event) int {
	switch {
	case a.IngestTimeMs < b.IngestTimeMs:
		return -1
	case a.IngestTimeMs > b.IngestTimeMs:
		return 1
	}
	return strings.Compare(a.EventID, b.EventID)
}

// IntPtr is a helper for the optional gift fields.
func IntPtr(v int) *int {
	return &v
}
