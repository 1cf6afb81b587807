package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"cohort/server/internal/audience"
)

// PlatformTest is the platform name of the built-in test mapper.
const PlatformTest = "test"

var (
	// ErrMissingSessionID is returned when a body names no session.
	ErrMissingSessionID = errors.New("sessionId is required")
	// ErrUnknownPlatform is returned when no mapper is registered.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrRejected is returned when a verifier refuses a body.
	ErrRejected = errors.New("platform event rejected")
)

// Mapper turns a platform webhook body into an audience event.
type Mapper interface {
	Map(body []byte, ingestTimeMs int64) (audience.Event, error)
}

// MapperFunc adapts a function into a Mapper.
type MapperFunc func(body []byte, ingestTimeMs int64) (audience.Event, error)

func (f MapperFunc) Map(body []byte, ingestTimeMs int64) (audience.Event, error) {
	return f(body, ingestTimeMs)
}

// Verifier authenticates a platform webhook.
type Verifier interface {
	Verify(platform string, body []byte, headers http.Header) bool
}

// AllowAll accepts every body.
type AllowAll struct{}

func (AllowAll) Verify(string, []byte, http.Header) bool { return true }

// Registry routes bodies to the mapper registered for their platform.
type Registry struct {
	verifier Verifier
	mappers  map[string]Mapper
}

// NewRegistry returns a registry with the test platform installed. Test
// bodies without a session id are assigned newSessionID() when it is set.
func NewRegistry(verifier Verifier, newSessionID func() string) *Registry {
	if verifier == nil {
		verifier = AllowAll{}
	}
	r := &Registry{verifier: verifier, mappers: make(map[string]Mapper)}
	r.Register(PlatformTest, MapperFunc(func(body []byte, ingestTimeMs int64) (audience.Event, error) {
		fallback := ""
		if newSessionID != nil {
			fallback = newSessionID()
		}
		return MapTestEventWithSession(body, fallback, ingestTimeMs)
	}))
	return r
}

// Register installs mapper for platform, replacing any previous one.
func (r *Registry) Register(platform string, mapper Mapper) {
	r.mappers[strings.ToLower(platform)] = mapper
}

// Map verifies and maps body.
func (r *Registry) Map(platform string, body []byte, headers http.Header, ingestTimeMs int64) (audience.Event, error) {
	mapper, ok := r.mappers[strings.ToLower(platform)]
	if !ok {
		return audience.Event{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	if !r.verifier.Verify(platform, body, headers) {
		return audience.Event{}, ErrRejected
	}
	return mapper.Map(body, ingestTimeMs)
}

type testBody struct {
	SessionID string          `json:"sessionId"`
	Platform  string          `json:"platform"`
	EventID   *string         `json:"eventId"`
	UserID    *string         `json:"userId"`
	Kind      json.RawMessage `json:"kind"`
	Text      string          `json:"text"`
	GiftID    string          `json:"giftId"`
	GiftCount *int            `json:"giftCount"`
	GiftValue *int            `json:"giftValue"`
}

// MapTestEvent maps the test platform's JSON body. Missing event ids
// become test:<uuid>, missing users become "anonymous" and a missing or
// unrecognised kind becomes a comment.
func MapTestEvent(body []byte, ingestTimeMs int64) (audience.Event, error) {
	return MapTestEventWithSession(body, "", ingestTimeMs)
}

// MapTestEventWithSession is MapTestEvent with a session id to use when the
// body names none.
func MapTestEventWithSession(body []byte, fallbackSessionID string, ingestTimeMs int64) (audience.Event, error) {
	var raw testBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return audience.Event{}, fmt.Errorf("decode test event: %w", err)
	}
	sessionID := strings.TrimSpace(raw.SessionID)
	if sessionID == "" {
		sessionID = fallbackSessionID
	}
	if sessionID == "" {
		return audience.Event{}, ErrMissingSessionID
	}
	platform := raw.Platform
	if platform == "" {
		platform = PlatformTest
	}

	event := audience.Event{
		EventID:      "test:" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Platform:     platform,
		SessionID:    sessionID,
		UserID:       "anonymous",
		Kind:         audience.KindComment,
		IngestTimeMs: ingestTimeMs,
		Text:         raw.Text,
		GiftID:       raw.GiftID,
		GiftCount:    raw.GiftCount,
		GiftValue:    raw.GiftValue,
	}
	if raw.EventID != nil {
		event.EventID = *raw.EventID
	}
	if raw.UserID != nil {
		event.UserID = *raw.UserID
	}
	if len(raw.Kind) > 0 {
		var kind audience.Kind
		if err := json.Unmarshal(raw.Kind, &kind); err == nil {
			event.Kind = kind
		}
	}
	return event, nil
}
