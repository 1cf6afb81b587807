// Package hub keeps the live session actors of one process, keyed by
// session id.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cohort/server/internal/session"
	"cohort/server/internal/telemetry"
	"cohort/server/logging"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("hub closed")

const sessionsMetricKey = "hub_sessions"

// Config wires the collaborators every session is created with.
type Config struct {
	Session   session.Config
	Factory   session.GameModuleFactory
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	// Options are appended to the defaults for every new actor.
	Options []session.Option
}

// Hub creates actors on demand and disposes them on removal or failure.
type Hub struct {
	cfg    Config
	logger telemetry.Logger

	mu       sync.Mutex
	sessions map[string]*session.Actor
	closed   bool
}

// New validates cfg and returns an empty hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Factory == nil {
		return nil, errors.New("hub: game module factory is required")
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session.Actor),
	}, nil
}

// Config returns the session configuration new actors use.
func (h *Hub) Config() session.Config {
	return h.cfg.Session
}

// GetOrCreate returns the running actor for sessionID, starting one if
// needed. created reports whether this call started it.
func (h *Hub) GetOrCreate(sessionID string) (actor *session.Actor, created bool, err error) {
	if sessionID == "" {
		return nil, false, session.ErrEmptySessionID
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false, ErrClosed
	}
	if existing, ok := h.sessions[sessionID]; ok {
		return existing, false, nil
	}

	game, err := h.cfg.Factory.Create(sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("create game module for %s: %w", sessionID, err)
	}
	opts := append([]session.Option{
		session.WithPublisher(logging.WithFields(h.cfg.Publisher, map[string]any{"session": sessionID})),
		session.WithMetrics(h.cfg.Metrics),
	}, h.cfg.Options...)
	actor, err = session.New(sessionID, h.cfg.Session, game, opts...)
	if err != nil {
		_ = game.Close()
		return nil, false, err
	}
	if err := actor.Start(); err != nil {
		_ = actor.Dispose()
		return nil, false, fmt.Errorf("start session %s: %w", sessionID, err)
	}

	h.sessions[sessionID] = actor
	h.cfg.Metrics.Store(sessionsMetricKey, uint64(len(h.sessions)))
	go h.watch(actor, actor.Done())
	return actor, true, nil
}

// watch drops a session whose run loop ended on its own with an error.
func (h *Hub) watch(actor *session.Actor, done <-chan struct{}) {
	<-done
	err := actor.Err()
	if err == nil {
		return
	}
	h.logger.Printf("session %s failed: %v", actor.ID(), err)
	if h.forget(actor) {
		_ = actor.Dispose()
	}
}

func (h *Hub) forget(actor *session.Actor) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.sessions[actor.ID()]; !ok || current != actor {
		return false
	}
	delete(h.sessions, actor.ID())
	h.cfg.Metrics.Store(sessionsMetricKey, uint64(len(h.sessions)))
	return true
}

// Get returns the actor for sessionID if it is live.
func (h *Hub) Get(sessionID string) (*session.Actor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	actor, ok := h.sessions[sessionID]
	return actor, ok
}

// Remove disposes the actor for sessionID. Removing an unknown id is a no-op.
func (h *Hub) Remove(sessionID string) error {
	h.mu.Lock()
	actor, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
		h.cfg.Metrics.Store(sessionsMetricKey, uint64(len(h.sessions)))
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return actor.Dispose()
}

// Len reports the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Diagnostics returns every session's diagnostics ordered by session id.
func (h *Hub) Diagnostics() []session.Diagnostics {
	h.mu.Lock()
	actors := make([]*session.Actor, 0, len(h.sessions))
	for _, actor := range h.sessions {
		actors = append(actors, actor)
	}
	h.mu.Unlock()

	out := make([]session.Diagnostics, 0, len(actors))
	for _, actor := range actors {
		out = append(out, actor.Diagnostics())
	}
	slices.SortFunc(out, func(a, b session.Diagnostics) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Close disposes every session concurrently and rejects new ones.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	actors := h.sessions
	h.sessions = make(map[string]*session.Actor)
	h.mu.Unlock()
	h.cfg.Metrics.Store(sessionsMetricKey, 0)

	g, _ := errgroup.WithContext(ctx)
	for id, actor := range actors {
		g.Go(func() error {
			if err := actor.Dispose(); err != nil {
				return fmt.Errorf("dispose session %s: %w", id, err)
			}
			return nil
		})
	}

	result := make(chan error, 1)
	go func() { result <- g.Wait() }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSessionID returns a fresh id of the form s_<32 hex digits>.
func NewSessionID() string {
	return "s_" + compactUUID()
}

// NewClientID returns a fresh id of the form c_<32 hex digits>.
func NewClientID() string {
	return "c_" + compactUUID()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
