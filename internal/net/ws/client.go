package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cohort/server/internal/net/proto"
	"cohort/server/internal/session"
)

const writeWait = 10 * time.Second

var (
	// ErrClientClosed is returned by sends after the connection has ended.
	ErrClientClosed = errors.New("client connection closed")
	// ErrWrongSession is returned for snapshots of a session the client
	// is not registered with.
	ErrWrongSession = errors.New("snapshot belongs to another session")
)

// Client is a websocket viewer registered with one session.
type Client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	mu        sync.Mutex
	closed    atomic.Bool
}

// NewClient wraps conn for sessionID.
func NewClient(id, sessionID string, conn *websocket.Conn) *Client {
	return &Client{id: id, sessionID: sessionID, conn: conn}
}

func (c *Client) ID() string {
	return c.id
}

// SendSnapshot writes snapshot as a snapshot frame. Sends after Close and
// snapshots for other sessions are not written and report an error.
func (c *Client) SendSnapshot(ctx context.Context, snapshot session.Snapshot) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if snapshot.SessionID != c.sessionID {
		return fmt.Errorf("%w: got %s, registered with %s", ErrWrongSession, snapshot.SessionID, c.sessionID)
	}
	data, err := proto.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// Close stops further sends. The connection itself is owned by the handler.
func (c *Client) Close() {
	c.closed.Store(true)
}

func (c *Client) writeJSON(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
