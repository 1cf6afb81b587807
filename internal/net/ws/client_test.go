package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cohort/server/internal/net/proto"
	"cohort/server/internal/session"
)

// newClientPair returns a Client wrapping the server side of a websocket and
// the dialled peer.
func newClientPair(t *testing.T, sessionID string) (*Client, *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	peer, resp, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { peer.Close() })

	var serverConn *websocket.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("server side never upgraded")
	}
	t.Cleanup(func() { serverConn.Close() })
	return NewClient("viewer", sessionID, serverConn), peer
}

func TestClientSendSnapshot(t *testing.T) {
	client, peer := newClientPair(t, "s1")

	err := client.SendSnapshot(context.Background(), session.Snapshot{SessionID: "s1", TickID: 4, State: map[string]int{"likes": 2}})
	if err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	var snap proto.ServerSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.Type != proto.TypeSnapshot || snap.TickID != 4 || snap.SessionID != "s1" {
		t.Fatalf("unexpected snapshot frame %+v", snap)
	}
}

func TestClientRejectsOtherSession(t *testing.T) {
	client, _ := newClientPair(t, "s1")

	err := client.SendSnapshot(context.Background(), session.Snapshot{SessionID: "s2", TickID: 1})
	if !errors.Is(err, ErrWrongSession) {
		t.Fatalf("expected ErrWrongSession, got %v", err)
	}
}

func TestClientRejectsSendAfterClose(t *testing.T) {
	client, _ := newClientPair(t, "s1")
	client.Close()

	err := client.SendSnapshot(context.Background(), session.Snapshot{SessionID: "s1", TickID: 1})
	if !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestClientHonoursCancelledContext(t *testing.T) {
	client, _ := newClientPair(t, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.SendSnapshot(ctx, session.Snapshot{SessionID: "s1", TickID: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
