package ws

import (
	"log"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"cohort/server/internal/hub"
	"cohort/server/internal/net/proto"
	"cohort/server/internal/telemetry"
	"cohort/server/logging"
)

const defaultHelloTimeout = 10 * time.Second

type HandlerConfig struct {
	Logger telemetry.Logger
	// MinClientVersion rejects hellos from older clients when set.
	MinClientVersion string
	// HelloSecret requires an HS256 token in every hello when set.
	HelloSecret  string
	HelloTimeout time.Duration
	Clock        logging.Clock
}

// Handler upgrades viewer connections and binds them to hub sessions.
type Handler struct {
	hub          *hub.Hub
	logger       telemetry.Logger
	upgrader     websocket.Upgrader
	tokens       *TokenVerifier
	versions     *versionGate
	helloTimeout time.Duration
	clock        logging.Clock
}

func NewHandler(h *hub.Hub, cfg HandlerConfig) (*Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	versions, err := newVersionGate(cfg.MinClientVersion)
	if err != nil {
		return nil, err
	}
	helloTimeout := cfg.HelloTimeout
	if helloTimeout <= 0 {
		helloTimeout = defaultHelloTimeout
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:          h,
		logger:       logger,
		upgrader:     upgrader,
		tokens:       NewTokenVerifier(cfg.HelloSecret, func() time.Time { return clock.Now() }),
		versions:     versions,
		helloTimeout: helloTimeout,
		clock:        clock,
	}, nil
}

// Handle runs one viewer connection: hello, welcome, then acks and pings
// until the socket closes.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	ctx := r.Context()

	conn.SetReadDeadline(time.Now().Add(h.helloTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return
	}
	msg, err := proto.DecodeClientMessage(payload)
	if err != nil {
		h.reject(conn, proto.CodeBadHello, "invalid hello")
		return
	}
	if msg.Type != proto.TypeHello {
		h.reject(conn, proto.CodeBadHello, "first message must be hello")
		return
	}
	hello := msg.Hello()

	if err := h.versions.check(hello.ClientVersion); err != nil {
		h.reject(conn, proto.CodeUnsupportedVersion, err.Error())
		return
	}

	sessionID := hello.SessionID
	clientID := hello.ClientID
	if h.tokens != nil {
		claims, err := h.tokens.Verify(hello.Token)
		if err == nil && claims.SessionID != "" {
			if sessionID == "" {
				sessionID = claims.SessionID
			} else if sessionID != claims.SessionID {
				err = ErrTokenSession
			}
		}
		if err != nil {
			h.logger.Printf("rejecting hello: %v", err)
			h.reject(conn, proto.CodeUnauthorized, "unauthorized")
			return
		}
		if clientID == "" {
			clientID = claims.Subject
		}
	}
	if sessionID == "" {
		sessionID = hub.NewSessionID()
	}
	if clientID == "" {
		clientID = hub.NewClientID()
	}

	actor, _, err := h.hub.GetOrCreate(sessionID)
	if err != nil {
		h.logger.Printf("session %s unavailable: %v", sessionID, err)
		h.reject(conn, proto.CodeSessionUnavailable, "session unavailable")
		return
	}
	conn.SetReadDeadline(time.Time{})

	client := NewClient(clientID, sessionID, conn)
	defer client.Close()
	welcome := proto.NewWelcome(sessionID, clientID, actor.Config(), h.clock.Now().UnixMilli())
	if err := client.writeJSON(ctx, welcome); err != nil {
		return
	}
	actor.AddClient(client)
	defer actor.RemoveClientIf(client)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("read from %s/%s ended: %v", sessionID, clientID, err)
			}
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", clientID, err)
			if err := client.writeJSON(ctx, proto.NewError(proto.CodeBadMessage, "malformed message")); err != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case proto.TypeAck:
			ack := msg.Ack()
			actor.Ack(clientID, ack.LastAppliedTickID, ack.ClientTimeMs)
		case proto.TypePing:
			pong := proto.NewPong(h.clock.Now().UnixMilli(), msg.ClientTimeMs)
			if err := client.writeJSON(ctx, pong); err != nil {
				return
			}
		default:
			h.logger.Printf("unknown message type %q from %s", msg.Type, clientID)
		}
	}
}

func (h *Handler) reject(conn *websocket.Conn, code, message string) {
	data, err := proto.EncodeError(proto.NewError(code, message))
	if err != nil {
		h.logger.Printf("failed to marshal error frame: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
	conn.WriteMessage(websocket.CloseMessage, closeMsg)
}
