package net

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	nethttp "net/http"
	"strings"

	"cohort/server/internal/hub"
	"cohort/server/internal/net/intake"
	"cohort/server/internal/net/ws"
	"cohort/server/internal/telemetry"
	"cohort/server/logging"
)

const maxIngressBody = 64 << 10

type HTTPHandlerConfig struct {
	Logger    telemetry.Logger
	WebSocket ws.HandlerConfig
	Ingress   *intake.Registry
	Metrics   *logging.Metrics
	Router    *logging.Router
	Clock     logging.Clock
}

type ingressResponse struct {
	SessionID string `json:"sessionId"`
	EventID   string `json:"eventId"`
	Tick      int64  `json:"tick"`
}

func NewHTTPHandler(h *hub.Hub, cfg HTTPHandlerConfig) (nethttp.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	registry := cfg.Ingress
	if registry == nil {
		registry = intake.NewRegistry(nil, hub.NewSessionID)
	}
	wsCfg := cfg.WebSocket
	if wsCfg.Logger == nil {
		wsCfg.Logger = logger
	}
	if wsCfg.Clock == nil {
		wsCfg.Clock = clock
	}
	wsHandler, err := ws.NewHandler(h, wsCfg)
	if err != nil {
		return nil, err
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/" {
			nethttp.NotFound(w, r)
			return
		}
		writeJSON(w, logger, nethttp.StatusOK, struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		}{Name: "Cohort", OK: true})
	})

	mux.HandleFunc("/sessions", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, logger, nethttp.StatusOK, h.Diagnostics())
	})

	mux.HandleFunc("/metrics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		payload := struct {
			ServerTime int64                `json:"serverTime"`
			Sessions   int                  `json:"sessions"`
			Metrics    map[string]uint64    `json:"metrics,omitempty"`
			Logging    *logging.RouterStats `json:"logging,omitempty"`
		}{
			ServerTime: clock.Now().UnixMilli(),
			Sessions:   h.Len(),
			Metrics:    cfg.Metrics.Snapshot(),
		}
		if cfg.Router != nil {
			stats := cfg.Router.Stats()
			payload.Logging = &stats
		}
		writeJSON(w, logger, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("/ingress/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		platform := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ingress/"), "/")
		if platform == "" {
			httpError(w, "missing platform", nethttp.StatusNotFound)
			return
		}

		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBody))
		if err != nil {
			httpError(w, "failed to read body", nethttp.StatusBadRequest)
			return
		}

		event, err := registry.Map(platform, body, r.Header, clock.Now().UnixMilli())
		switch {
		case errors.Is(err, intake.ErrUnknownPlatform):
			httpError(w, err.Error(), nethttp.StatusNotFound)
			return
		case errors.Is(err, intake.ErrRejected):
			httpError(w, err.Error(), nethttp.StatusForbidden)
			return
		case err != nil:
			httpError(w, "invalid payload", nethttp.StatusBadRequest)
			return
		}

		actor, _, err := h.GetOrCreate(event.SessionID)
		if err != nil {
			logger.Printf("ingress for %s rejected: %v", event.SessionID, err)
			httpError(w, "session unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		actor.IngestEvent(event)
		writeJSON(w, logger, nethttp.StatusOK, ingressResponse{
			SessionID: event.SessionID,
			EventID:   event.EventID,
			Tick:      actor.TickID(),
		})
	})

	mux.HandleFunc("/ws", wsHandler.Handle)

	return mux, nil
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
