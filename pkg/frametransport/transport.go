// Copyright 2025-2026 Aiku AI

package frametransport

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/embed-bridge/pkg/embedbridge"
)

const (
	maxMessageSize = 64 << 10
	writeTimeout   = 10 * time.Second
)

// HostLink is the bridge's event sink backed by the current host
// websocket. At most one host connection is active; a newer connection
// supersedes the old one, since the host page reloading is a legitimate
// part of its lifecycle.
type HostLink struct {
	codec *embedbridge.Codec
	log   zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ embedbridge.EventSink = (*HostLink)(nil)

// NewHostLink creates a link with no host connected.
func NewHostLink(codec *embedbridge.Codec, log zerolog.Logger) *HostLink {
	return &HostLink{
		codec: codec,
		log:   log.With().Str("component", "host_link").Logger(),
	}
}

// Emit encodes and writes the event to the connected host. Events emitted
// while no host is connected are dropped; the handler greets each new
// connection with ready, and the host may re-poll with checkReady.
func (l *HostLink) Emit(evt embedbridge.Event) {
	payload, err := l.codec.Encode(evt)
	if err != nil {
		l.log.Error().Err(err).Str("event", string(evt.EventType())).Msg("Failed to encode event")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		l.log.Debug().Str("event", string(evt.EventType())).Msg("No host connected, dropping event")
		return
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		l.log.Warn().Err(err).Str("event", string(evt.EventType())).Msg("Failed to write event to host")
	}
}

// attach makes conn the active host link and returns the superseded
// connection, if any, for the caller to close.
func (l *HostLink) attach(conn *websocket.Conn) *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.conn
	l.conn = conn
	return prev
}

// detach clears the link only if conn is still the active connection.
func (l *HostLink) detach(conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.conn = nil
	}
}

// Handler serves the websocket endpoint that stands in for the
// cross-document message channel.
type Handler struct {
	bridge     *embedbridge.Bridge
	link       *HostLink
	hostOrigin string
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

// NewHandler creates a handler accepting upgrades only from hostOrigin.
func NewHandler(bridge *embedbridge.Bridge, link *HostLink, hostOrigin string, log zerolog.Logger) *Handler {
	return &Handler{
		bridge:     bridge,
		link:       link,
		hostOrigin: hostOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == hostOrigin
			},
		},
		log: log.With().Str("component", "frame_transport").Logger(),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/bridge/socket", h.handleSocket)
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Websocket upgrade rejected")
		return
	}

	origin := r.Header.Get("Origin")
	log := h.log.With().Str("conn_id", uuid.NewString()).Str("origin", origin).Logger()

	if prev := h.link.attach(conn); prev != nil {
		log.Info().Msg("Host reconnected, superseding previous link")
		prev.Close()
	}
	log.Info().Msg("Host connected")

	// The controller's startup ready predates any connection; greet each
	// host as it attaches so it need not poll with checkReady first.
	h.link.Emit(embedbridge.ReadyEvent{})

	defer func() {
		h.link.detach(conn)
		conn.Close()
		log.Info().Msg("Host disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Host read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.bridge.Submit(embedbridge.RawMessage{Source: origin, Payload: payload})
	}
}
