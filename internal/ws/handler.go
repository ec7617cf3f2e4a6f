package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"evalroom/internal/room"
	"evalroom/pkg/types"
)

// Dispatcher receives decoded client events and transport disconnects.
// Implemented by relay.Relay.
type Dispatcher interface {
	Dispatch(sess room.Session, env types.Envelope) error
	Disconnect(sess room.Session) error
}

// Options tune connection handling; zero values fall back to defaults.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	return opts
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The deployed frontend is served from a different origin.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades HTTP requests and feeds decoded events to the relay.
// Identity is established in-band by the join-room event, not at upgrade
// time: an unbound connection may only join.
type Handler struct {
	dispatcher Dispatcher
	opts       Options
}

func NewHandler(dispatcher Dispatcher, opts Options) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	wsConn := NewConnection(conn, h.opts.BufferSize, h.opts.WriteTimeout)
	slog.Info("connection established", "conn", wsConn.ID(), "remote", r.RemoteAddr)

	go h.handleConnection(wsConn)
}

// handleConnection owns the read side of one connection: heartbeat
// monitoring and the read pump. On any exit the relay is notified so
// registry cleanup and the presence recompute happen exactly once.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.dispatcher.Disconnect(conn); err != nil {
			slog.Warn("disconnect dispatch failed", "conn", conn.ID(), "error", err)
		}
		_ = conn.Close()
		slog.Info("connection closed", "conn", conn.ID())
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "conn", conn.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("undecodable frame dropped", "conn", conn.ID(), "error", err)
			continue
		}
		if err := h.dispatcher.Dispatch(conn, env); err != nil {
			slog.Warn("event dispatch failed", "conn", conn.ID(), "event", env.Event, "error", err)
		}
	}
}
