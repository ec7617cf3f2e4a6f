package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"evalroom/pkg/types"
)

// Connection wraps a WebSocket connection with a serialized writer and a
// bind-once identity. The connection id is assigned by the transport at
// wrap time and is the identity used for all routing; the room binding is
// set exactly once by the relay when the client joins a room.
type Connection struct {
	id      string
	conn    *websocket.Conn
	writeCh chan []byte

	displayName string
	role        types.Role
	roomCode    string
	bound       bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex

	writeTimeout time.Duration
}

// NewConnection wraps conn and starts its single writer goroutine.
// WebSocket writes must be serialized; all outbound traffic funnels
// through writeCh.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. Safe for concurrent use.
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Send emits a named event to this connection.
func (c *Connection) Send(event string, data any) error {
	return c.WriteJSON(types.Outbound{Event: event, Data: data})
}

// Close shuts down the writer goroutine and the underlying connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Bind sets the session identity once. A connection that wants a different
// room must reconnect; there is no transition back to unbound.
func (c *Connection) Bind(displayName string, role types.Role, roomCode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound {
		return ErrAlreadyBound
	}
	c.displayName = displayName
	c.role = role
	c.roomCode = roomCode
	c.bound = true
	return nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) IsBound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bound
}

func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *Connection) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) RoomCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomCode
}
