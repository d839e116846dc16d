package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomcast/internal/logging"
	"roomcast/pkg/types"
)

// ConnectionOptions size the outbound path of a connection
type ConnectionOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// DefaultConnectionOptions matches the configuration defaults
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{SendBuffer: 256, WriteTimeout: 10 * time.Second}
}

// Connection wraps one WebSocket with a process-unique handle and a single
// writer goroutine.
// ARCHITECTURAL DISCOVERY: gorilla allows one concurrent writer, so every data
// frame goes through send; only control frames (ping, close) bypass it
type Connection struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	identity     *types.Identity // set once authentication succeeds
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	mu           sync.RWMutex // protects identity
}

// NewConnection wraps conn and starts its writer goroutine
func NewConnection(conn *websocket.Conn, opts ConnectionOptions) *Connection {
	c := newConnection(conn, opts)
	if conn != nil {
		go c.writeLoop()
	}
	return c
}

func newConnection(conn *websocket.Conn, opts ConnectionOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultConnectionOptions().SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultConnectionOptions().WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		send:         make(chan []byte, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// writeLoop drains send until the connection closes.
// A failed write is an implicit disconnect: the connection closes, the read
// loop observes it and the session tears down room membership.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug().Err(err).Str("conn_id", c.id).Msg("Write failed, closing connection")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the opaque connection handle
func (c *Connection) ID() string {
	return c.id
}

// Send queues pre-serialized data without blocking.
// Returns ErrConnectionClosed or ErrSendBufferFull when the frame cannot be queued.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// WriteJSON marshals v and queues it for this connection only
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.Send(data)
}

// Ping sends a keep-alive ping control frame
func (c *Connection) Ping() error {
	if c.conn == nil {
		return ErrConnectionClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// IsClosed reports whether Close has been called
func (c *Connection) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Close tears down the transport. Safe to call more than once.
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

// CloseWithReason sends a close frame with code and reason, then closes
func (c *Connection) CloseWithReason(code int, reason string) error {
	if c.conn != nil && !c.IsClosed() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	}
	return c.Close()
}

// SetIdentity records the authenticated owner of the connection
func (c *Connection) SetIdentity(identity *types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
}

// Identity returns the authenticated identity, or nil before authentication
func (c *Connection) Identity() *types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) IsAuthenticated() bool {
	return c.Identity() != nil
}

// UserID returns the authenticated user id, or "" before authentication
func (c *Connection) UserID() string {
	if id := c.Identity(); id != nil {
		return id.UserID
	}
	return ""
}
