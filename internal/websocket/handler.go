package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"roomcast/internal/logging"
)

// Options configure a Handler
type Options struct {
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteTimeout  time.Duration
	SendBuffer    int
	MaxFrameBytes int64
	// CheckOrigin enforces same-origin handshakes when true
	CheckOrigin bool
}

// Handler accepts WebSocket connections for one endpoint and runs a Session per connection.
// ARCHITECTURAL DISCOVERY: the credential is checked after the upgrade so a
// rejected client still receives a WebSocket close code rather than an HTTP status.
// Clients wait for the "connected" frame before sending; anything earlier closes
// the connection.
type Handler struct {
	name          string
	registry      *Registry
	authenticator Authenticator
	dispatcher    FrameDispatcher
	opts          Options
	upgrader      websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// NewHandler creates a handler for the endpoint called name
func NewHandler(name string, registry *Registry, authenticator Authenticator, dispatcher FrameDispatcher, opts Options) *Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if !opts.CheckOrigin {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		name:          name,
		registry:      registry,
		authenticator: authenticator,
		dispatcher:    dispatcher,
		opts:          opts,
		upgrader:      upgrader,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Name returns the endpoint label
func (h *Handler) Name() string {
	return h.name
}

// Registry returns the room registry this endpoint maintains
func (h *Handler) Registry() *Registry {
	return h.registry
}

// ServeHTTP upgrades the request and hands the connection to a new session.
// The bearer credential is read from the token query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.shutdown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Str("endpoint", h.name).Msg("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(ws, ConnectionOptions{
		SendBuffer:   h.opts.SendBuffer,
		WriteTimeout: h.opts.WriteTimeout,
	})
	session := NewSession(conn, h.registry, h.dispatcher, SessionOptions{
		PingInterval:  h.opts.PingInterval,
		PongWait:      h.opts.PongWait,
		MaxFrameBytes: h.opts.MaxFrameBytes,
	})
	token := r.URL.Query().Get("token")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		session.Serve(h.ctx, h.authenticator, token)
	}()
}

// Shutdown closes every connection with a going-away code and waits for
// sessions to finish or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.shutdown.Store(true)
	h.cancel()

	for _, conn := range h.registry.Connections() {
		_ = conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
