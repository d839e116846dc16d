package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"roomcast/internal/auth"
	"roomcast/internal/logging"
	"roomcast/internal/metrics"
	"roomcast/pkg/types"
)

// State is the lifecycle phase of a session
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Authenticator resolves a handshake credential to an identity
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*types.Identity, error)
}

// FrameDispatcher applies parsed frames for one endpoint.
// Admit is consulted before parsing so floods are cut off cheaply; Release
// forgets any per-connection state once the session ends.
type FrameDispatcher interface {
	Admit(conn *Connection) error
	Dispatch(ctx context.Context, conn *Connection, frame *types.Frame) error
	Release(conn *Connection)
}

// SessionOptions configure keep-alive and inbound limits
type SessionOptions struct {
	PingInterval  time.Duration
	PongWait      time.Duration
	MaxFrameBytes int64
}

// Session drives one connection through Connecting -> Authenticating -> Active -> Closed.
// Only Active sessions dispatch frames. Closed is terminal and always leaves every room.
type Session struct {
	conn       *Connection
	registry   *Registry
	dispatcher FrameDispatcher
	opts       SessionOptions
	state      atomic.Int32

	teardownOnce sync.Once
}

// NewSession wraps an upgraded connection in the Connecting state
func NewSession(conn *Connection, registry *Registry, dispatcher FrameDispatcher, opts SessionOptions) *Session {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = opts.PingInterval * 3
	}
	return &Session{
		conn:       conn,
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// Conn returns the session's connection
func (s *Session) Conn() *Connection {
	return s.conn
}

// State returns the current lifecycle phase
func (s *Session) State() State {
	return State(s.state.Load())
}

// Authenticate resolves token and moves the session to Active, or closes it
// with the close code matching the failure. Nothing is written to the wire on
// failure besides the close frame.
func (s *Session) Authenticate(ctx context.Context, authenticator Authenticator, token string) (*types.Identity, error) {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating)) {
		return nil, ErrSessionClosed
	}
	return s.authenticate(ctx, authenticator, token)
}

// Serve authenticates token while pumping inbound frames, so a frame that
// arrives before the session is Active is read and rejected rather than
// queued until activation. Serve returns once the session is Closed.
func (s *Session) Serve(ctx context.Context, authenticator Authenticator, token string) {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating)) {
		return
	}

	authCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	authDone := make(chan struct{})
	go func() {
		defer close(authDone)
		identity, err := s.authenticate(authCtx, authenticator, token)
		if err != nil {
			return
		}
		logging.Debug().
			Str("endpoint", s.registry.Name()).
			Str("conn_id", s.conn.ID()).
			Str("user_id", identity.UserID).
			Msg("Connection authenticated")
	}()

	s.Run(ctx)
	cancel()
	<-authDone
}

func (s *Session) authenticate(ctx context.Context, authenticator Authenticator, token string) (*types.Identity, error) {
	identity, err := authenticator.Authenticate(ctx, token)
	if err != nil {
		if s.State() == StateClosed {
			return nil, ErrSessionClosed
		}
		s.Fail(err)
		return nil, err
	}
	if err := s.Activate(identity); err != nil {
		if s.State() == StateClosed {
			return nil, ErrSessionClosed
		}
		s.Fail(err)
		return nil, err
	}
	return identity, nil
}

// Activate binds identity to the connection, registers it for room traffic
// and tells the client it may start sending frames
func (s *Session) Activate(identity *types.Identity) error {
	s.conn.SetIdentity(identity)
	if err := s.registry.RegisterConnection(s.conn); err != nil {
		return err
	}
	// a concurrent teardown sets Closed before unregistering, so a failed swap
	// here must undo the registration itself
	if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) {
		s.registry.UnregisterConnection(s.conn)
		return ErrSessionClosed
	}
	if err := s.conn.WriteJSON(types.NewConnectedNotice(identity)); err != nil {
		logging.Debug().Err(err).Str("conn_id", s.conn.ID()).Msg("Connected notice not queued")
	}
	return nil
}

// Fail closes a session whose authentication did not succeed
func (s *Session) Fail(err error) {
	reason := auth.FailureReason(err)
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	logging.Info().
		Str("endpoint", s.registry.Name()).
		Str("conn_id", s.conn.ID()).
		Str("reason", reason).
		Err(err).
		Msg("Authentication rejected")

	s.state.Store(int32(StateClosed))
	_ = s.conn.CloseWithReason(auth.CloseCode(err), auth.CloseReason(err))
	s.teardown()
}

// HandleFrame processes one inbound text frame.
//
// ErrNotAuthenticated and ErrFloodDetected close the session; any other
// error means the frame was dropped and the session continues.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	endpoint := s.registry.Name()

	if s.State() != StateActive {
		metrics.FramesTotal.WithLabelValues(endpoint, "unauthenticated", metrics.OutcomeRejected).Inc()
		logging.Info().
			Str("endpoint", endpoint).
			Str("conn_id", s.conn.ID()).
			Msg("Frame received before authentication, closing connection")
		_ = s.conn.CloseWithReason(websocket.ClosePolicyViolation, "not authenticated")
		s.teardown()
		return ErrNotAuthenticated
	}

	if err := s.dispatcher.Admit(s.conn); err != nil {
		metrics.FramesTotal.WithLabelValues(endpoint, "flood", metrics.OutcomeRejected).Inc()
		logging.Warn().
			Str("endpoint", endpoint).
			Str("user_id", s.conn.UserID()).
			Msg("Inbound frame rate exceeded, closing connection")
		_ = s.conn.CloseWithReason(websocket.ClosePolicyViolation, "rate limit exceeded")
		s.teardown()
		return ErrFloodDetected
	}

	frame, err := types.ParseFrame(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(endpoint, "invalid", metrics.OutcomeDropped).Inc()
		logging.Debug().
			Str("endpoint", endpoint).
			Str("user_id", s.conn.UserID()).
			Err(err).
			Msg("Dropping malformed frame")
		return err
	}

	if err := s.dispatcher.Dispatch(ctx, s.conn, frame); err != nil {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, types.ErrProtocol) {
			outcome = metrics.OutcomeDropped
		}
		metrics.FramesTotal.WithLabelValues(endpoint, frame.Type, outcome).Inc()
		logging.Debug().
			Str("endpoint", endpoint).
			Str("user_id", s.conn.UserID()).
			Str("type", frame.Type).
			Str("room_id", frame.RoomID).
			Err(err).
			Msg("Frame not applied")
		return err
	}

	metrics.FramesTotal.WithLabelValues(endpoint, frame.Type, metrics.OutcomeOK).Inc()
	return nil
}

// Run pumps inbound frames until the transport closes, the peer stops
// answering pings, or ctx is cancelled. The session is Closed when Run returns.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()

	ws := s.conn.conn
	if ws == nil {
		return
	}

	if s.opts.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.opts.MaxFrameBytes)
	}
	// TECHNICAL DISCOVERY: the read deadline covers MaxMissedPongs ping
	// intervals; any pong or frame pushes it out again
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	}
	if err := extend(); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	go s.pingLoop(ctx)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !s.conn.IsClosed() {
				logging.Debug().
					Str("endpoint", s.registry.Name()).
					Str("user_id", s.conn.UserID()).
					Err(err).
					Msg("Connection read failed")
			}
			return
		}
		_ = extend()

		if messageType != websocket.TextMessage {
			metrics.FramesTotal.WithLabelValues(s.registry.Name(), "binary", metrics.OutcomeDropped).Inc()
			continue
		}

		err = s.HandleFrame(ctx, data)
		if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrFloodDetected) {
			return
		}
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ctx.Done():
			_ = s.conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
			return
		case <-s.conn.Done():
			return
		}
	}
}

// teardown runs once: the session becomes Closed and leaves every room
// before the transport is released.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		rooms := s.registry.LeaveAll(s.conn)
		s.registry.UnregisterConnection(s.conn)
		if s.dispatcher != nil {
			s.dispatcher.Release(s.conn)
		}
		_ = s.conn.Close()

		if len(rooms) > 0 {
			logging.Debug().
				Str("endpoint", s.registry.Name()).
				Str("user_id", s.conn.UserID()).
				Strs("rooms", rooms).
				Msg("Connection left rooms on close")
		}
	})
}
