package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Session-related errors
var (
	ErrNotAuthenticated = errors.New("frame received before authentication")
	ErrFloodDetected    = errors.New("inbound frame rate exceeded")
	ErrSessionClosed    = errors.New("session closed")
)
