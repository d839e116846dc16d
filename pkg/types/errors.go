package types

import (
	"errors"
	"fmt"
)

// Sentinels for the error taxonomy, matched with errors.Is
var (
	ErrMissingCredential  = errors.New("missing credential")
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrProtocol           = errors.New("protocol error")
	ErrDelivery           = errors.New("delivery error")
)

// Frame validation errors
var (
	ErrEmptyFrame       = errors.New("empty frame")
	ErrMalformedFrame   = errors.New("malformed JSON frame")
	ErrMissingType      = errors.New("frame type is required")
	ErrInvalidRoomID    = errors.New("roomId must be 1-128 characters")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrInvalidContent   = errors.New("message data must be a string or an object with string content")
	ErrEmptyContent     = errors.New("message content cannot be empty")
	ErrContentTooLarge  = errors.New("message content exceeds 64KB limit")
)

// AuthenticationError is a missing or rejected credential. Always fatal to the
// connection and never retried server-side.
type AuthenticationError struct {
	Missing bool
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Missing {
		return "authentication failed: missing credential"
	}
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: invalid credential: %v", e.Err)
	}
	return "authentication failed: invalid credential"
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool {
	switch target {
	case ErrMissingCredential:
		return e.Missing
	case ErrInvalidCredential:
		return !e.Missing
	}
	return false
}

// BackendUnavailableError reports that an identity or persistence dependency is down
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

func (e *BackendUnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

// ProtocolError is a malformed or disallowed frame. The frame is dropped and
// the connection survives.
type ProtocolError struct {
	FrameType string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.FrameType == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error on %q frame: %v", e.FrameType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// DeliveryError is a failed write to a single room member
type DeliveryError struct {
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s failed: %v", e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }
