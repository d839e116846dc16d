package router

import "errors"

// Dispatch errors. Each is wrapped in a *types.ProtocolError so the session
// drops the frame and keeps the connection.
var (
	ErrNotRoomMember     = errors.New("sender has not joined the room")
	ErrFrameNotAllowed   = errors.New("frame type not accepted on this endpoint")
	ErrMissingSignalData = errors.New("signaling frame carries no payload")
	ErrRateLimitExceeded = errors.New("inbound frame rate exceeded")
)
