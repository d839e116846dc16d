// Package router applies inbound frames for the chat and signaling endpoints.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"roomcast/internal/logging"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

// Persister is the fire-and-forget persistence path. Both calls return false
// when the work was dropped.
type Persister interface {
	Submit(msg *types.ChatMessage) bool
	RecordJoin(roomID, userID string) bool
}

// Policy names the frame types an endpoint accepts
type Policy int

const (
	// PolicyChat accepts join, leave, message and the signaling frames
	PolicyChat Policy = iota
	// PolicySignaling accepts join, leave and the signaling frames only
	PolicySignaling
)

func (p Policy) String() string {
	if p == PolicySignaling {
		return "signal"
	}
	return "chat"
}

// Dispatcher implements websocket.FrameDispatcher for one endpoint
type Dispatcher struct {
	policy   Policy
	registry *websocket.Registry
	relay    *websocket.Relay
	bridge   Persister
	limiter  *RateLimiter
	now      func() time.Time
}

// NewChatDispatcher routes chat traffic. bridge may be nil, in which case
// messages are relayed live only and joins are not added to the roster.
func NewChatDispatcher(registry *websocket.Registry, relay *websocket.Relay, bridge Persister, limiter *RateLimiter) *Dispatcher {
	return &Dispatcher{
		policy:   PolicyChat,
		registry: registry,
		relay:    relay,
		bridge:   bridge,
		limiter:  limiter,
		now:      time.Now,
	}
}

// NewSignalingDispatcher routes WebRTC negotiation frames. Nothing is persisted.
func NewSignalingDispatcher(registry *websocket.Registry, relay *websocket.Relay, limiter *RateLimiter) *Dispatcher {
	return &Dispatcher{
		policy:   PolicySignaling,
		registry: registry,
		relay:    relay,
		limiter:  limiter,
		now:      time.Now,
	}
}

// Policy returns the dispatcher's frame policy
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Admit enforces the per-connection inbound frame budget
func (d *Dispatcher) Admit(conn *websocket.Connection) error {
	if d.limiter == nil || d.limiter.Allow(conn.ID()) {
		return nil
	}
	return ErrRateLimitExceeded
}

// Release forgets the connection's rate-limit state
func (d *Dispatcher) Release(conn *websocket.Connection) {
	if d.limiter != nil {
		d.limiter.Forget(conn.ID())
	}
}

// Dispatch applies one parsed frame from conn
func (d *Dispatcher) Dispatch(ctx context.Context, conn *websocket.Connection, frame *types.Frame) error {
	switch frame.Type {
	case types.FrameJoin:
		return d.join(conn, frame.RoomID)
	case types.FrameLeave:
		return d.leave(conn, frame.RoomID)
	case types.FrameMessage:
		if d.policy != PolicyChat {
			return &types.ProtocolError{FrameType: frame.Type, Err: ErrFrameNotAllowed}
		}
		return d.message(conn, frame)
	case types.FrameOffer, types.FrameAnswer, types.FrameICECandidate:
		return d.signal(conn, frame)
	default:
		return &types.ProtocolError{FrameType: frame.Type, Err: types.ErrUnknownFrameType}
	}
}

// join subscribes conn and acknowledges to conn only
func (d *Dispatcher) join(conn *websocket.Connection, roomID string) error {
	d.registry.Join(roomID, conn)
	if d.bridge != nil {
		d.bridge.RecordJoin(roomID, conn.UserID())
	}

	logging.Debug().
		Str("endpoint", d.policy.String()).
		Str("user_id", conn.UserID()).
		Str("room_id", roomID).
		Msg("Joined room")

	return d.ack(conn, &types.RoomNotice{
		Type:    types.FrameJoined,
		RoomID:  roomID,
		Members: d.registry.MemberCount(roomID),
	})
}

func (d *Dispatcher) leave(conn *websocket.Connection, roomID string) error {
	d.registry.Leave(roomID, conn)
	return d.ack(conn, &types.RoomNotice{Type: types.FrameLeft, RoomID: roomID})
}

// ack writes a notice to one connection. A full buffer here is the same slow
// consumer condition the relay handles.
func (d *Dispatcher) ack(conn *websocket.Connection, notice *types.RoomNotice) error {
	if err := conn.WriteJSON(notice); err != nil {
		if errors.Is(err, websocket.ErrSendBufferFull) {
			_ = conn.Close()
		}
		return &types.DeliveryError{ConnID: conn.ID(), Err: err}
	}
	return nil
}

// message builds the chat envelope, hands it to the bridge and relays it to
// every member of the room including the sender.
//
// FUNCTIONAL DISCOVERY: the bridge submit is fire-and-forget and happens before
// the relay, so a slow store never delays live delivery
func (d *Dispatcher) message(conn *websocket.Connection, frame *types.Frame) error {
	if !d.registry.IsMember(frame.RoomID, conn) {
		return &types.ProtocolError{FrameType: frame.Type, Err: ErrNotRoomMember}
	}

	content, err := types.ChatContent(frame.Data)
	if err != nil {
		return &types.ProtocolError{FrameType: frame.Type, Err: err}
	}

	identity := conn.Identity()
	msg := &types.ChatMessage{
		ID:         uuid.NewString(),
		Content:    content,
		SenderID:   identity.UserID,
		SenderName: identity.DisplayName,
		Timestamp:  d.now().UTC(),
		RoomID:     frame.RoomID,
	}

	if d.bridge != nil && !d.bridge.Submit(msg) {
		logging.Warn().
			Str("room_id", msg.RoomID).
			Str("message_id", msg.ID).
			Msg("Message not queued for persistence, relaying live only")
	}

	if _, err := d.relay.Broadcast(frame.RoomID, types.NewMessageEnvelope(msg), nil); err != nil {
		return err
	}
	return nil
}

// signal relays the inbound frame verbatim to every other member of the room
func (d *Dispatcher) signal(conn *websocket.Connection, frame *types.Frame) error {
	if !d.registry.IsMember(frame.RoomID, conn) {
		return &types.ProtocolError{FrameType: frame.Type, Err: ErrNotRoomMember}
	}
	if len(frame.Raw) == 0 {
		return &types.ProtocolError{FrameType: frame.Type, Err: ErrMissingSignalData}
	}

	d.relay.BroadcastRaw(frame.RoomID, frame.Raw, conn)
	return nil
}
