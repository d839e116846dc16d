package types

import (
	"time"

	"github.com/goccy/go-json"
)

// Inbound frame types accepted by the chat and signaling endpoints
const (
	FrameJoin         = "join"
	FrameLeave        = "leave"
	FrameMessage      = "message"
	FrameOffer        = "offer"
	FrameAnswer       = "answer"
	FrameICECandidate = "ice-candidate"
)

// Outbound frame types written by the server
const (
	FrameConnected      = "connected"
	FrameNewMessage     = "new_message"
	FrameJoined         = "joined"
	FrameLeft           = "left"
	FrameOfflineMessage = "offline_message"
)

// MaxContentBytes bounds the text of a single chat message (64KB)
const MaxContentBytes = 65536

// Identity is the resolved owner of an authenticated connection
// ARCHITECTURAL DISCOVERY: a user may hold several connections (tabs), so rooms
// track connections and only the envelope carries the user identity
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Frame is one decoded inbound wire message.
// Raw keeps the exact bytes received so signaling frames can be relayed verbatim.
type Frame struct {
	Type   string          `json:"type" validate:"required"`
	RoomID string          `json:"roomId" validate:"required,max=128"`
	Data   json.RawMessage `json:"data,omitempty"`
	Raw    []byte          `json:"-"`
}

// IsSignaling reports whether the frame is a WebRTC negotiation frame
func (f *Frame) IsSignaling() bool {
	return IsSignalingType(f.Type)
}

// ChatMessage is the wire and storage representation of a room chat message
type ChatMessage struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
	RoomID     string    `json:"roomId"`
}

// Envelope wraps a chat message for relay: {"type":"new_message","data":{...}}
type Envelope struct {
	Type string       `json:"type"`
	Data *ChatMessage `json:"data"`
}

// NewMessageEnvelope builds the relay envelope for a chat message
func NewMessageEnvelope(msg *ChatMessage) *Envelope {
	return &Envelope{Type: FrameNewMessage, Data: msg}
}

// ConnectedNotice is written once a connection becomes active. Frames sent
// before it arrives are treated as unauthenticated.
type ConnectedNotice struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// NewConnectedNotice builds the activation notice for identity
func NewConnectedNotice(identity *Identity) *ConnectedNotice {
	return &ConnectedNotice{Type: FrameConnected, UserID: identity.UserID, DisplayName: identity.DisplayName}
}

// RoomNotice acknowledges a join or leave to the requesting connection only
type RoomNotice struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Members int    `json:"members,omitempty"`
}

// OfflineNotification is dispatched to room members with no live connection
type OfflineNotification struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	RoomID     string    `json:"roomId"`
	MessageID  string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Preview    string    `json:"preview"`
	Timestamp  time.Time `json:"timestamp"`
}

// previewRunes bounds the message excerpt carried by offline notifications
const previewRunes = 120

// NewOfflineNotification builds the notification for one offline member
func NewOfflineNotification(userID string, msg *ChatMessage) *OfflineNotification {
	preview := []rune(msg.Content)
	if len(preview) > previewRunes {
		preview = preview[:previewRunes]
	}
	return &OfflineNotification{
		Type:       FrameOfflineMessage,
		UserID:     userID,
		RoomID:     msg.RoomID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Preview:    string(preview),
		Timestamp:  msg.Timestamp,
	}
}
