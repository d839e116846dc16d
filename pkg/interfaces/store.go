package interfaces

import (
	"context"

	"roomcast/pkg/types"
)

// MessageStore is the durable side of the persistence bridge
type MessageStore interface {
	// StoreMessage persists a chat message and records its sender on the room roster
	StoreMessage(ctx context.Context, msg *types.ChatMessage) error

	// AddRoomMember records userID on the room roster; repeated calls are no-ops
	AddRoomMember(ctx context.Context, roomID, userID string) error

	// RoomMembers returns every user id on the room roster
	RoomMembers(ctx context.Context, roomID string) ([]string, error)

	// RoomHistory returns up to limit messages, oldest first
	RoomHistory(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
