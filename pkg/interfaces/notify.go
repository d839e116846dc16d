package interfaces

import (
	"context"

	"roomcast/pkg/types"
)

// Notifier dispatches a notification to a member with no live connection
type Notifier interface {
	Notify(ctx context.Context, n *types.OfflineNotification) error
	Close() error
}

// HistoryCache is a best-effort read-through cache of recent room messages
type HistoryCache interface {
	Push(ctx context.Context, msg *types.ChatMessage) error
	Recent(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error)
	Fill(ctx context.Context, roomID string, msgs []*types.ChatMessage) error
	Close() error
}
