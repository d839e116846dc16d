package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roomcast/pkg/database"
	"roomcast/pkg/interfaces"
	"roomcast/pkg/types"
)

// Test database setup helper
func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "nested", "test.db")
	config.WriteTimeout = 5 * time.Second

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func chatMessage(id, roomID, senderID string, at time.Time) *types.ChatMessage {
	return &types.ChatMessage{
		ID:         id,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: "Name " + senderID,
		Content:    "content " + id,
		Timestamp:  at,
	}
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.MessageStore = setupTestDB(t)
}

func TestManager_RejectsInvalidConfig(t *testing.T) {
	config := database.DefaultConfig()
	config.DatabasePath = ""
	if _, err := NewManager(config); err == nil {
		t.Fatal("Expected error for empty database path")
	}
}

func TestManager_StoreAndHistory(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		msg := chatMessage(fmt.Sprintf("m%d", i), "group-42", "u1", base.Add(time.Duration(i)*time.Second))
		if err := manager.StoreMessage(ctx, msg); err != nil {
			t.Fatalf("StoreMessage(%d) failed: %v", i, err)
		}
	}
	if err := manager.StoreMessage(ctx, chatMessage("other", "group-7", "u1", base)); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}

	history, err := manager.RoomHistory(ctx, "group-42", 3)
	if err != nil {
		t.Fatalf("RoomHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(history))
	}

	// Latest three, oldest first
	for i, want := range []string{"m2", "m3", "m4"} {
		if history[i].ID != want {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ID, want)
		}
	}

	got := history[2]
	if got.RoomID != "group-42" || got.SenderID != "u1" || got.SenderName != "Name u1" || got.Content != "content m4" {
		t.Errorf("Unexpected message fields: %+v", got)
	}
	if !got.Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, base.Add(4*time.Second))
	}
}

func TestManager_HistoryEmptyAndZeroLimit(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	history, err := manager.RoomHistory(ctx, "nobody", 10)
	if err != nil {
		t.Fatalf("RoomHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected empty history, got %d", len(history))
	}

	history, err = manager.RoomHistory(ctx, "nobody", 0)
	if err != nil || history != nil {
		t.Errorf("Expected nil history for zero limit, got %v, %v", history, err)
	}
}

func TestManager_RosterUpsert(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	messages := []*types.ChatMessage{
		chatMessage("a", "group-42", "u2", now),
		chatMessage("b", "group-42", "u1", now),
		chatMessage("c", "group-42", "u2", now),
		chatMessage("d", "group-7", "u3", now),
	}
	for _, msg := range messages {
		if err := manager.StoreMessage(ctx, msg); err != nil {
			t.Fatalf("StoreMessage(%s) failed: %v", msg.ID, err)
		}
	}

	members, err := manager.RoomMembers(ctx, "group-42")
	if err != nil {
		t.Fatalf("RoomMembers failed: %v", err)
	}
	if len(members) != 2 || members[0] != "u1" || members[1] != "u2" {
		t.Errorf("Expected [u1 u2], got %v", members)
	}
}

func TestManager_AddRoomMember(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	for _, userID := range []string{"reader", "reader", "writer"} {
		if err := manager.AddRoomMember(ctx, "group-42", userID); err != nil {
			t.Fatalf("AddRoomMember(%s) failed: %v", userID, err)
		}
	}
	if err := manager.StoreMessage(ctx, chatMessage("m1", "group-42", "writer", time.Now().UTC())); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}

	members, err := manager.RoomMembers(ctx, "group-42")
	if err != nil {
		t.Fatalf("RoomMembers failed: %v", err)
	}
	if len(members) != 2 || members[0] != "reader" || members[1] != "writer" {
		t.Errorf("Expected [reader writer], got %v", members)
	}

	if err := manager.AddRoomMember(ctx, "", "reader"); err == nil {
		t.Error("Expected error for empty room id")
	}
}

func TestManager_DuplicateIDRollsBack(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := manager.StoreMessage(ctx, chatMessage("dup", "group-42", "u1", now)); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}
	if err := manager.StoreMessage(ctx, chatMessage("dup", "group-9", "u9", now)); err == nil {
		t.Fatal("Expected duplicate id to fail")
	}

	members, err := manager.RoomMembers(ctx, "group-9")
	if err != nil {
		t.Fatalf("RoomMembers failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("Roster update should roll back with the failed insert, got %v", members)
	}
}

func TestManager_RejectsIncompleteMessage(t *testing.T) {
	manager := setupTestDB(t)
	if err := manager.StoreMessage(context.Background(), &types.ChatMessage{ID: "x"}); err == nil {
		t.Error("Expected error for message without room and sender")
	}
	if err := manager.StoreMessage(context.Background(), nil); err == nil {
		t.Error("Expected error for nil message")
	}
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := chatMessage(fmt.Sprintf("m%02d", i), "group-42", fmt.Sprintf("u%d", i%5), time.Now().UTC())
			errs <- manager.StoreMessage(ctx, msg)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent write failed: %v", err)
		}
	}

	history, err := manager.RoomHistory(ctx, "group-42", 100)
	if err != nil {
		t.Fatalf("RoomHistory failed: %v", err)
	}
	if len(history) != 50 {
		t.Errorf("Expected 50 messages, got %d", len(history))
	}
	members, _ := manager.RoomMembers(ctx, "group-42")
	if len(members) != 5 {
		t.Errorf("Expected 5 roster entries, got %d", len(members))
	}
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed on open store: %v", err)
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Second Close should be a no-op: %v", err)
	}

	if err := manager.HealthCheck(ctx); !errors.Is(err, interfaces.ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed from HealthCheck, got %v", err)
	}
	err := manager.StoreMessage(ctx, chatMessage("late", "group-42", "u1", time.Now()))
	if !errors.Is(err, interfaces.ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed after close, got %v", err)
	}
}

func TestManager_ReopenKeepsData(t *testing.T) {
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "reopen.db")

	first, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := first.StoreMessage(context.Background(), chatMessage("m1", "r", "u1", time.Now().UTC())); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}
	_ = first.Close()

	second, err := NewManager(config)
	if err != nil {
		t.Fatalf("Reopen failed (migrations should be idempotent): %v", err)
	}
	defer second.Close()

	history, err := second.RoomHistory(context.Background(), "r", 10)
	if err != nil || len(history) != 1 {
		t.Errorf("Expected persisted message after reopen, got %v, %v", history, err)
	}
}
