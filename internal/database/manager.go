// Package database is the SQLite message store behind the persistence bridge.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"roomcast/internal/logging"
	dbconfig "roomcast/pkg/database"
	"roomcast/pkg/interfaces"
	"roomcast/pkg/types"
)

// Manager implements interfaces.MessageStore on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation is one unit of work for the writer goroutine
type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

var _ interfaces.MessageStore = (*Manager)(nil)

// NewManager opens the database, applies migrations and starts the writer
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: pooled connections serve history reads while
	// every write goes through writeLoop
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if isBusy(err) && op.ctx.Err() == nil {
				// FUNCTIONAL DISCOVERY: a busy database is retried exactly once
				logging.Debug().Err(err).Msg("Database busy, retrying write")
				time.Sleep(50 * time.Millisecond)
				err = op.operation(op.ctx, m.db)
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("write operation not queued: %w", ctx.Err())
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}
}

// StoreMessage persists msg and upserts its sender onto the room roster in one transaction
func (m *Manager) StoreMessage(ctx context.Context, msg *types.ChatMessage) error {
	if msg == nil || msg.ID == "" || msg.RoomID == "" || msg.SenderID == "" {
		return errors.New("message requires id, room id and sender id")
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, room_id, sender_id, sender_name, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Content, msg.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, rosterUpsert, msg.RoomID, msg.SenderID); err != nil {
			return fmt.Errorf("failed to update room roster: %w", err)
		}

		return tx.Commit()
	})
}

const rosterUpsert = `INSERT INTO room_members (room_id, user_id) VALUES (?, ?)
	ON CONFLICT (room_id, user_id) DO NOTHING`

// AddRoomMember puts userID on the roster of roomID
func (m *Manager) AddRoomMember(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return errors.New("roster entry requires room id and user id")
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, rosterUpsert, roomID, userID); err != nil {
			return fmt.Errorf("failed to add room member: %w", err)
		}
		return nil
	})
}

// RoomMembers returns the roster of roomID sorted by user id
func (m *Manager) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query room members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan room member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// RoomHistory returns the latest limit messages of roomID, oldest first
func (m *Manager) RoomHistory(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, content, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		msg := &types.ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from the index, returned oldest-first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return interfaces.ErrStoreClosed
	}

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_members LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
