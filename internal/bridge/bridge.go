// Package bridge is the fire-and-forget path from live chat to durable storage.
//
// Submit and RecordJoin never block the relay. Workers persist each message,
// push it to the history cache and notify roster members who have no live
// connection. Joins put the user on the room roster so silent readers are
// notified too.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"roomcast/internal/logging"
	"roomcast/internal/metrics"
	"roomcast/pkg/interfaces"
	"roomcast/pkg/types"
)

// ErrAlreadyRunning is returned by Serve when the bridge is already serving
var ErrAlreadyRunning = errors.New("bridge already running")

// Presence answers whether a user currently holds a live connection
type Presence interface {
	IsUserOnline(userID string) bool
}

// Config sizes the bridge
type Config struct {
	QueueSize    int
	Workers      int
	StoreTimeout time.Duration
	HistoryLimit int
}

// DefaultConfig matches the configuration defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		Workers:      2,
		StoreTimeout: 5 * time.Second,
		HistoryLimit: 100,
	}
}

// Bridge queues chat messages for persistence and offline notification
type Bridge struct {
	cfg      Config
	queue    chan job
	store    interfaces.MessageStore
	notifier interfaces.Notifier
	cache    interfaces.HistoryCache
	presence Presence
	running  atomic.Bool
}

// New creates a bridge. notifier and cache may be nil.
func New(cfg Config, store interfaces.MessageStore, notifier interfaces.Notifier, cache interfaces.HistoryCache, presence Presence) *Bridge {
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaults.StoreTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}

	return &Bridge{
		cfg:      cfg,
		queue:    make(chan job, cfg.QueueSize),
		store:    store,
		notifier: notifier,
		cache:    cache,
		presence: presence,
	}
}

// String names the bridge in supervisor logs
func (b *Bridge) String() string {
	return "persistence-bridge"
}

// job is one unit of queued work: a chat message, or a roster entry when msg is nil
type job struct {
	msg    *types.ChatMessage
	roomID string
	userID string
}

// Submit queues msg without blocking. Returns false when the queue is full
// and the message was dropped.
func (b *Bridge) Submit(msg *types.ChatMessage) bool {
	if b.enqueue(job{msg: msg}) {
		return true
	}
	metrics.PersistTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
	logging.Warn().
		Str("room_id", msg.RoomID).
		Str("message_id", msg.ID).
		Int("queue_size", b.cfg.QueueSize).
		Msg("Persistence queue full, dropping message")
	return false
}

// RecordJoin queues a roster entry for userID in roomID without blocking.
// Returns false when the queue is full and the entry was dropped.
func (b *Bridge) RecordJoin(roomID, userID string) bool {
	if b.enqueue(job{roomID: roomID, userID: userID}) {
		return true
	}
	logging.Warn().
		Str("room_id", roomID).
		Str("user_id", userID).
		Int("queue_size", b.cfg.QueueSize).
		Msg("Persistence queue full, dropping roster entry")
	return false
}

func (b *Bridge) enqueue(j job) bool {
	select {
	case b.queue <- j:
		metrics.BridgeQueueDepth.Set(float64(len(b.queue)))
		return true
	default:
		return false
	}
}

// Pending returns the number of queued jobs
func (b *Bridge) Pending() int {
	return len(b.queue)
}

// Serve runs the workers until ctx is cancelled, then drains what is already queued.
func (b *Bridge) Serve(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	logging.Info().Int("workers", b.cfg.Workers).Msg("Persistence bridge started")

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(ctx)
		}()
	}
	wg.Wait()

	drained := b.Drain()
	logging.Info().Int("drained", drained).Msg("Persistence bridge stopped")
	return ctx.Err()
}

func (b *Bridge) work(ctx context.Context) {
	for {
		select {
		case j := <-b.queue:
			metrics.BridgeQueueDepth.Set(float64(len(b.queue)))
			b.process(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

// Drain processes every job still queued and returns how many it handled.
// Serve drains on exit; a final Drain after the connection-accepting side has
// stopped picks up anything submitted in between.
func (b *Bridge) Drain() int {
	ctx := context.Background()
	n := 0
	for {
		select {
		case j := <-b.queue:
			b.process(ctx, j)
			n++
		default:
			metrics.BridgeQueueDepth.Set(0)
			return n
		}
	}
}

func (b *Bridge) process(ctx context.Context, j job) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.StoreTimeout)
	defer cancel()

	if j.msg == nil {
		b.addMember(storeCtx, j.roomID, j.userID)
		return
	}
	b.persist(storeCtx, j.msg)
}

func (b *Bridge) addMember(ctx context.Context, roomID, userID string) {
	if err := b.store.AddRoomMember(ctx, roomID, userID); err != nil {
		logging.Warn().
			Err(&types.BackendUnavailableError{Backend: "message store", Err: err}).
			Str("room_id", roomID).
			Str("user_id", userID).
			Msg("Failed to record room member")
	}
}

// persist stores msg; on success it updates the cache and notifies offline members
func (b *Bridge) persist(storeCtx context.Context, msg *types.ChatMessage) {
	if err := b.store.StoreMessage(storeCtx, msg); err != nil {
		metrics.PersistTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		logging.Error().
			Err(&types.BackendUnavailableError{Backend: "message store", Err: err}).
			Str("room_id", msg.RoomID).
			Str("message_id", msg.ID).
			Msg("Failed to persist message")
		return
	}
	metrics.PersistTotal.WithLabelValues(metrics.OutcomeOK).Inc()

	if b.cache != nil {
		if err := b.cache.Push(storeCtx, msg); err != nil {
			logging.Warn().Err(err).Str("room_id", msg.RoomID).Msg("Failed to update history cache")
		}
	}

	b.notifyOffline(storeCtx, msg)
}

// notifyOffline sends one notification per roster member who is neither the
// sender nor connected
func (b *Bridge) notifyOffline(ctx context.Context, msg *types.ChatMessage) {
	if b.notifier == nil {
		return
	}

	roster, err := b.store.RoomMembers(ctx, msg.RoomID)
	if err != nil {
		logging.Warn().Err(err).Str("room_id", msg.RoomID).Msg("Failed to load room roster")
		return
	}

	for _, userID := range roster {
		if userID == msg.SenderID {
			continue
		}
		if b.presence != nil && b.presence.IsUserOnline(userID) {
			continue
		}

		if err := b.notifier.Notify(ctx, types.NewOfflineNotification(userID, msg)); err != nil {
			metrics.NotificationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			logging.Warn().
				Err(err).
				Str("room_id", msg.RoomID).
				Str("user_id", userID).
				Msg("Failed to dispatch offline notification")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	}
}

// History returns up to limit recent messages of roomID, oldest first.
// The cache answers when it holds enough messages; otherwise the store does
// and the cache is refilled.
func (b *Bridge) History(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 || limit > b.cfg.HistoryLimit {
		limit = b.cfg.HistoryLimit
	}

	if b.cache != nil {
		msgs, err := b.cache.Recent(ctx, roomID, limit)
		switch {
		case err == nil && len(msgs) >= limit:
			return msgs, nil
		case err != nil && !errors.Is(err, interfaces.ErrCacheMiss):
			logging.Warn().Err(err).Str("room_id", roomID).Msg("History cache read failed")
		}
	}

	msgs, err := b.store.RoomHistory(ctx, roomID, limit)
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: "message store", Err: err}
	}

	if b.cache != nil && len(msgs) > 0 {
		if err := b.cache.Fill(ctx, roomID, msgs); err != nil {
			logging.Warn().Err(err).Str("room_id", roomID).Msg("Failed to warm history cache")
		}
	}
	return msgs, nil
}
