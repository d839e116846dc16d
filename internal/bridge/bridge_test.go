package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/pkg/interfaces"
	"roomcast/pkg/types"
)

type memoryStore struct {
	mu       sync.Mutex
	messages []*types.ChatMessage
	roster   map[string]map[string]bool
	failNext error
	delay    time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{roster: make(map[string]map[string]bool)}
}

func (s *memoryStore) StoreMessage(ctx context.Context, msg *types.ChatMessage) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.messages = append(s.messages, msg)
	if s.roster[msg.RoomID] == nil {
		s.roster[msg.RoomID] = make(map[string]bool)
	}
	s.roster[msg.RoomID][msg.SenderID] = true
	return nil
}

func (s *memoryStore) addMember(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roster[roomID] == nil {
		s.roster[roomID] = make(map[string]bool)
	}
	s.roster[roomID][userID] = true
}

func (s *memoryStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	s.addMember(roomID, userID)
	return nil
}

func (s *memoryStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var members []string
	for userID := range s.roster[roomID] {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members, nil
}

func (s *memoryStore) RoomHistory(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ChatMessage
	for _, msg := range s.messages {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memoryStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memoryStore) HealthCheck(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                          { return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*types.OfflineNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, note *types.OfflineNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var users []string
	for _, note := range n.sent {
		users = append(users, note.UserID)
	}
	sort.Strings(users)
	return users
}

type memoryCache struct {
	mu     sync.Mutex
	rooms  map[string][]*types.ChatMessage
	pushes int
	fills  int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{rooms: make(map[string][]*types.ChatMessage)}
}

func (c *memoryCache) Push(ctx context.Context, msg *types.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes++
	c.rooms[msg.RoomID] = append(c.rooms[msg.RoomID], msg)
	return nil
}

func (c *memoryCache) Recent(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.rooms[roomID]
	if !ok {
		return nil, interfaces.ErrCacheMiss
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (c *memoryCache) Fill(ctx context.Context, roomID string, msgs []*types.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fills++
	c.rooms[roomID] = append([]*types.ChatMessage(nil), msgs...)
	return nil
}

func (c *memoryCache) Close() error { return nil }

type onlineSet map[string]bool

func (o onlineSet) IsUserOnline(userID string) bool { return o[userID] }

func message(id, roomID, sender string) *types.ChatMessage {
	return &types.ChatMessage{
		ID:         id,
		RoomID:     roomID,
		SenderID:   sender,
		SenderName: sender,
		Content:    "hello " + id,
		Timestamp:  time.Now().UTC(),
	}
}

func serve(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBridge_StoresCachesAndNotifiesOffline(t *testing.T) {
	store := newMemoryStore()
	store.addMember("group-42", "u2")
	store.addMember("group-42", "u3")
	notifier := &recordingNotifier{}
	cache := newMemoryCache()

	b := New(DefaultConfig(), store, notifier, cache, onlineSet{"u2": true})
	serve(t, b)

	require.True(t, b.Submit(message("m1", "group-42", "u1")))
	require.Eventually(t, func() bool { return len(notifier.recipients()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, store.stored())
	assert.Equal(t, []string{"u3"}, notifier.recipients(), "sender and online members are not notified")

	note := notifier.sent[0]
	assert.Equal(t, types.FrameOfflineMessage, note.Type)
	assert.Equal(t, "m1", note.MessageID)
	assert.Equal(t, "group-42", note.RoomID)
	assert.Equal(t, "hello m1", note.Preview)

	cache.mu.Lock()
	assert.Equal(t, 1, cache.pushes)
	cache.mu.Unlock()
}

func TestBridge_SilentJoinerIsNotifiedWhenOffline(t *testing.T) {
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	b := New(Config{Workers: 1}, store, notifier, nil, onlineSet{})
	serve(t, b)

	// reader joins, never sends, then disconnects
	require.True(t, b.RecordJoin("group-42", "reader"))
	require.True(t, b.RecordJoin("group-42", "u1"))
	require.Eventually(t, func() bool {
		members, _ := store.RoomMembers(context.Background(), "group-42")
		return len(members) == 2
	}, time.Second, 5*time.Millisecond)

	require.True(t, b.Submit(message("m1", "group-42", "u1")))
	require.Eventually(t, func() bool { return len(notifier.recipients()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"reader"}, notifier.recipients())
	assert.Equal(t, 1, store.stored())
}

func TestBridge_RecordJoinDropsWhenFull(t *testing.T) {
	b := New(Config{QueueSize: 1, Workers: 1}, newMemoryStore(), nil, nil, nil)

	assert.True(t, b.RecordJoin("r", "u1"))
	assert.False(t, b.RecordJoin("r", "u2"))
	assert.False(t, b.Submit(message("m", "r", "u1")), "roster entries and messages share one queue")
}

func TestBridge_StoreFailureSkipsCacheAndNotify(t *testing.T) {
	store := newMemoryStore()
	store.addMember("group-42", "u2")
	store.failNext = errors.New("disk full")
	notifier := &recordingNotifier{}
	cache := newMemoryCache()

	b := New(Config{Workers: 1}, store, notifier, cache, onlineSet{})
	serve(t, b)

	require.True(t, b.Submit(message("lost", "group-42", "u1")))
	require.True(t, b.Submit(message("kept", "group-42", "u1")))
	require.Eventually(t, func() bool { return store.stored() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(notifier.recipients()) == 1 }, time.Second, 5*time.Millisecond)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Equal(t, 1, cache.pushes)
	assert.Equal(t, "kept", cache.rooms["group-42"][0].ID)
}

func TestBridge_SubmitDropsWhenFull(t *testing.T) {
	b := New(Config{QueueSize: 2, Workers: 1}, newMemoryStore(), nil, nil, nil)

	assert.True(t, b.Submit(message("a", "r", "u1")))
	assert.True(t, b.Submit(message("b", "r", "u1")))
	assert.False(t, b.Submit(message("c", "r", "u1")), "full queue drops instead of blocking")
	assert.Equal(t, 2, b.Pending())
}

func TestBridge_SubmitNeverBlocksOnSlowStore(t *testing.T) {
	store := newMemoryStore()
	store.delay = 50 * time.Millisecond
	b := New(Config{QueueSize: 100, Workers: 1}, store, nil, nil, nil)
	serve(t, b)

	start := time.Now()
	for i := 0; i < 20; i++ {
		b.Submit(message(fmt.Sprintf("m%d", i), "r", "u1"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBridge_ServeDrainsOnShutdown(t *testing.T) {
	store := newMemoryStore()
	b := New(Config{QueueSize: 10, Workers: 1}, store, nil, nil, nil)
	for i := 0; i < 5; i++ {
		require.True(t, b.Submit(message(fmt.Sprintf("m%d", i), "r", "u1")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Serve(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, store.stored())
	assert.Zero(t, b.Pending())
}

func TestBridge_DrainAfterServeReturns(t *testing.T) {
	store := newMemoryStore()
	b := New(Config{QueueSize: 10, Workers: 1}, store, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Serve(ctx), context.Canceled)

	require.True(t, b.Submit(message("late", "r", "u1")))
	require.True(t, b.RecordJoin("r", "u2"))
	assert.Equal(t, 2, b.Drain())
	assert.Equal(t, 1, store.stored())
	members, _ := store.RoomMembers(context.Background(), "r")
	assert.Equal(t, []string{"u1", "u2"}, members)
	assert.Zero(t, b.Drain())
}

func TestBridge_ServeTwice(t *testing.T) {
	b := New(DefaultConfig(), newMemoryStore(), nil, nil, nil)
	serve(t, b)
	require.Eventually(t, func() bool { return b.running.Load() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, b.Serve(context.Background()), ErrAlreadyRunning)
}

func TestBridge_HistoryReadThrough(t *testing.T) {
	store := newMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.StoreMessage(context.Background(), message(fmt.Sprintf("m%d", i), "r", "u1")))
	}
	cache := newMemoryCache()
	b := New(DefaultConfig(), store, nil, cache, nil)

	msgs, err := b.History(context.Background(), "r", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, 1, cache.fills, "miss warms the cache")

	msgs, err = b.History(context.Background(), "r", 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Equal(t, 1, cache.fills, "second read is served from the cache")
}

func TestBridge_HistoryClampsLimit(t *testing.T) {
	store := newMemoryStore()
	for i := 0; i < 10; i++ {
		require.NoError(t, store.StoreMessage(context.Background(), message(fmt.Sprintf("m%d", i), "r", "u1")))
	}
	b := New(Config{HistoryLimit: 4}, store, nil, nil, nil)

	msgs, err := b.History(context.Background(), "r", 500)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	msgs, err = b.History(context.Background(), "r", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestBridge_String(t *testing.T) {
	assert.Equal(t, "persistence-bridge", New(DefaultConfig(), newMemoryStore(), nil, nil, nil).String())
}
