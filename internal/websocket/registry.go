package websocket

import (
	"sort"
	"sync"

	"roomcast/internal/metrics"
)

// Registry is the room index for one endpoint: room id -> member connections,
// kept symmetric with connection -> subscribed rooms.
//
// ARCHITECTURAL DISCOVERY: one mutex guards both directions so
// c ∈ rooms[r] ⇔ r ∈ memberships[c] holds at every unlock. A room exists only
// while it has members; the last Leave deletes it in the same critical section.
type Registry struct {
	name        string
	mu          sync.RWMutex
	rooms       map[string]map[*Connection]struct{} // roomID -> members
	memberships map[*Connection]map[string]struct{} // connection -> roomIDs
	connections map[*Connection]struct{}            // registered (authenticated) connections
	users       map[string]int                      // userID -> live connection count
}

// NewRegistry creates an empty registry. name labels its metrics.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:        name,
		rooms:       make(map[string]map[*Connection]struct{}),
		memberships: make(map[*Connection]map[string]struct{}),
		connections: make(map[*Connection]struct{}),
		users:       make(map[string]int),
	}
}

// Name returns the endpoint label
func (r *Registry) Name() string {
	return r.name
}

// RegisterConnection admits an authenticated connection. Only registered
// connections can join rooms.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}
	if conn.IsClosed() {
		return ErrConnectionClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn]; exists {
		return nil
	}
	r.connections[conn] = struct{}{}
	r.users[conn.UserID()]++
	metrics.ConnectionsActive.WithLabelValues(r.name).Set(float64(len(r.connections)))
	return nil
}

// UnregisterConnection removes conn and all of its room memberships.
// Idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveAllLocked(conn)
	if _, exists := r.connections[conn]; !exists {
		return
	}
	delete(r.connections, conn)

	userID := conn.UserID()
	if r.users[userID] <= 1 {
		delete(r.users, userID)
	} else {
		r.users[userID]--
	}
	metrics.ConnectionsActive.WithLabelValues(r.name).Set(float64(len(r.connections)))
}

// Join adds conn to roomID, creating the room on first join.
// Joining twice is a no-op, as is joining with a closed or unregistered connection.
func (r *Registry) Join(roomID string, conn *Connection) {
	if conn == nil || roomID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if conn.IsClosed() {
		return
	}
	if _, registered := r.connections[conn]; !registered {
		return
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[*Connection]struct{})
		r.rooms[roomID] = members
	}
	members[conn] = struct{}{}

	rooms, ok := r.memberships[conn]
	if !ok {
		rooms = make(map[string]struct{})
		r.memberships[conn] = rooms
	}
	rooms[roomID] = struct{}{}

	metrics.RoomsActive.WithLabelValues(r.name).Set(float64(len(r.rooms)))
}

// Leave removes conn from roomID and deletes the room if it became empty.
// Leaving a room you are not in is a no-op.
func (r *Registry) Leave(roomID string, conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(roomID, conn)
	metrics.RoomsActive.WithLabelValues(r.name).Set(float64(len(r.rooms)))
}

// LeaveAll removes conn from every room it is in and returns those room ids.
// Safe on connections that never authenticated or never joined.
func (r *Registry) LeaveAll(conn *Connection) []string {
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveAllLocked(conn)
}

func (r *Registry) leaveAllLocked(conn *Connection) []string {
	rooms, ok := r.memberships[conn]
	if !ok {
		return nil
	}

	left := make([]string, 0, len(rooms))
	for roomID := range rooms {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.leaveLocked(roomID, conn)
	}
	sort.Strings(left)

	metrics.RoomsActive.WithLabelValues(r.name).Set(float64(len(r.rooms)))
	return left
}

func (r *Registry) leaveLocked(roomID string, conn *Connection) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}

	if rooms, ok := r.memberships[conn]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.memberships, conn)
		}
	}
}

// MembersOf returns a snapshot of roomID's members; empty if the room does not exist.
// The slice is a copy taken under the lock, so later joins and leaves never
// alter a snapshot a relay is iterating.
func (r *Registry) MembersOf(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	snapshot := make([]*Connection, 0, len(members))
	for conn := range members {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// IsMember reports whether conn is subscribed to roomID
func (r *Registry) IsMember(roomID string, conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID][conn]
	return ok
}

// RoomsOf returns the sorted room ids conn is subscribed to
func (r *Registry) RoomsOf(conn *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.memberships[conn]))
	for roomID := range r.memberships[conn] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// MemberCount returns the number of connections in roomID
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// ActiveRooms returns the sorted ids of every room with at least one member
func (r *Registry) ActiveRooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// RoomSizes returns roomID -> member count for every active room
func (r *Registry) RoomSizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sizes := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		sizes[roomID] = len(members)
	}
	return sizes
}

// IsUserOnline reports whether userID holds at least one registered connection
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID] > 0
}

// Connections returns a snapshot of every registered connection
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// GetStats returns registry statistics for health reporting
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_rooms":      len(r.rooms),
		"online_users":      len(r.users),
	}
}
