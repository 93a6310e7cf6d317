package realtime

import (
	"sync"

	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

// UserRoom names the personal room every session of a user joins on connect.
func UserRoom(id user.ID) string {
	return "user:" + string(id)
}

// ConversationRoom names the room of one conversation thread.
func ConversationRoom(id chat.ConversationID) string {
	return "conversation:" + string(id)
}

// Registry tracks live websocket sessions and their room memberships. A user
// may hold several sessions at once (multiple tabs or devices); fan-out to a
// personal room reaches all of them.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Connection
	userSessions map[user.ID]map[string]struct{}
	rooms        map[string]map[string]*Connection
	sessionRooms map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Connection),
		userSessions: make(map[user.ID]map[string]struct{}),
		rooms:        make(map[string]map[string]*Connection),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers a connection, starts its write loop and joins the user's
// personal room.
func (r *Registry) Attach(conn *Connection) {
	r.mu.Lock()
	r.sessions[conn.ID] = conn
	sessions := r.userSessions[conn.UserID]
	if sessions == nil {
		sessions = make(map[string]struct{})
		r.userSessions[conn.UserID] = sessions
	}
	sessions[conn.ID] = struct{}{}
	r.sessionRooms[conn.ID] = make(map[string]struct{})
	r.joinLocked(UserRoom(conn.UserID), conn)
	r.mu.Unlock()

	conn.Start()
}

// Detach removes a connection and returns the conversation rooms it was in,
// so the caller can announce the departure.
func (r *Registry) Detach(conn *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachLocked(conn.ID)
}

// Join adds the connection to a room. Joining twice is a no-op.
func (r *Registry) Join(room string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[conn.ID]; !ok {
		return
	}
	r.joinLocked(room, conn)
}

// Leave removes the connection from a room.
func (r *Registry) Leave(room string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, conn.ID)
}

// InRoom reports whether the connection is currently a member of the room.
func (r *Registry) InRoom(room string, conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessionRooms[conn.ID][room]
	return ok
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(id user.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSessions[id]) > 0
}

// Broadcast delivers the payload once per connection across the union of the
// given rooms, skipping the excluded connection.
func (r *Registry) Broadcast(rooms []string, payload []byte, excludeConnID string) int {
	targets := r.snapshot(rooms, excludeConnID)
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Close terminates all tracked connections and clears registry state.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		sessions = append(sessions, conn)
	}
	r.sessions = make(map[string]*Connection)
	r.userSessions = make(map[user.ID]map[string]struct{})
	r.rooms = make(map[string]map[string]*Connection)
	r.sessionRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, conn := range sessions {
		conn.Close(1001, "server shutdown")
	}
}

// snapshot collects the target connections under the read lock so sends
// happen outside of it.
func (r *Registry) snapshot(rooms []string, excludeConnID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	targets := make([]*Connection, 0)
	for _, room := range rooms {
		for id, conn := range r.rooms[room] {
			if id == excludeConnID {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, conn)
		}
	}
	return targets
}

func (r *Registry) joinLocked(room string, conn *Connection) {
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}
	members[conn.ID] = conn
	memberships := r.sessionRooms[conn.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		r.sessionRooms[conn.ID] = memberships
	}
	memberships[room] = struct{}{}
}

func (r *Registry) leaveLocked(room, sessionID string) {
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, room)
	}
}

func (r *Registry) detachLocked(sessionID string) []string {
	conn, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)

	if sessions, ok := r.userSessions[conn.UserID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.userSessions, conn.UserID)
		}
	}

	left := make([]string, 0)
	userRoom := UserRoom(conn.UserID)
	for room := range r.sessionRooms[sessionID] {
		r.leaveLocked(room, sessionID)
		if room != userRoom {
			left = append(left, room)
		}
	}
	delete(r.sessionRooms, sessionID)
	return left
}
