package room

import (
	"sync"

	"evalroom/pkg/types"
)

// Session is one live connection's bound identity as seen by the registry.
// Implemented by ws.Connection; tests use in-memory fakes.
type Session interface {
	// ID returns the transport-assigned connection id.
	ID() string
	// DisplayName returns the name supplied at join time.
	DisplayName() string
	// Role returns the role derived at join time.
	Role() types.Role
	// RoomCode returns the normalized room this session is bound to.
	RoomCode() string
	// IsBound reports whether the session has joined a room.
	IsBound() bool
	// Bind sets the session identity exactly once; a bound session keeps
	// its room until the connection closes.
	Bind(displayName string, role types.Role, roomCode string) error
	// Send emits a named event to this session (thread-safe).
	Send(event string, data any) error
	// Close tears down the session's transport.
	Close() error
}

// Registry is the authoritative view of which sessions are connected to
// which room. Rooms are not stored objects: membership is a multimap of
// room code to session handles, and presence is always recomputed from it.
// The teacher-alert multimap is a routing subset so moderation requests
// reach teachers even when general-room timing is off.
type Registry struct {
	mu           sync.RWMutex
	rooms        map[string]map[string]Session // roomCode -> connID -> Session
	teacherAlert map[string]map[string]Session // roomCode -> connID -> teacher Session
	byID         map[string]Session            // connID -> Session
}

// NewRegistry creates an empty registry. Instances are independent; tests
// instantiate their own to avoid cross-test leakage.
func NewRegistry() *Registry {
	return &Registry{
		rooms:        make(map[string]map[string]Session),
		teacherAlert: make(map[string]map[string]Session),
		byID:         make(map[string]Session),
	}
}

// CheckNameAvailable enforces per-room name uniqueness among students.
// A reconnect from the same connection id is not a conflict. The caller is
// responsible for exempting the teacher sentinel role.
func (r *Registry) CheckNameAvailable(roomCode, candidateName, requestingConnID string) error {
	folded := types.FoldName(candidateName)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, s := range r.rooms[roomCode] {
		if id == requestingConnID {
			continue
		}
		if s.Role() != types.RoleStudent {
			continue
		}
		if types.FoldName(s.DisplayName()) == folded {
			return ErrNameConflict
		}
	}
	return nil
}

// Register adds a bound session to its room's membership, and to the
// teacher-alert subset when the role is teacher.
func (r *Registry) Register(s Session) error {
	if s == nil {
		return ErrNilSession
	}
	if !s.IsBound() {
		return ErrNotBound
	}

	code := s.RoomCode()
	id := s.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[code] == nil {
		r.rooms[code] = make(map[string]Session)
	}
	r.rooms[code][id] = s

	if s.Role() == types.RoleTeacher {
		if r.teacherAlert[code] == nil {
			r.teacherAlert[code] = make(map[string]Session)
		}
		r.teacherAlert[code][id] = s
	}

	r.byID[id] = s
	return nil
}

// Unregister removes a session from all maps. Idempotent, and only removes
// the entry if it still holds this exact session instance, so a stale
// cleanup cannot evict a newer session under the same id.
func (r *Registry) Unregister(s Session) {
	if s == nil {
		return
	}

	id := s.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byID[id]; !ok || current != s {
		return
	}
	delete(r.byID, id)

	code := s.RoomCode()
	if members, ok := r.rooms[code]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, code)
		}
	}
	if teachers, ok := r.teacherAlert[code]; ok {
		delete(teachers, id)
		if len(teachers) == 0 {
			delete(r.teacherAlert, code)
		}
	}
}

// Session returns the live session for a connection id.
func (r *Registry) Session(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[connID]
	return s, ok
}

// RoomSessions returns every session (teacher and student) in a room.
func (r *Registry) RoomSessions(roomCode string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.rooms[roomCode]))
	for _, s := range r.rooms[roomCode] {
		sessions = append(sessions, s)
	}
	return sessions
}

// TeacherAlertSessions returns the teacher-role sessions in a room.
func (r *Registry) TeacherAlertSessions(roomCode string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.teacherAlert[roomCode]))
	for _, s := range r.teacherAlert[roomCode] {
		sessions = append(sessions, s)
	}
	return sessions
}

// Presence rebuilds the connected-student view for a room by scanning live
// membership. It never reads a cached count, so it self-heals if a cleanup
// event was missed.
func (r *Registry) Presence(roomCode string) types.PresenceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := []string{}
	for _, s := range r.rooms[roomCode] {
		if s.Role() == types.RoleStudent {
			names = append(names, s.DisplayName())
		}
	}
	return types.PresenceSnapshot{Count: len(names), Names: names}
}

// DropRoom discards all membership tracked under a room code. Called on
// activity termination so a reused or stale code reports zero presence
// rather than leaking counts from sessions that never said goodbye.
// Sessions stay reachable by connection id until they disconnect.
func (r *Registry) DropRoom(roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, roomCode)
	delete(r.teacherAlert, roomCode)
}

// Stats reports registry totals for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.byID),
		"active_rooms":      len(r.rooms),
	}
}
