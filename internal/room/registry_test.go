package room

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"

	"evalroom/pkg/types"
)

// fakeSession is an in-memory Session for registry tests.
type fakeSession struct {
	id          string
	displayName string
	role        types.Role
	roomCode    string
	bound       bool

	mu     sync.Mutex
	events []types.Outbound
	closed bool
}

func newFakeSession(name string, role types.Role, roomCode string) *fakeSession {
	return &fakeSession{
		id:          uuid.New().String(),
		displayName: name,
		role:        role,
		roomCode:    roomCode,
		bound:       true,
	}
}

func (f *fakeSession) ID() string          { return f.id }
func (f *fakeSession) DisplayName() string { return f.displayName }
func (f *fakeSession) Role() types.Role    { return f.role }
func (f *fakeSession) RoomCode() string    { return f.roomCode }
func (f *fakeSession) IsBound() bool       { return f.bound }

func (f *fakeSession) Bind(name string, role types.Role, roomCode string) error {
	if f.bound {
		return errors.New("already bound")
	}
	f.displayName = name
	f.role = role
	f.roomCode = roomCode
	f.bound = true
	return nil
}

func (f *fakeSession) Send(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, types.Outbound{Event: event, Data: data})
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) sent() []types.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Outbound, len(f.events))
	copy(out, f.events)
	return out
}

func TestRegistry_RegisterRequiresBoundSession(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(nil); err != ErrNilSession {
		t.Errorf("expected ErrNilSession, got %v", err)
	}

	unbound := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	unbound.bound = false
	if err := r.Register(unbound); err != ErrNotBound {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
}

func TestRegistry_PresenceCountsOnlyStudents(t *testing.T) {
	r := NewRegistry()

	teacher := newFakeSession("Docente_Master", types.RoleTeacher, "ABCDE")
	ana := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	luis := newFakeSession("Luis", types.RoleStudent, "ABCDE")
	other := newFakeSession("Eva", types.RoleStudent, "ZZZZZ")

	for _, s := range []*fakeSession{teacher, ana, luis, other} {
		if err := r.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.displayName, err)
		}
	}

	snap := r.Presence("ABCDE")
	if snap.Count != 2 {
		t.Errorf("presence count = %d, want 2", snap.Count)
	}
	sort.Strings(snap.Names)
	if len(snap.Names) != 2 || snap.Names[0] != "Ana" || snap.Names[1] != "Luis" {
		t.Errorf("presence names = %v, want [Ana Luis]", snap.Names)
	}
}

func TestRegistry_PresenceTracksJoinDisconnectSequences(t *testing.T) {
	r := NewRegistry()

	var sessions []*fakeSession
	for _, name := range []string{"Ana", "Luis", "Eva"} {
		s := newFakeSession(name, types.RoleStudent, "ABCDE")
		sessions = append(sessions, s)
		if err := r.Register(s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	if got := r.Presence("ABCDE").Count; got != 3 {
		t.Fatalf("count after joins = %d, want 3", got)
	}

	r.Unregister(sessions[1])
	if got := r.Presence("ABCDE").Count; got != 2 {
		t.Errorf("count after one disconnect = %d, want 2", got)
	}

	// Unregister is idempotent.
	r.Unregister(sessions[1])
	if got := r.Presence("ABCDE").Count; got != 2 {
		t.Errorf("count after duplicate disconnect = %d, want 2", got)
	}

	r.Unregister(sessions[0])
	r.Unregister(sessions[2])
	snap := r.Presence("ABCDE")
	if snap.Count != 0 || len(snap.Names) != 0 {
		t.Errorf("empty room presence = %+v, want {0 []}", snap)
	}
}

func TestRegistry_NameConflictIsCaseAndSpaceInsensitive(t *testing.T) {
	r := NewRegistry()

	ana := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	if err := r.Register(ana); err != nil {
		t.Fatalf("register: %v", err)
	}

	variant := newFakeSession("ana ", types.RoleStudent, "ABCDE")
	if err := r.CheckNameAvailable("ABCDE", "ana ", variant.ID()); err != ErrNameConflict {
		t.Errorf("expected ErrNameConflict, got %v", err)
	}

	// Same name in a different room is fine.
	if err := r.CheckNameAvailable("ZZZZZ", "Ana", variant.ID()); err != nil {
		t.Errorf("expected no conflict across rooms, got %v", err)
	}

	// The holder's own connection id is never a conflict with itself.
	if err := r.CheckNameAvailable("ABCDE", "Ana", ana.ID()); err != nil {
		t.Errorf("expected no self-conflict, got %v", err)
	}
}

func TestRegistry_NameFreedAfterDisconnect(t *testing.T) {
	r := NewRegistry()

	first := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	if err := r.Register(first); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Unregister(first)

	second := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	if err := r.CheckNameAvailable("ABCDE", "Ana", second.ID()); err != nil {
		t.Errorf("expected dead connection's name to be available, got %v", err)
	}
}

func TestRegistry_TeacherNamesDoNotBlockStudents(t *testing.T) {
	r := NewRegistry()

	teacher := newFakeSession("Docente_Master", types.RoleTeacher, "ABCDE")
	if err := r.Register(teacher); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The guard only compares against student sessions; the teacher's name
	// never occupies the student namespace.
	s := newFakeSession("Docente_Master", types.RoleStudent, "ABCDE")
	if err := r.CheckNameAvailable("ABCDE", "Docente_Master", s.ID()); err != nil {
		t.Errorf("expected teacher name not to conflict, got %v", err)
	}
}

func TestRegistry_TeacherAlertSubset(t *testing.T) {
	r := NewRegistry()

	teacher := newFakeSession("Docente_Master", types.RoleTeacher, "ABCDE")
	ana := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	if err := r.Register(teacher); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ana); err != nil {
		t.Fatalf("register: %v", err)
	}

	alerts := r.TeacherAlertSessions("ABCDE")
	if len(alerts) != 1 || alerts[0].ID() != teacher.ID() {
		t.Errorf("teacher-alert group should contain exactly the teacher, got %d sessions", len(alerts))
	}
	if got := len(r.RoomSessions("ABCDE")); got != 2 {
		t.Errorf("room sessions = %d, want 2", got)
	}
}

func TestRegistry_DropRoomClearsPresence(t *testing.T) {
	r := NewRegistry()

	ana := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	teacher := newFakeSession("Docente_Master", types.RoleTeacher, "ABCDE")
	if err := r.Register(ana); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(teacher); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.DropRoom("ABCDE")

	snap := r.Presence("ABCDE")
	if snap.Count != 0 || len(snap.Names) != 0 {
		t.Errorf("presence after drop = %+v, want {0 []}", snap)
	}
	if got := len(r.TeacherAlertSessions("ABCDE")); got != 0 {
		t.Errorf("teacher-alert sessions after drop = %d, want 0", got)
	}

	// Sessions remain reachable by id for directed delivery until they
	// actually disconnect.
	if _, ok := r.Session(ana.ID()); !ok {
		t.Error("session should still resolve by id after room drop")
	}

	// A late disconnect of a dropped-room session must not panic or
	// resurrect anything.
	r.Unregister(ana)
	if _, ok := r.Session(ana.ID()); ok {
		t.Error("session should be gone after disconnect")
	}
}

func TestRegistry_UnregisterIgnoresStaleInstance(t *testing.T) {
	r := NewRegistry()

	old := newFakeSession("Ana", types.RoleStudent, "ABCDE")
	if err := r.Register(old); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A different instance under the same id (simulated replacement) must
	// not be evicted by the old instance's cleanup.
	replacement := &fakeSession{id: old.id, displayName: "Ana", role: types.RoleStudent, roomCode: "ABCDE", bound: true}
	if err := r.Register(replacement); err != nil {
		t.Fatalf("register replacement: %v", err)
	}

	r.Unregister(old)
	if _, ok := r.Session(old.id); !ok {
		t.Error("stale unregister must not remove the replacement session")
	}
}
