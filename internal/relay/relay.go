package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"evalroom/internal/room"
	"evalroom/pkg/types"
)

// Relay is the coordination core: a single goroutine consumes commands in
// arrival order and runs each handler to completion, so registry mutation
// and the presence recompute it triggers are atomic with respect to every
// other event. Joins, disconnects, socket events and server-originated
// broadcasts all enter the same channel, which gives presence updates a
// total order per room.
type Relay struct {
	registry    *room.Registry
	teacherName string

	commands chan command
	shutdown chan struct{}

	running bool
	mu      sync.RWMutex
}

type commandOp int

const (
	opEvent commandOp = iota
	opDisconnect
	opStarted
	opStopped
	opGroupsChanged
)

type command struct {
	op       commandOp
	sess     room.Session
	env      types.Envelope
	roomCode string
	seconds  int
}

// NewRelay creates a relay over the given registry. teacherName is the
// reserved sentinel display name that grants the teacher role at join.
func NewRelay(registry *room.Registry, teacherName string) *Relay {
	return &Relay{
		registry:    registry,
		teacherName: teacherName,
		commands:    make(chan command, 1024),
		shutdown:    make(chan struct{}),
	}
}

// Start begins consuming commands.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop shuts the command loop down. Queued commands are discarded.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrNotRunning
	}
	r.running = false

	select {
	case <-r.shutdown:
	default:
		close(r.shutdown)
	}
	return nil
}

func (r *Relay) run(ctx context.Context) {
	for {
		select {
		case cmd := <-r.commands:
			r.handle(cmd)
		case <-r.shutdown:
			slog.Info("relay stopped")
			return
		case <-ctx.Done():
			slog.Info("relay context cancelled")
			return
		}
	}
}

func (r *Relay) enqueue(cmd command) error {
	r.mu.RLock()
	if !r.running {
		r.mu.RUnlock()
		return ErrNotRunning
	}
	r.mu.RUnlock()

	select {
	case r.commands <- cmd:
		return nil
	default:
		return ErrCommandChannelFull
	}
}

// Dispatch queues an inbound client event for processing.
func (r *Relay) Dispatch(sess room.Session, env types.Envelope) error {
	return r.enqueue(command{op: opEvent, sess: sess, env: env})
}

// Disconnect queues a transport-level disconnect for cleanup.
func (r *Relay) Disconnect(sess room.Session) error {
	return r.enqueue(command{op: opDisconnect, sess: sess})
}

// ActivityStarted broadcasts a start event to a room. Used by the HTTP API
// when an activity is started through the persistence service.
func (r *Relay) ActivityStarted(roomCode string, timeLimitSeconds int) error {
	return r.enqueue(command{op: opStarted, roomCode: types.NormalizeRoomCode(roomCode), seconds: timeLimitSeconds})
}

// ActivityStopped broadcasts a termination event and drops the room.
func (r *Relay) ActivityStopped(roomCode string) error {
	return r.enqueue(command{op: opStopped, roomCode: types.NormalizeRoomCode(roomCode)})
}

// GroupsChanged advises a room that group membership changed. Clients
// re-fetch group detail from the API; the event carries no state.
func (r *Relay) GroupsChanged(roomCode string) error {
	return r.enqueue(command{op: opGroupsChanged, roomCode: types.NormalizeRoomCode(roomCode)})
}

func (r *Relay) handle(cmd command) {
	switch cmd.op {
	case opEvent:
		r.handleEvent(cmd.sess, cmd.env)
	case opDisconnect:
		r.handleDisconnect(cmd.sess)
	case opStarted:
		r.broadcastStart(cmd.roomCode, cmd.seconds)
	case opStopped:
		r.broadcastStop(cmd.roomCode)
	case opGroupsChanged:
		r.broadcast(cmd.roomCode, types.EventGroupsChanged, map[string]any{})
	}
}

func (r *Relay) handleEvent(sess room.Session, env types.Envelope) {
	switch env.Event {
	case types.EventJoinRoom:
		var p types.JoinRoomPayload
		if !decode(env.Data, &p, env.Event) {
			return
		}
		r.handleJoin(sess, p)

	case types.EventSubmitRequest:
		var p types.SubmitRequestPayload
		if !decode(env.Data, &p, env.Event) {
			return
		}
		r.handleSubmitRequest(sess, p)

	case types.EventSubmitDecision:
		var p types.SubmitDecisionPayload
		if !decode(env.Data, &p, env.Event) {
			return
		}
		r.handleSubmitDecision(p)

	case types.EventStartActivity:
		var p types.StartActivityPayload
		if !decode(env.Data, &p, env.Event) {
			return
		}
		r.broadcastStart(types.NormalizeRoomCode(p.RoomCode), p.TimeLimitSeconds)

	case types.EventStopActivity:
		var p types.StopActivityPayload
		if !decode(env.Data, &p, env.Event) {
			return
		}
		r.broadcastStop(types.NormalizeRoomCode(p.RoomCode))

	default:
		metricDroppedEvents.Inc()
		slog.Warn("unknown event dropped", "event", env.Event)
	}
}

// decode unmarshals an event payload; a malformed payload is dropped with
// no broadcast.
func decode(data json.RawMessage, v any, event string) bool {
	if err := json.Unmarshal(data, v); err != nil {
		metricDroppedEvents.Inc()
		slog.Warn("malformed event dropped", "event", event, "error", err)
		return false
	}
	return true
}

// handleJoin runs the identity guard and binds the session. The role is
// derived exactly once, by comparing the display name against the teacher
// sentinel; teachers skip the uniqueness check entirely.
func (r *Relay) handleJoin(sess room.Session, p types.JoinRoomPayload) {
	code := types.NormalizeRoomCode(p.RoomCode)
	if code == "" || p.DisplayName == "" {
		metricDroppedEvents.Inc()
		slog.Warn("join dropped: missing room code or display name")
		return
	}
	if sess.IsBound() {
		// Switching rooms requires a new connection.
		metricDroppedEvents.Inc()
		slog.Warn("join dropped: session already bound",
			"conn", sess.ID(), "room", sess.RoomCode())
		return
	}

	role := types.RoleStudent
	if p.DisplayName == r.teacherName {
		role = types.RoleTeacher
	}

	if role == types.RoleStudent {
		if err := r.registry.CheckNameAvailable(code, p.DisplayName, sess.ID()); err != nil {
			metricJoinRejections.Inc()
			if err := sess.Send(types.EventJoinRejected, map[string]any{
				"reason": "this name is already in use in this room",
			}); err != nil {
				slog.Warn("failed to deliver join rejection", "conn", sess.ID(), "error", err)
			}
			return
		}
	}

	if err := sess.Bind(p.DisplayName, role, code); err != nil {
		slog.Warn("join dropped: bind failed", "conn", sess.ID(), "error", err)
		return
	}
	if err := r.registry.Register(sess); err != nil {
		slog.Error("failed to register session", "conn", sess.ID(), "error", err)
		return
	}

	metricJoins.Inc()
	slog.Info("session joined room", "conn", sess.ID(), "room", code, "role", role)
	r.broadcastPresence(code)
}

func (r *Relay) handleDisconnect(sess room.Session) {
	if !sess.IsBound() {
		return
	}
	code := sess.RoomCode()
	r.registry.Unregister(sess)
	slog.Info("session disconnected", "conn", sess.ID(), "room", code)
	r.broadcastPresence(code)
}

// handleSubmitRequest forwards a moderated request to the room's general
// membership and its teacher-alert group. The two audiences are merged by
// connection id so no session observes the event twice; the redundant
// emit guarantees delivery whether or not the teacher joined the general
// room in time. Repeated identical requests are not deduplicated here.
func (r *Relay) handleSubmitRequest(sess room.Session, p types.SubmitRequestPayload) {
	code := types.NormalizeRoomCode(p.RoomCode)
	if code == "" || !types.IsValidRequestKind(p.Kind) {
		metricDroppedEvents.Inc()
		slog.Warn("request dropped: missing room code or invalid kind", "kind", p.Kind)
		return
	}

	relayed := types.RelayedRequest{
		Kind:               p.Kind,
		Payload:            p.Payload,
		OriginConnectionID: sess.ID(),
		Timestamp:          time.Now(),
	}

	targets := make(map[string]room.Session)
	for _, s := range r.registry.RoomSessions(code) {
		targets[s.ID()] = s
	}
	for _, s := range r.registry.TeacherAlertSessions(code) {
		targets[s.ID()] = s
	}

	for _, s := range targets {
		if err := s.Send(types.EventRequestRelayed, relayed); err != nil {
			slog.Warn("failed to relay request", "conn", s.ID(), "error", err)
		}
	}

	metricRequestsRelayed.WithLabelValues(p.Kind).Inc()
	slog.Info("request relayed", "room", code, "kind", p.Kind, "origin", sess.ID())
}

// handleSubmitDecision delivers the teacher's decision to exactly the
// requesting connection. A requester that disconnected while awaiting the
// decision is unreachable by definition, so the emit is a silent no-op.
func (r *Relay) handleSubmitDecision(p types.SubmitDecisionPayload) {
	if p.OriginConnectionID == "" {
		metricDroppedEvents.Inc()
		slog.Warn("decision dropped: missing origin connection id")
		return
	}

	target, ok := r.registry.Session(p.OriginConnectionID)
	if !ok {
		metricStaleDecisions.Inc()
		slog.Debug("decision target no longer connected", "origin", p.OriginConnectionID)
		return
	}

	if err := target.Send(types.EventDecisionRelayed, types.RelayedDecision{
		Approved: p.Approved,
		Kind:     p.Kind,
	}); err != nil {
		slog.Warn("failed to deliver decision", "conn", target.ID(), "error", err)
		return
	}
	metricDecisionsRelayed.Inc()
}

// broadcastStart is purely a notification; the countdown is enforced by
// each client, not tracked here.
func (r *Relay) broadcastStart(roomCode string, timeLimitSeconds int) {
	if roomCode == "" {
		metricDroppedEvents.Inc()
		return
	}
	r.broadcast(roomCode, types.EventActivityStarted, map[string]any{
		"time_limit_seconds": timeLimitSeconds,
	})
	slog.Info("activity started", "room", roomCode, "time_limit_seconds", timeLimitSeconds)
}

// broadcastStop notifies the room, then discards its membership tracking
// so a terminated code cannot keep reporting stale counts.
func (r *Relay) broadcastStop(roomCode string) {
	if roomCode == "" {
		metricDroppedEvents.Inc()
		return
	}
	r.broadcast(roomCode, types.EventActivityStopped, map[string]any{})
	r.registry.DropRoom(roomCode)
	slog.Info("activity stopped", "room", roomCode)
}

func (r *Relay) broadcastPresence(roomCode string) {
	snap := r.registry.Presence(roomCode)
	r.broadcast(roomCode, types.EventPresenceUpdated, snap)
	metricPresenceBroadcasts.Inc()
}

func (r *Relay) broadcast(roomCode, event string, data any) {
	for _, s := range r.registry.RoomSessions(roomCode) {
		if err := s.Send(event, data); err != nil {
			slog.Warn("broadcast delivery failed", "conn", s.ID(), "event", event, "error", err)
		}
	}
}
