package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Inbound event names accepted over the WebSocket.
const (
	EventJoinRoom       = "join-room"
	EventSubmitRequest  = "submit-request"
	EventSubmitDecision = "submit-decision"
	EventStartActivity  = "start-activity"
	EventStopActivity   = "stop-activity"
)

// Outbound event names emitted to clients.
const (
	EventPresenceUpdated = "presence-updated"
	EventJoinRejected    = "join-rejected"
	EventRequestRelayed  = "request-relayed"
	EventDecisionRelayed = "decision-relayed"
	EventActivityStarted = "activity-started"
	EventActivityStopped = "activity-stopped"
	EventGroupsChanged   = "groups-changed"
)

// Role of a bound session. Derived once at join time from the teacher
// sentinel name; it never changes afterwards.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Moderated request kinds carried by the relay.
const (
	RequestKindLateJoin   = "late_join"
	RequestKindLeaveGroup = "leave_group"
)

// IsValidRequestKind reports whether kind is one of the relayed request kinds.
func IsValidRequestKind(kind string) bool {
	return kind == RequestKindLateJoin || kind == RequestKindLeaveGroup
}

// Activity status values stored by the persistence service.
const (
	ActivityWaiting  = "waiting"
	ActivityActive   = "active"
	ActivityFinished = "finished"
)

// NormalizeRoomCode canonicalizes an activity code for use as a room key:
// trimmed and uppercased. An empty result is not a valid coordination key.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// FoldName canonicalizes a display name for conflict comparison only
// (case-insensitive, trimmed). Stored display names keep their original form.
func FoldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Envelope is the wire frame for every inbound WebSocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbound is the wire frame for every message the server emits.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JoinRoomPayload binds a connection to a room under a display name.
type JoinRoomPayload struct {
	RoomCode    string `json:"room_code"`
	DisplayName string `json:"display_name"`
}

// SubmitRequestPayload carries a student-initiated moderated request.
// Payload is opaque to the relay and forwarded unmodified.
type SubmitRequestPayload struct {
	RoomCode string         `json:"room_code"`
	Kind     string         `json:"kind"`
	Payload  map[string]any `json:"payload"`
}

// SubmitDecisionPayload routes the teacher's decision back to the exact
// connection that originated a request.
type SubmitDecisionPayload struct {
	OriginConnectionID string `json:"origin_connection_id"`
	Approved           bool   `json:"approved"`
	Kind               string `json:"kind"`
}

// StartActivityPayload announces an activity start with its countdown.
type StartActivityPayload struct {
	RoomCode         string `json:"room_code"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
}

// StopActivityPayload terminates a room's activity.
type StopActivityPayload struct {
	RoomCode string `json:"room_code"`
}

// PresenceSnapshot is the recomputed view of connected students in a room.
type PresenceSnapshot struct {
	Count int      `json:"count"`
	Names []string `json:"names"`
}

// RelayedRequest is broadcast to the room and its teacher-alert group when
// a student submits a moderated request.
type RelayedRequest struct {
	Kind               string         `json:"kind"`
	Payload            map[string]any `json:"payload"`
	OriginConnectionID string         `json:"origin_connection_id"`
	Timestamp          time.Time      `json:"timestamp"`
}

// RelayedDecision is delivered only to the requesting connection.
type RelayedDecision struct {
	Approved bool   `json:"approved"`
	Kind     string `json:"kind"`
}

// Activity is a stored peer-evaluation activity. Weights are percentages
// applied by reporting clients; the server only stores them.
type Activity struct {
	ID               string     `json:"id" db:"id"`
	Code             string     `json:"code" db:"code"`
	Name             string     `json:"name" db:"name"`
	Status           string     `json:"status" db:"status"`
	GroupWeight      int        `json:"group_weight" db:"group_weight"`
	IndividualWeight int        `json:"individual_weight" db:"individual_weight"`
	IntragroupWeight int        `json:"intragroup_weight" db:"intragroup_weight"`
	DurationMinutes  *int       `json:"duration_minutes,omitempty" db:"duration_minutes"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Group is a stored student group within an activity.
type Group struct {
	ID         string  `json:"id" db:"id"`
	Code       string  `json:"code" db:"code"`
	Name       string  `json:"name" db:"name"`
	ActivityID string  `json:"activity_id" db:"activity_id"`
	LeaderID   *string `json:"leader_id,omitempty" db:"leader_id"`
}

// GroupDetail is a group together with its members.
type GroupDetail struct {
	Group
	Members []Student `json:"members"`
}

// Student is a stored group member.
type Student struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	GroupID string `json:"group_id" db:"group_id"`
}

// Evaluation kinds mirror the three weighted score components.
const (
	EvaluationGroup      = "group"
	EvaluationIndividual = "individual"
	EvaluationIntragroup = "intragroup"
)

// IsValidEvaluationKind reports whether kind names a score component.
func IsValidEvaluationKind(kind string) bool {
	switch kind {
	case EvaluationGroup, EvaluationIndividual, EvaluationIntragroup:
		return true
	}
	return false
}

// Evaluation is one star-rating vote. StudentID is nil for group-level votes.
type Evaluation struct {
	ID          string  `json:"id" db:"id"`
	EvaluatorID string  `json:"evaluator_id" db:"evaluator_id"`
	GroupID     string  `json:"group_id" db:"group_id"`
	StudentID   *string `json:"student_id,omitempty" db:"student_id"`
	Kind        string  `json:"kind" db:"kind"`
	Score       int     `json:"score" db:"score"`
}
