package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"evalroom/pkg/types"
)

const activityCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Store is the persistence service: activities, groups, members and peer
// evaluations. It owns nothing about live room state; the coordination
// layer treats activity codes as opaque room keys.
type Store struct {
	db *sqlx.DB

	// SQLite allows one writer at a time; serializing writes here avoids
	// SQLITE_BUSY churn under concurrent API calls.
	writeMu sync.Mutex
}

// Open opens (and if needed creates) the database at path and ensures the
// schema exists. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func newActivityCode() string {
	code := make([]byte, 5)
	for i := range code {
		code[i] = activityCodeAlphabet[rand.Intn(len(activityCodeAlphabet))]
	}
	return string(code)
}

func newGroupCode() string {
	return fmt.Sprintf("GRP-%04d", 1000+rand.Intn(9000))
}

// Weights are the percentage split of the three score components.
type Weights struct {
	Group      int `json:"group"`
	Individual int `json:"individual"`
	Intragroup int `json:"intragroup"`
}

// DefaultWeights matches the split used when a teacher creates an activity
// without customizing it.
func DefaultWeights() Weights {
	return Weights{Group: 34, Individual: 33, Intragroup: 33}
}

// CreateActivity stores a new activity in the waiting state under a fresh
// random code.
func (s *Store) CreateActivity(ctx context.Context, name string, weights Weights) (*types.Activity, error) {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}

	activity := &types.Activity{
		ID:               uuid.New().String(),
		Code:             newActivityCode(),
		Name:             name,
		Status:           types.ActivityWaiting,
		GroupWeight:      weights.Group,
		IndividualWeight: weights.Individual,
		IntragroupWeight: weights.Intragroup,
		CreatedAt:        time.Now().UTC(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Retry on the unlikely code collision.
	for attempt := 0; ; attempt++ {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO activities (id, code, name, status, group_weight, individual_weight, intragroup_weight, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			activity.ID, activity.Code, activity.Name, activity.Status,
			activity.GroupWeight, activity.IndividualWeight, activity.IntragroupWeight, activity.CreatedAt)
		if err == nil {
			return activity, nil
		}
		if attempt < 3 {
			activity.Code = newActivityCode()
			continue
		}
		return nil, fmt.Errorf("create activity: %w", err)
	}
}

// ActivityByCode looks up an activity by its normalized code.
func (s *Store) ActivityByCode(ctx context.Context, code string) (*types.Activity, error) {
	var activity types.Activity
	err := s.db.GetContext(ctx, &activity,
		`SELECT * FROM activities WHERE code = ?`, types.NormalizeRoomCode(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActivityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup activity: %w", err)
	}
	return &activity, nil
}

// StartActivity marks an activity active and records its countdown.
func (s *Store) StartActivity(ctx context.Context, code string, durationMinutes int) (*types.Activity, error) {
	activity, err := s.ActivityByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if activity.Status == types.ActivityFinished {
		return nil, ErrActivityFinished
	}

	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE activities SET status = ?, started_at = ?, duration_minutes = ? WHERE id = ?`,
		types.ActivityActive, now, durationMinutes, activity.ID); err != nil {
		return nil, fmt.Errorf("start activity: %w", err)
	}

	activity.Status = types.ActivityActive
	activity.StartedAt = &now
	activity.DurationMinutes = &durationMinutes
	return activity, nil
}

// FinishActivity marks an activity finished. Idempotent.
func (s *Store) FinishActivity(ctx context.Context, code string) (*types.Activity, error) {
	activity, err := s.ActivityByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE activities SET status = ? WHERE id = ?`,
		types.ActivityFinished, activity.ID); err != nil {
		return nil, fmt.Errorf("finish activity: %w", err)
	}

	activity.Status = types.ActivityFinished
	return activity, nil
}

// DeleteActivity removes an activity and, through cascading deletes, its
// groups, members and evaluations.
func (s *Store) DeleteActivity(ctx context.Context, code string) error {
	activity, err := s.ActivityByCode(ctx, code)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE id = ?`, activity.ID); err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	return nil
}

// CreateGroup creates a group inside an activity with its leader as the
// first member.
func (s *Store) CreateGroup(ctx context.Context, activityCode, groupName, leaderName string) (*types.Group, *types.Student, error) {
	activity, err := s.ActivityByCode(ctx, activityCode)
	if err != nil {
		return nil, nil, err
	}

	group := &types.Group{
		ID:         uuid.New().String(),
		Code:       newGroupCode(),
		Name:       groupName,
		ActivityID: activity.ID,
	}
	leader := &types.Student{
		ID:      uuid.New().String(),
		Name:    leaderName,
		GroupID: group.ID,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO groups (id, code, name, activity_id) VALUES (?, ?, ?, ?)`,
		group.ID, group.Code, group.Name, group.ActivityID); err != nil {
		return nil, nil, fmt.Errorf("create group: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO students (id, name, group_id) VALUES (?, ?, ?)`,
		leader.ID, leader.Name, leader.GroupID); err != nil {
		return nil, nil, fmt.Errorf("create leader: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE groups SET leader_id = ? WHERE id = ?`, leader.ID, group.ID); err != nil {
		return nil, nil, fmt.Errorf("set leader: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	group.LeaderID = &leader.ID
	return group, leader, nil
}

// GroupByCode looks up a group by its join code.
func (s *Store) GroupByCode(ctx context.Context, code string) (*types.Group, error) {
	var group types.Group
	err := s.db.GetContext(ctx, &group, `SELECT * FROM groups WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup group: %w", err)
	}
	return &group, nil
}

// JoinGroup adds a student to a group and returns the student together
// with the activity code of the group's activity (for the groups-changed
// broadcast).
func (s *Store) JoinGroup(ctx context.Context, groupCode, studentName string) (*types.Student, string, error) {
	group, err := s.GroupByCode(ctx, groupCode)
	if err != nil {
		return nil, "", err
	}

	var activityCode string
	if err := s.db.GetContext(ctx, &activityCode,
		`SELECT code FROM activities WHERE id = ?`, group.ActivityID); err != nil {
		return nil, "", fmt.Errorf("lookup activity code: %w", err)
	}

	student := &types.Student{
		ID:      uuid.New().String(),
		Name:    studentName,
		GroupID: group.ID,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO students (id, name, group_id) VALUES (?, ?, ?)`,
		student.ID, student.Name, student.GroupID); err != nil {
		return nil, "", fmt.Errorf("join group: %w", err)
	}
	return student, activityCode, nil
}

// GroupMembers lists the members of a group.
func (s *Store) GroupMembers(ctx context.Context, groupCode string) ([]types.Student, error) {
	group, err := s.GroupByCode(ctx, groupCode)
	if err != nil {
		return nil, err
	}

	members := []types.Student{}
	if err := s.db.SelectContext(ctx, &members,
		`SELECT * FROM students WHERE group_id = ? ORDER BY name`, group.ID); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// GroupsDetail lists an activity's groups with their members.
func (s *Store) GroupsDetail(ctx context.Context, activityCode string) ([]types.GroupDetail, error) {
	activity, err := s.ActivityByCode(ctx, activityCode)
	if err != nil {
		return nil, err
	}

	groups := []types.Group{}
	if err := s.db.SelectContext(ctx, &groups,
		`SELECT * FROM groups WHERE activity_id = ? ORDER BY name`, activity.ID); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	details := make([]types.GroupDetail, 0, len(groups))
	for _, g := range groups {
		members := []types.Student{}
		if err := s.db.SelectContext(ctx, &members,
			`SELECT * FROM students WHERE group_id = ? ORDER BY name`, g.ID); err != nil {
			return nil, fmt.Errorf("list members of %s: %w", g.Code, err)
		}
		details = append(details, types.GroupDetail{Group: g, Members: members})
	}
	return details, nil
}

// RemoveStudent takes a student out of their group, deleting their votes
// and any votes cast on them. A departing leader hands the group to
// newLeaderID when given, otherwise to the first remaining member; a group
// emptied by its leader's departure is deleted. Returns the activity code
// for the groups-changed broadcast.
func (s *Store) RemoveStudent(ctx context.Context, studentID, newLeaderID string) (string, error) {
	var student types.Student
	err := s.db.GetContext(ctx, &student, `SELECT * FROM students WHERE id = ?`, studentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrStudentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup student: %w", err)
	}

	var group types.Group
	if err := s.db.GetContext(ctx, &group, `SELECT * FROM groups WHERE id = ?`, student.GroupID); err != nil {
		return "", fmt.Errorf("lookup group: %w", err)
	}

	var activityCode string
	if err := s.db.GetContext(ctx, &activityCode,
		`SELECT code FROM activities WHERE id = ?`, group.ActivityID); err != nil {
		return "", fmt.Errorf("lookup activity code: %w", err)
	}

	remaining := []string{}
	if err := s.db.SelectContext(ctx, &remaining,
		`SELECT id FROM students WHERE group_id = ? AND id != ? ORDER BY name`, group.ID, studentID); err != nil {
		return "", fmt.Errorf("list remaining members: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM evaluations WHERE evaluator_id = ? OR student_id = ?`, studentID, studentID); err != nil {
		return "", fmt.Errorf("delete evaluations: %w", err)
	}

	isLeader := group.LeaderID != nil && *group.LeaderID == studentID
	switch {
	case isLeader && len(remaining) == 0:
		// Last member out: the group goes too. Cascades take the student.
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, group.ID); err != nil {
			return "", fmt.Errorf("delete emptied group: %w", err)
		}
	case isLeader:
		successor := newLeaderID
		if successor == "" {
			successor = remaining[0]
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE groups SET leader_id = ? WHERE id = ?`, successor, group.ID); err != nil {
			return "", fmt.Errorf("hand off leadership: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, studentID); err != nil {
			return "", fmt.Errorf("delete student: %w", err)
		}
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, studentID); err != nil {
			return "", fmt.Errorf("delete student: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return activityCode, nil
}

// Vote is one star-rating in a batch submission. StudentID is empty for
// group-level votes.
type Vote struct {
	Kind      string `json:"kind"`
	Score     int    `json:"score"`
	StudentID string `json:"student_id,omitempty"`
}

// SaveEvaluations upserts a batch of votes: re-submitting the same vote
// replaces the score rather than stacking a duplicate row.
func (s *Store) SaveEvaluations(ctx context.Context, evaluatorID, groupID string, votes []Vote) error {
	for _, v := range votes {
		if !types.IsValidEvaluationKind(v.Kind) {
			return ErrInvalidKind
		}
		if v.Score < 1 || v.Score > 5 {
			return ErrInvalidScore
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, v := range votes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evaluations (id, evaluator_id, group_id, student_id, kind, score)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (evaluator_id, group_id, student_id, kind)
			 DO UPDATE SET score = excluded.score`,
			uuid.New().String(), evaluatorID, groupID, v.StudentID, v.Kind, v.Score); err != nil {
			return fmt.Errorf("save evaluation: %w", err)
		}
	}

	return tx.Commit()
}

// Evaluations lists the stored votes on a group.
func (s *Store) Evaluations(ctx context.Context, groupID string) ([]types.Evaluation, error) {
	rows := []struct {
		ID          string `db:"id"`
		EvaluatorID string `db:"evaluator_id"`
		GroupID     string `db:"group_id"`
		StudentID   string `db:"student_id"`
		Kind        string `db:"kind"`
		Score       int    `db:"score"`
	}{}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM evaluations WHERE group_id = ?`, groupID); err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	evals := make([]types.Evaluation, 0, len(rows))
	for _, row := range rows {
		e := types.Evaluation{
			ID:          row.ID,
			EvaluatorID: row.EvaluatorID,
			GroupID:     row.GroupID,
			Kind:        row.Kind,
			Score:       row.Score,
		}
		if row.StudentID != "" {
			id := row.StudentID
			e.StudentID = &id
		}
		evals = append(evals, e)
	}
	return evals, nil
}
