package store

// SQLite schema for the persistence service. Weight columns are stored for
// reporting clients; the server never computes aggregates from them.
const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id                TEXT PRIMARY KEY,
	code              TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'waiting',
	group_weight      INTEGER NOT NULL DEFAULT 34,
	individual_weight INTEGER NOT NULL DEFAULT 33,
	intragroup_weight INTEGER NOT NULL DEFAULT 33,
	duration_minutes  INTEGER,
	started_at        DATETIME,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS groups (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	activity_id TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
	leader_id   TEXT
);

CREATE TABLE IF NOT EXISTS students (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS evaluations (
	id           TEXT PRIMARY KEY,
	evaluator_id TEXT NOT NULL,
	group_id     TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	student_id   TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	score        INTEGER NOT NULL,
	UNIQUE (evaluator_id, group_id, student_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_groups_activity ON groups(activity_id);
CREATE INDEX IF NOT EXISTS idx_students_group ON students(group_id);
`
