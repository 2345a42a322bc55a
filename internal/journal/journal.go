package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS executions (
	request_id    TEXT PRIMARY KEY,
	action        TEXT NOT NULL,
	target        TEXT NOT NULL,
	success       INTEGER NOT NULL,
	details       TEXT,
	execution_us  INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS revisions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	target        TEXT NOT NULL,
	revision      INTEGER NOT NULL,
	replicas      INTEGER NOT NULL,
	params_json   TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_revisions_target ON revisions(target, id);
`

// #endregion schema

// #region types

// ExecutionRecord is the idempotency ledger entry for one actuation.
// A request id that already has a record must not be applied again.
type ExecutionRecord struct {
	RequestID     string
	Action        string
	Target        string
	Success       bool
	Details       string
	ExecutionTime time.Duration
	CreatedAt     time.Time
}

// Revision is one recorded configuration of a target, the unit a
// rollback reverts to.
type Revision struct {
	Target    string
	Revision  int64
	Replicas  int
	Params    map[string]float64
	CreatedAt time.Time
}

// #endregion types

// #region journal-struct

// Journal persists actuation executions and target revisions in SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens the journal database and runs migrations.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// #endregion journal-struct

// #region executions

// RecordExecution inserts the record. A second insert under the same
// request id fails on the primary key, which callers rely on to detect
// a concurrent duplicate.
func (j *Journal) RecordExecution(rec ExecutionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := j.db.Exec(
		`INSERT INTO executions (request_id, action, target, success, details, execution_us, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Action, rec.Target, boolToInt(rec.Success),
		nullIfEmpty(rec.Details), rec.ExecutionTime.Microseconds(),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", rec.RequestID, err)
	}
	return nil
}

// GetExecution looks up a prior execution by request id.
func (j *Journal) GetExecution(requestID string) (ExecutionRecord, bool, error) {
	row := j.db.QueryRow(
		`SELECT request_id, action, target, success, details, execution_us, created_at
		 FROM executions WHERE request_id = ?`, requestID)

	var rec ExecutionRecord
	var success int
	var details sql.NullString
	var us int64
	var createdAt string
	err := row.Scan(&rec.RequestID, &rec.Action, &rec.Target, &success, &details, &us, &createdAt)
	if err == sql.ErrNoRows {
		return ExecutionRecord{}, false, nil
	}
	if err != nil {
		return ExecutionRecord{}, false, fmt.Errorf("get execution %s: %w", requestID, err)
	}

	rec.Success = success != 0
	rec.Details = details.String
	rec.ExecutionTime = time.Duration(us) * time.Microsecond
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ExecutionRecord{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	return rec, true, nil
}

// RecentExecutions returns the newest executions, most recent first.
func (j *Journal) RecentExecutions(limit int) ([]ExecutionRecord, error) {
	rows, err := j.db.Query(
		`SELECT request_id, action, target, success, details, execution_us, created_at
		 FROM executions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var success int
		var details sql.NullString
		var us int64
		var createdAt string
		if err := rows.Scan(&rec.RequestID, &rec.Action, &rec.Target, &success, &details, &us, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Success = success != 0
		rec.Details = details.String
		rec.ExecutionTime = time.Duration(us) * time.Microsecond
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion executions

// #region revisions

// RecordRevision appends a revision for the target.
func (j *Journal) RecordRevision(rev Revision) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	paramsJSON, err := json.Marshal(rev.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = j.db.Exec(
		`INSERT INTO revisions (target, revision, replicas, params_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rev.Target, rev.Revision, rev.Replicas, string(paramsJSON),
		rev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record revision %s/%d: %w", rev.Target, rev.Revision, err)
	}
	return nil
}

// LatestRevision returns the most recent revision of the target.
func (j *Journal) LatestRevision(target string) (Revision, bool, error) {
	return j.revisionAt(target, 0)
}

// PriorRevision returns the revision before the latest one: the state a
// rollback reverts the target to.
func (j *Journal) PriorRevision(target string) (Revision, bool, error) {
	return j.revisionAt(target, 1)
}

func (j *Journal) revisionAt(target string, offset int) (Revision, bool, error) {
	row := j.db.QueryRow(
		`SELECT target, revision, replicas, params_json, created_at
		 FROM revisions WHERE target = ? ORDER BY id DESC LIMIT 1 OFFSET ?`,
		target, offset)

	var rev Revision
	var paramsJSON sql.NullString
	var createdAt string
	err := row.Scan(&rev.Target, &rev.Revision, &rev.Replicas, &paramsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return Revision{}, false, nil
	}
	if err != nil {
		return Revision{}, false, fmt.Errorf("revision lookup %s: %w", target, err)
	}

	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &rev.Params); err != nil {
			return Revision{}, false, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	rev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Revision{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	return rev, true, nil
}

// RevisionHistory returns the target's revisions, newest first.
func (j *Journal) RevisionHistory(target string, limit int) ([]Revision, error) {
	rows, err := j.db.Query(
		`SELECT target, revision, replicas, params_json, created_at
		 FROM revisions WHERE target = ? ORDER BY id DESC LIMIT ?`,
		target, limit)
	if err != nil {
		return nil, fmt.Errorf("list revisions %s: %w", target, err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var rev Revision
		var paramsJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&rev.Target, &rev.Revision, &rev.Replicas, &paramsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		if paramsJSON.Valid && paramsJSON.String != "" {
			if err := json.Unmarshal([]byte(paramsJSON.String), &rev.Params); err != nil {
				return nil, fmt.Errorf("unmarshal params: %w", err)
			}
		}
		if rev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// #endregion revisions

// #region helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
