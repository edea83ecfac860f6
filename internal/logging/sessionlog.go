package logging

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS session_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	chunk_index   INTEGER NOT NULL,
	level         TEXT NOT NULL,
	code          TEXT,
	message       TEXT NOT NULL,
	detail_json   TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS session_log_session ON session_log (session_id, id);
`

// Migrate creates the session_log table if it does not exist.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate session_log: %w", err)
	}
	return nil
}
// #endregion schema

// #region append
// Append writes one entry to the session_log table.
func Append(db *sql.DB, entry Entry) error {
	if strings.TrimSpace(entry.SessionID) == "" {
		return errors.New("log entry: empty session id")
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO session_log (session_id, chunk_index, level, code, message, detail_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID,
		entry.ChunkIndex,
		entry.Level,
		nullIfEmpty(entry.Code),
		entry.Message,
		nullIfEmpty(entry.DetailJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	return nil
}
// #endregion append

// #region list
// List returns the session's entries in insertion order.
func List(db *sql.DB, sessionID string) ([]Entry, error) {
	rows, err := db.Query(
		`SELECT id, session_id, chunk_index, level, code, message, detail_json, created_at
		 FROM session_log WHERE session_id = ? ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var code, detail sql.NullString
		var createdStr string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ChunkIndex, &e.Level, &code, &e.Message, &detail, &createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Code = code.String
		e.DetailJSON = detail.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, e)
	}
	return out, rows.Err()
}
// #endregion list

// #region session-log
// SessionLog binds Append and List to one database.
type SessionLog struct {
	db *sql.DB
}

// NewSessionLog migrates db and returns a log writing to it.
func NewSessionLog(db *sql.DB) (*SessionLog, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &SessionLog{db: db}, nil
}

func (l *SessionLog) Append(entry Entry) error { return Append(l.db, entry) }

func (l *SessionLog) List(sessionID string) ([]Entry, error) { return List(l.db, sessionID) }
// #endregion session-log

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
