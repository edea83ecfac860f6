package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id        TEXT NOT NULL,
	chunk_index       INTEGER NOT NULL,
	protocol_version  INTEGER NOT NULL,
	chunk_words       INTEGER NOT NULL,
	cumulative_words  INTEGER NOT NULL,
	delta_json        TEXT NOT NULL,
	snapshot_json     TEXT NOT NULL,
	prose             TEXT NOT NULL,
	warnings_json     TEXT,
	created_at        TEXT NOT NULL,
	PRIMARY KEY (session_id, chunk_index)
);
`
// #endregion schema

// #region store-struct
// SQLiteStore keeps checkpoints in one SQLite table. Each Write is its own
// transaction, so a crash between chunks never touches earlier rows.
type SQLiteStore struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}
// #endregion constructor

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// #region write
// Write inserts one checkpoint. A second write for the same key fails with
// ErrCheckpointExists and leaves the stored row untouched.
func (s *SQLiteStore) Write(cp Checkpoint) error {
	if err := cp.validate(); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	deltaJSON, err := json.Marshal(cp.Delta)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	snapJSON, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var warningsPtr interface{}
	if len(cp.Warnings) > 0 {
		b, err := json.Marshal(cp.Warnings)
		if err != nil {
			return fmt.Errorf("marshal warnings: %w", err)
		}
		warningsPtr = string(b)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM checkpoints WHERE session_id = ? AND chunk_index = ?`,
		cp.SessionID, cp.ChunkIndex,
	).Scan(&exists)
	if err != nil {
		return storageErr("check checkpoint", err)
	}
	if exists > 0 {
		return fmt.Errorf("session %s chunk %d: %w", cp.SessionID, cp.ChunkIndex, ErrCheckpointExists)
	}

	_, err = tx.Exec(
		`INSERT INTO checkpoints (session_id, chunk_index, protocol_version, chunk_words, cumulative_words,
		 delta_json, snapshot_json, prose, warnings_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.ChunkIndex, cp.ProtocolVersion, cp.ChunkWordCount, cp.CumulativeWordCount,
		string(deltaJSON), string(snapJSON), cp.Prose, warningsPtr,
		cp.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return storageErr("insert checkpoint", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}
// #endregion write

// #region read
const selectColumns = `SELECT session_id, chunk_index, protocol_version, chunk_words, cumulative_words,
	delta_json, snapshot_json, prose, warnings_json, created_at FROM checkpoints`

// List returns every checkpoint of the session in ascending chunk order.
func (s *SQLiteStore) List(sessionID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(selectColumns+` WHERE session_id = ? ORDER BY chunk_index ASC`, sessionID)
	if err != nil {
		return nil, storageErr("list checkpoints", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list checkpoints", err)
	}
	return out, nil
}

// LoadLatest returns the highest-index checkpoint of the session.
func (s *SQLiteStore) LoadLatest(sessionID string) (Checkpoint, bool, error) {
	row := s.db.QueryRow(selectColumns+` WHERE session_id = ? ORDER BY chunk_index DESC LIMIT 1`, sessionID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Sessions lists every session id that has at least one checkpoint.
func (s *SQLiteStore) Sessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT session_id FROM checkpoints ORDER BY session_id`)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan session", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (Checkpoint, error) {
	var cp Checkpoint
	var deltaJSON, snapJSON, createdStr string
	var warningsJSON sql.NullString

	err := row.Scan(&cp.SessionID, &cp.ChunkIndex, &cp.ProtocolVersion, &cp.ChunkWordCount,
		&cp.CumulativeWordCount, &deltaJSON, &snapJSON, &cp.Prose, &warningsJSON, &createdStr)
	if err == sql.ErrNoRows {
		return Checkpoint{}, err
	}
	if err != nil {
		return Checkpoint{}, storageErr("scan checkpoint", err)
	}

	if err := json.Unmarshal([]byte(deltaJSON), &cp.Delta); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal delta: %w", err)
	}
	if err := json.Unmarshal([]byte(snapJSON), &cp.Snapshot); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if warningsJSON.Valid {
		if err := json.Unmarshal([]byte(warningsJSON.String), &cp.Warnings); err != nil {
			return Checkpoint{}, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return cp, nil
}
// #endregion read
