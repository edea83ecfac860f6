package logging

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// #endregion helpers

// #region append-tests
func TestAppend_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := Entry{
		SessionID:  "s1",
		ChunkIndex: 2,
		Level:      LevelWarn,
		Code:       "extraction_failed",
		Message:    "extractor timed out",
		DetailJSON: `{"attempt":1}`,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := Append(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM session_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var sessionID, level string
	db.QueryRow("SELECT session_id, level FROM session_log").Scan(&sessionID, &level)
	if sessionID != "s1" {
		t.Errorf("expected session_id 's1', got %q", sessionID)
	}
	if level != LevelWarn {
		t.Errorf("expected level 'warn', got %q", level)
	}
}

func TestAppend_Defaults(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC()
	if err := Append(db, Entry{SessionID: "s1", Message: "started"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var level, createdAtStr string
	var code, detail sql.NullString
	db.QueryRow("SELECT level, code, detail_json, created_at FROM session_log").Scan(&level, &code, &detail, &createdAtStr)
	if level != LevelInfo {
		t.Errorf("expected default level 'info', got %q", level)
	}
	if code.Valid || detail.Valid {
		t.Error("expected NULL code and detail_json for empty strings")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestAppend_EmptySession(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	if err := Append(db, Entry{Message: "orphan"}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestAppend_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := Append(db, Entry{SessionID: "s1", Message: "x"}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

// #endregion append-tests

// #region list-tests
func TestSessionLog_ListIsPerSessionAndOrdered(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	log, err := NewSessionLog(db)
	if err != nil {
		t.Fatalf("new session log: %v", err)
	}
	log.Append(Entry{SessionID: "s1", ChunkIndex: 1, Message: "first"})
	log.Append(Entry{SessionID: "s2", ChunkIndex: 1, Message: "other"})
	log.Append(Entry{SessionID: "s1", ChunkIndex: 2, Level: LevelWarn, Code: "unknown_rule", Message: "second"})

	entries, err := log.List("s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "first" || entries[1].Message != "second" {
		t.Errorf("unexpected order: %+v", entries)
	}
	if entries[1].Code != "unknown_rule" {
		t.Errorf("expected code to round trip, got %q", entries[1].Code)
	}
}

// #endregion list-tests

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	result := nullIfEmpty("")
	if result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	result := nullIfEmpty("hello")
	if result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests
