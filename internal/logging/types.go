package logging

import "time"

// Levels used in session_log.level.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// #region entry
// Entry is a single row in the session_log table. Every non-fatal condition of
// a session (extraction failures, parse warnings, monotonicity violations,
// retried generation attempts) lands here.
type Entry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	ChunkIndex int       `json:"chunk_index"`
	Level      string    `json:"level"` // "info" | "warn" | "error"
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	DetailJSON string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
// #endregion entry
