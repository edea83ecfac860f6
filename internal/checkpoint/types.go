package checkpoint

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// ProtocolVersion is bumped whenever the Checkpoint or StateDelta shape changes.
// Version 2 added Prose and Warnings.
const ProtocolVersion = 2

var (
	// ErrCheckpointExists is returned when (session, chunk) was already written.
	ErrCheckpointExists = errors.New("checkpoint already exists")
	// ErrStorage wraps every failure of the persistence medium.
	ErrStorage = errors.New("checkpoint storage")
	// ErrInvalid is returned for checkpoints that cannot be keyed.
	ErrInvalid = errors.New("invalid checkpoint")
)

// #region checkpoint
// Checkpoint is the durable, immutable record of one chunk.
type Checkpoint struct {
	ProtocolVersion     int                  `json:"protocol_version" cbor:"protocol_version"`
	SessionID           string               `json:"session_id" cbor:"session_id"`
	ChunkIndex          int                  `json:"chunk_index" cbor:"chunk_index"`
	ChunkWordCount      int                  `json:"chunk_word_count" cbor:"chunk_word_count"`
	CumulativeWordCount int                  `json:"cumulative_word_count" cbor:"cumulative_word_count"`
	Delta               delta.StateDelta     `json:"state_delta" cbor:"state_delta"`
	Snapshot            state.CanonicalState `json:"state_snapshot" cbor:"state_snapshot"`
	Prose               string               `json:"prose" cbor:"prose"`
	Warnings            []delta.Warning      `json:"warnings,omitempty" cbor:"warnings,omitempty"`
	CreatedAt           time.Time            `json:"created_at" cbor:"created_at"`
}

func (c Checkpoint) validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalid)
	}
	if c.ChunkIndex < 1 {
		return fmt.Errorf("%w: chunk index %d", ErrInvalid, c.ChunkIndex)
	}
	if c.ProtocolVersion < 1 || c.ProtocolVersion > ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d", ErrInvalid, c.ProtocolVersion)
	}
	return nil
}

// #endregion checkpoint

// #region writer
// Writer persists checkpoints keyed by (session id, chunk index). Each Write is
// atomic and independent of every other key.
type Writer interface {
	Write(cp Checkpoint) error
	// List returns the session's checkpoints in ascending chunk order.
	List(sessionID string) ([]Checkpoint, error)
	// LoadLatest returns ok=false when the session has no checkpoints.
	LoadLatest(sessionID string) (cp Checkpoint, ok bool, err error)
	Sessions() ([]string, error)
	Close() error
}

// Open returns a Writer for the named backend: "sqlite" (path is a database
// file) or "badger" (path is a directory, empty for in-memory).
func Open(backend, path string) (Writer, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "badger":
		cfg := DefaultBadgerConfig()
		if path == "" {
			cfg = InMemoryBadgerConfig()
		}
		cfg.Path = path
		return NewBadgerStore(cfg)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}

// #endregion writer

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
