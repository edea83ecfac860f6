package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "cp/"

// #region badger-config
// BadgerConfig holds configuration for a Badger-backed checkpoint store.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites makes each Write durable before it returns.
	SyncWrites bool
	// Logger receives Badger's internal log. Nil disables it.
	Logger *slog.Logger
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// #endregion badger-config

// #region badger-store
// BadgerStore keeps checkpoints under keys "cp/<session>/<chunk>", with the
// chunk index zero-padded so key order is chunk order.
type BadgerStore struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
}

// NewBadgerStore opens a Badger database with cfg.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// #endregion badger-store

// #region badger-write
// Write stores the checkpoint in its own transaction. Writing an existing key
// fails with ErrCheckpointExists.
func (s *BadgerStore) Write(cp Checkpoint) error {
	if err := cp.validate(); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	val, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	key := chunkKey(cp.SessionID, cp.ChunkIndex)

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("session %s chunk %d: %w", cp.SessionID, cp.ChunkIndex, ErrCheckpointExists)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return storageErr("check checkpoint", err)
		}
		if err := txn.Set(key, val); err != nil {
			return storageErr("set checkpoint", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCheckpointExists) || errors.Is(err, ErrStorage) {
			return err
		}
		return storageErr("commit", err)
	}
	return nil
}

// #endregion badger-write

// #region badger-read
// List returns the session's checkpoints in ascending chunk order.
func (s *BadgerStore) List(sessionID string) ([]Checkpoint, error) {
	prefix := sessionPrefix(sessionID)
	var out []Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !ownKey(item.Key(), prefix) {
				continue
			}
			cp, err := decodeItem(item)
			if err != nil {
				return err
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadLatest returns the highest-index checkpoint of the session.
func (s *BadgerStore) LoadLatest(sessionID string) (Checkpoint, bool, error) {
	prefix := sessionPrefix(sessionID)
	var cp Checkpoint
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, Reverse: true})
		defer it.Close()
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if !ownKey(it.Item().Key(), prefix) {
				continue
			}
			var err error
			cp, err = decodeItem(it.Item())
			if err != nil {
				return err
			}
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, found, nil
}

// Sessions lists every session id that has at least one checkpoint.
func (s *BadgerStore) Sessions() ([]string, error) {
	seen := map[string]bool{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			i := bytes.LastIndexByte(k, '/')
			if i <= len(keyPrefix) {
				continue
			}
			seen[string(k[len(keyPrefix):i])] = true
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func decodeItem(item *badger.Item) (Checkpoint, error) {
	var cp Checkpoint
	err := item.Value(func(val []byte) error {
		var err error
		cp, err = decodeCheckpoint(val)
		return err
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read %s: %w", item.Key(), err)
	}
	return cp, nil
}

// #endregion badger-read

// #region keys
func sessionPrefix(sessionID string) []byte {
	return []byte(keyPrefix + sessionID + "/")
}

func chunkKey(sessionID string, chunk int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", keyPrefix, sessionID, chunk))
}

// ownKey rejects keys of a longer session id that shares the prefix ("a" vs "a/b").
func ownKey(key, prefix []byte) bool {
	rest := key[len(prefix):]
	if bytes.IndexByte(rest, '/') >= 0 {
		return false
	}
	_, err := strconv.Atoi(string(rest))
	return err == nil
}

// #endregion keys
