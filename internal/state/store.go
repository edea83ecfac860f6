package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// #region store-struct
// Store owns the canonical state of one session. It is not safe for concurrent
// use: the session's orchestrator loop is the only writer and reader. Other
// readers use checkpoint snapshots instead of the live state.
type Store struct {
	st  CanonicalState
	now func() time.Time
}

// #endregion store-struct

// #region constructor
// Initialize creates a fresh state seeded with params.RuleCount rules.
func Initialize(sessionID string, params UserParams) (*Store, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("initialize: session id: %w", ErrInvalidName)
	}
	if params.RuleCount < 0 {
		return nil, fmt.Errorf("initialize: rule count %d: %w", params.RuleCount, ErrInvalidParams)
	}
	s := &Store{now: func() time.Time { return time.Now().UTC() }}
	s.st = CanonicalState{
		SchemaVersion:     SchemaVersion,
		SessionID:         sessionID,
		UserParams:        params,
		Rules:             make([]Rule, 0, params.RuleCount),
		Capabilities:      map[string]Value{},
		IrreversibleFlags: map[string]Value{},
		WorldFacts:        map[string]Value{},
		Timeline:          []string{},
		DeltaLog:          []DeltaLogEntry{},
		CreatedAt:         s.now(),
	}
	for i := 1; i <= params.RuleCount; i++ {
		if err := s.AddRule(seedRule(i)); err != nil {
			return nil, fmt.Errorf("seed rules: %w", err)
		}
	}
	return s, nil
}

// FromSnapshot rebuilds a store from a checkpoint snapshot. The snapshot is cloned.
func FromSnapshot(snap CanonicalState) (*Store, error) {
	if snap.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("snapshot schema version %d, want %d", snap.SchemaVersion, SchemaVersion)
	}
	st := snap.Clone()
	if st.Capabilities == nil {
		st.Capabilities = map[string]Value{}
	}
	if st.IrreversibleFlags == nil {
		st.IrreversibleFlags = map[string]Value{}
	}
	if st.WorldFacts == nil {
		st.WorldFacts = map[string]Value{}
	}
	return &Store{st: st, now: func() time.Time { return time.Now().UTC() }}, nil
}

// #endregion constructor

// #region readers
// Get returns a deep copy of the current state.
func (s *Store) Get() CanonicalState {
	return s.st.Clone()
}

// SessionID returns the owning session id.
func (s *Store) SessionID() string {
	return s.st.SessionID
}

// Rule returns the rule with the given id.
func (s *Store) Rule(id string) (Rule, bool) {
	return s.st.Rule(id)
}

// Capability returns the current value of a capability.
func (s *Store) Capability(name string) (Value, bool) {
	v, ok := s.st.Capabilities[name]
	return v, ok
}

// Flag returns the current value of an irreversible flag.
func (s *Store) Flag(name string) (Value, bool) {
	v, ok := s.st.IrreversibleFlags[name]
	return v, ok
}

// LastLoggedChunk returns the chunk index of the newest delta log entry, or 0.
func (s *Store) LastLoggedChunk() int {
	if n := len(s.st.DeltaLog); n > 0 {
		return s.st.DeltaLog[n-1].ChunkIndex
	}
	return 0
}

// #endregion readers

// #region serialize
// Serialize encodes the state as JSON.
func (s *Store) Serialize() ([]byte, error) {
	data, err := json.Marshal(s.st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// Deserialize decodes a JSON state produced by Serialize.
func Deserialize(data []byte) (*Store, error) {
	var st CanonicalState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return FromSnapshot(st)
}

// #endregion serialize

// #region mutators
// AddRule appends a new rule. Existing rules are never edited through this path.
func (s *Store) AddRule(r Rule) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("add rule: id: %w", ErrInvalidName)
	}
	if _, ok := s.st.Rule(r.ID); ok {
		return fmt.Errorf("add rule %q: %w", r.ID, ErrDuplicateRule)
	}
	s.st.Rules = append(s.st.Rules, r)
	return nil
}

// MarkRuleViolated records one violation of the rule. The rule stays active.
func (s *Store) MarkRuleViolated(ruleID string, chunkIndex int) error {
	for i := range s.st.Rules {
		if s.st.Rules[i].ID != ruleID {
			continue
		}
		s.st.Rules[i].Violated = true
		s.st.Rules[i].ViolationCount++
		return nil
	}
	return &UnknownRuleError{RuleID: ruleID}
}

// SetCapability sets a capability and reports the previous value, if any.
// Reverting an unlocked capability is allowed only through this explicit call;
// callers are expected to log the returned change.
func (s *Store) SetCapability(name string, v Value) (prev Value, existed bool, err error) {
	if strings.TrimSpace(name) == "" {
		return Value{}, false, fmt.Errorf("set capability: %w", ErrInvalidName)
	}
	prev, existed = s.st.Capabilities[name]
	s.st.Capabilities[name] = v
	return prev, existed, nil
}

// SetIrreversibleFlag sets a flag that may only move forward: booleans from
// false to true, numbers upward. Strings and kinds are fixed once set.
func (s *Store) SetIrreversibleFlag(name string, v Value) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("set flag: %w", ErrInvalidName)
	}
	cur, ok := s.st.IrreversibleFlags[name]
	if ok && !Forward(cur, v) {
		return &MonotonicityViolationError{Flag: name, From: cur, To: v}
	}
	s.st.IrreversibleFlags[name] = v
	return nil
}

// AddWorldFact overwrites the current value of a world fact.
func (s *Store) AddWorldFact(key string, v Value) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("add world fact: %w", ErrInvalidName)
	}
	s.st.WorldFacts[key] = v
	return nil
}

// AppendTimelineCommitment appends a statement to the ordered timeline.
func (s *Store) AppendTimelineCommitment(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("append timeline: %w", ErrInvalidName)
	}
	s.st.Timeline = append(s.st.Timeline, text)
	return nil
}

// AppendDeltaLog writes the log entry for a chunk. Entries must arrive in
// increasing chunk order.
func (s *Store) AppendDeltaLog(chunkIndex int, changes []string) error {
	if last := s.LastLoggedChunk(); len(s.st.DeltaLog) > 0 && chunkIndex <= last {
		return fmt.Errorf("delta log: chunk %d after chunk %d", chunkIndex, last)
	}
	entry := DeltaLogEntry{
		ChunkIndex:     chunkIndex,
		ChangesApplied: append([]string{}, changes...),
		Timestamp:      s.now(),
	}
	s.st.DeltaLog = append(s.st.DeltaLog, entry)
	return nil
}

// #endregion mutators

// #region monotonicity
// Forward reports whether an irreversible flag may move from cur to next:
// booleans only false to true, numbers never down, strings never change.
func Forward(cur, next Value) bool {
	if cur.Kind != next.Kind {
		return false
	}
	switch cur.Kind {
	case KindBool:
		return next.Bool || !cur.Bool
	case KindNumber:
		return next.Number >= cur.Number
	default:
		return next.Text == cur.Text
	}
}

// #endregion monotonicity
