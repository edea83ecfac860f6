package state

import (
	"strconv"
	"time"
)

// SchemaVersion is the version of the serialized CanonicalState layout.
const SchemaVersion = 1

// #region value
// ValueKind tags the scalar held by a Value.
type ValueKind string

const (
	KindBool   ValueKind = "bool"
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
)

// Value is a tagged scalar used for capabilities, irreversible flags and world facts.
type Value struct {
	Kind   ValueKind `json:"kind" cbor:"kind"`
	Bool   bool      `json:"bool,omitempty" cbor:"bool,omitempty"`
	Number float64   `json:"number,omitempty" cbor:"number,omitempty"`
	Text   string    `json:"text,omitempty" cbor:"text,omitempty"`
}

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Number: n} }
func StringValue(s string) Value { return Value{Kind: KindString, Text: s} }

// String renders the value the way it appears in delta text.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	default:
		return v.Text
	}
}

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindNumber:
		return v.Number == o.Number
	default:
		return v.Text == o.Text
	}
}

// Unlocked reports whether the value represents a granted ability:
// true, a non-zero number, or a non-empty string.
func (v Value) Unlocked() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number != 0
	default:
		return v.Text != ""
	}
}

// #endregion value

// #region rule
// RuleKind classifies a rule.
type RuleKind string

const (
	RuleBoundary   RuleKind = "boundary"
	RuleTemporal   RuleKind = "temporal"
	RuleProcedural RuleKind = "procedural"
	RuleBehavioral RuleKind = "behavioral"
)

// Rule is a piece of invariant law for the session. Text never changes after creation.
type Rule struct {
	ID                 string   `json:"id" cbor:"id"`
	Text               string   `json:"text" cbor:"text"`
	Kind               RuleKind `json:"kind" cbor:"kind"`
	Active             bool     `json:"active" cbor:"active"`
	Violated           bool     `json:"violated" cbor:"violated"`
	ViolationCount     int      `json:"violation_count" cbor:"violation_count"`
	EstablishedAtChunk int      `json:"established_at_chunk" cbor:"established_at_chunk"`
}

// #endregion rule

// #region delta-log-entry
// DeltaLogEntry is one chunk's row in the append-only change log.
type DeltaLogEntry struct {
	ChunkIndex     int       `json:"chunk_index" cbor:"chunk_index"`
	ChangesApplied []string  `json:"changes_applied" cbor:"changes_applied"`
	Timestamp      time.Time `json:"timestamp" cbor:"timestamp"`
}

// #endregion delta-log-entry

// #region user-params
// UserParams is the generation configuration supplied by the caller.
type UserParams struct {
	Premise     string `json:"premise" yaml:"premise" cbor:"premise" validate:"required"`
	Setting     string `json:"setting,omitempty" yaml:"setting" cbor:"setting,omitempty"`
	Narrator    string `json:"narrator,omitempty" yaml:"narrator" cbor:"narrator,omitempty"`
	TargetWords int    `json:"target_words" yaml:"target_words" cbor:"target_words" validate:"gte=1"`
	ChunkWords  int    `json:"chunk_words" yaml:"chunk_words" cbor:"chunk_words" validate:"gte=0"`
	RuleCount   int    `json:"rule_count" yaml:"rule_count" cbor:"rule_count" validate:"gte=0,lte=32"`
	MaxChunks   int    `json:"max_chunks,omitempty" yaml:"max_chunks" cbor:"max_chunks,omitempty" validate:"gte=0"`
}

// #endregion user-params

// #region canonical-state
// CanonicalState is the single authoritative narrative state of one session.
type CanonicalState struct {
	SchemaVersion     int              `json:"schema_version" cbor:"schema_version"`
	SessionID         string           `json:"session_id" cbor:"session_id"`
	UserParams        UserParams       `json:"user_params" cbor:"user_params"`
	Rules             []Rule           `json:"rules" cbor:"rules"`
	Capabilities      map[string]Value `json:"capabilities" cbor:"capabilities"`
	IrreversibleFlags map[string]Value `json:"irreversible_flags" cbor:"irreversible_flags"`
	WorldFacts        map[string]Value `json:"world_facts" cbor:"world_facts"`
	Timeline          []string         `json:"timeline" cbor:"timeline"`
	DeltaLog          []DeltaLogEntry  `json:"delta_log" cbor:"delta_log"`
	CreatedAt         time.Time        `json:"created_at" cbor:"created_at"`
}

// Clone returns a deep copy. Checkpoint snapshots are always clones.
func (c CanonicalState) Clone() CanonicalState {
	out := c
	out.Rules = make([]Rule, len(c.Rules))
	copy(out.Rules, c.Rules)
	out.Capabilities = cloneValues(c.Capabilities)
	out.IrreversibleFlags = cloneValues(c.IrreversibleFlags)
	out.WorldFacts = cloneValues(c.WorldFacts)
	out.Timeline = make([]string, len(c.Timeline))
	copy(out.Timeline, c.Timeline)
	out.DeltaLog = make([]DeltaLogEntry, len(c.DeltaLog))
	for i, e := range c.DeltaLog {
		changes := make([]string, len(e.ChangesApplied))
		copy(changes, e.ChangesApplied)
		e.ChangesApplied = changes
		out.DeltaLog[i] = e
	}
	return out
}

// Rule returns the rule with the given id.
func (c CanonicalState) Rule(id string) (Rule, bool) {
	for _, r := range c.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

func cloneValues(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// #endregion canonical-state
