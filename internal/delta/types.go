package delta

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// FormatVersion is the version of the header-delimited extraction format
// this parser understands.
const FormatVersion = 1

// #region section
// Section names one header of the extraction format.
type Section string

const (
	SectionRuleViolations Section = "rule_violations"
	SectionCapabilities   Section = "entity_capabilities"
	SectionFlags          Section = "irreversible_flags"
	SectionWorldFacts     Section = "world_facts"
	SectionTimeline       Section = "timeline_commitments"
)

// Sections lists the recognized sections in application order.
var Sections = []Section{
	SectionRuleViolations,
	SectionCapabilities,
	SectionFlags,
	SectionWorldFacts,
	SectionTimeline,
}

// #endregion section

// #region changes
// Change is a named value claimed by one line of a capability, flag or fact section.
type Change struct {
	Name  string      `json:"name" cbor:"name"`
	Value state.Value `json:"value" cbor:"value"`
}

// StateDelta is one chunk's parsed change set. It is consumed by the applicator
// and then only survives inside checkpoints.
type StateDelta struct {
	ChunkIndex              int       `json:"chunk_index" cbor:"chunk_index"`
	RuleViolations          []string  `json:"rule_violations" cbor:"rule_violations"`
	CapabilityChanges       []Change  `json:"capability_changes" cbor:"capability_changes"`
	IrreversibleFlagChanges []Change  `json:"irreversible_flag_changes" cbor:"irreversible_flag_changes"`
	WorldFacts              []Change  `json:"world_facts" cbor:"world_facts"`
	NewTimelineCommitments  []string  `json:"new_timeline_commitments" cbor:"new_timeline_commitments"`
	Present                 []Section `json:"present,omitempty" cbor:"present,omitempty"`
	Timestamp               time.Time `json:"timestamp" cbor:"timestamp"`
}

// Empty returns a delta with no changes for the chunk.
func Empty(chunkIndex int) StateDelta {
	return StateDelta{ChunkIndex: chunkIndex, Timestamp: time.Now().UTC()}
}

// IsEmpty reports whether the delta carries no changes.
func (d StateDelta) IsEmpty() bool {
	return len(d.RuleViolations) == 0 &&
		len(d.CapabilityChanges) == 0 &&
		len(d.IrreversibleFlagChanges) == 0 &&
		len(d.WorldFacts) == 0 &&
		len(d.NewTimelineCommitments) == 0
}

// Has reports whether the section header appeared in the source text.
func (d StateDelta) Has(s Section) bool {
	for _, p := range d.Present {
		if p == s {
			return true
		}
	}
	return false
}

// #endregion changes

// #region warning
// WarningCode classifies a non-fatal condition.
type WarningCode string

const (
	WarnUnknownSection   WarningCode = "unknown_section"
	WarnMalformedLine    WarningCode = "malformed_line"
	WarnUnknownRule      WarningCode = "unknown_rule"
	WarnMonotonicity     WarningCode = "monotonicity_violation"
	WarnInvalidChange    WarningCode = "invalid_change"
	WarnExtractionFailed WarningCode = "extraction_failed"
	WarnExtractionFormat WarningCode = "extraction_format"
)

// Warning is a recorded, non-fatal condition from parsing or applying a delta.
type Warning struct {
	Code    WarningCode `json:"code" cbor:"code"`
	Section Section     `json:"section,omitempty" cbor:"section,omitempty"`
	Line    int         `json:"line,omitempty" cbor:"line,omitempty"`
	Message string      `json:"message" cbor:"message"`
}

func (w Warning) String() string {
	if w.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", w.Code, w.Line, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}

// #endregion warning
