package update

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region apply
// Apply mutates the store with one chunk's delta in fixed section order:
// rule violations, capabilities, irreversible flags, world facts, timeline.
// Unknown rules and monotonicity violations skip the entry and become warnings.
// A delta log entry is always written for the chunk, even when nothing changed.
// The returned error is non-nil only when the log entry itself cannot be written.
func Apply(store *state.Store, d delta.StateDelta) (Result, error) {
	start := time.Now()
	a := applier{chunk: d.ChunkIndex}

	// 1. Rule violations
	m := SectionMetric{Section: delta.SectionRuleViolations}
	for _, id := range d.RuleViolations {
		err := store.MarkRuleViolated(id, d.ChunkIndex)
		if err != nil {
			m.Skipped++
			a.warn(delta.WarnUnknownRule, delta.SectionRuleViolations, err)
			continue
		}
		r, _ := store.Rule(id)
		m.Applied++
		a.record("rule %s violated (count %d)", id, r.ViolationCount)
	}
	a.metrics = append(a.metrics, m)

	// 2. Capabilities, last write wins
	m = SectionMetric{Section: delta.SectionCapabilities}
	for _, c := range d.CapabilityChanges {
		prev, existed, err := store.SetCapability(c.Name, c.Value)
		if err != nil {
			m.Skipped++
			a.warn(delta.WarnInvalidChange, delta.SectionCapabilities, err)
			continue
		}
		m.Applied++
		switch {
		case !existed:
			a.record("capability %q set to %s", c.Name, c.Value)
		case prev.Unlocked() && !c.Value.Unlocked():
			a.record("capability %q revoked (%s -> %s)", c.Name, prev, c.Value)
		default:
			a.record("capability %q changed %s -> %s", c.Name, prev, c.Value)
		}
	}
	a.metrics = append(a.metrics, m)

	// 3. Irreversible flags
	m = SectionMetric{Section: delta.SectionFlags}
	for _, c := range d.IrreversibleFlagChanges {
		prev, existed := store.Flag(c.Name)
		err := store.SetIrreversibleFlag(c.Name, c.Value)
		var mv *state.MonotonicityViolationError
		switch {
		case errors.As(err, &mv):
			m.Skipped++
			a.violations = append(a.violations, mv)
			a.warn(delta.WarnMonotonicity, delta.SectionFlags, err)
			continue
		case err != nil:
			m.Skipped++
			a.warn(delta.WarnInvalidChange, delta.SectionFlags, err)
			continue
		}
		m.Applied++
		if existed {
			a.record("flag %q %s -> %s", c.Name, prev, c.Value)
		} else {
			a.record("flag %q set to %s", c.Name, c.Value)
		}
	}
	a.metrics = append(a.metrics, m)

	// 4. World facts
	m = SectionMetric{Section: delta.SectionWorldFacts}
	for _, c := range d.WorldFacts {
		if err := store.AddWorldFact(c.Name, c.Value); err != nil {
			m.Skipped++
			a.warn(delta.WarnInvalidChange, delta.SectionWorldFacts, err)
			continue
		}
		m.Applied++
		a.record("fact %q = %s", c.Name, c.Value)
	}
	a.metrics = append(a.metrics, m)

	// 5. Timeline, in listed order
	m = SectionMetric{Section: delta.SectionTimeline}
	for _, text := range d.NewTimelineCommitments {
		if err := store.AppendTimelineCommitment(text); err != nil {
			m.Skipped++
			a.warn(delta.WarnInvalidChange, delta.SectionTimeline, err)
			continue
		}
		m.Applied++
		a.record("timeline: %s", text)
	}
	a.metrics = append(a.metrics, m)

	if err := store.AppendDeltaLog(d.ChunkIndex, a.changes); err != nil {
		return Result{}, fmt.Errorf("apply chunk %d: %w", d.ChunkIndex, err)
	}

	decision := Decision{Action: "no_op", Reason: "no state change"}
	if len(a.changes) > 0 {
		decision = Decision{
			Action: "commit",
			Reason: fmt.Sprintf("%d changes, %d skipped", len(a.changes), len(a.warnings)),
		}
	}

	return Result{
		ChangesApplied: a.changes,
		Warnings:       a.warnings,
		Violations:     a.violations,
		Decision:       decision,
		Metrics: Metrics{
			Sections:      a.metrics,
			ApplyTimeUsec: time.Since(start).Microseconds(),
		},
	}, nil
}

// #endregion apply

// #region applier
type applier struct {
	chunk      int
	changes    []string
	warnings   []delta.Warning
	violations []*state.MonotonicityViolationError
	metrics    []SectionMetric
}

func (a *applier) record(format string, args ...any) {
	a.changes = append(a.changes, fmt.Sprintf(format, args...))
}

func (a *applier) warn(code delta.WarningCode, sec delta.Section, err error) {
	a.warnings = append(a.warnings, delta.Warning{
		Code:    code,
		Section: sec,
		Message: fmt.Sprintf("chunk %d: %v", a.chunk, err),
	})
}

// #endregion applier
