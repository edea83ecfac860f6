package update

import (
	"strings"
	"testing"

	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Initialize("sess", state.UserParams{Premise: "p", TargetWords: 100, RuleCount: 2})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestApplyEmptyDeltaStillLogs(t *testing.T) {
	s := newStore(t)

	result, err := Apply(s, delta.Empty(1))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Decision.Action != "no_op" {
		t.Errorf("expected no_op, got %s", result.Decision.Action)
	}
	if len(result.ChangesApplied) != 0 {
		t.Errorf("expected no changes, got %v", result.ChangesApplied)
	}

	log := s.Get().DeltaLog
	if len(log) != 1 || log[0].ChunkIndex != 1 {
		t.Fatalf("expected one log entry for chunk 1, got %+v", log)
	}
}

func TestApplyAllNoneExtraction(t *testing.T) {
	s := newStore(t)
	text := "RULE VIOLATIONS: None\nENTITY CAPABILITIES: None\nIRREVERSIBLE FLAGS: None\nWORLD FACTS: None\nTIMELINE COMMITMENTS: None\n"

	d, warnings, err := delta.Parse(text, 1)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("Parse: err=%v warnings=%v", err, warnings)
	}
	if !d.IsEmpty() {
		t.Fatal("expected empty delta")
	}
	if _, err := Apply(s, d); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := len(s.Get().DeltaLog); got != 1 {
		t.Fatalf("expected 1 log entry, got %d", got)
	}
}

func TestApplyFixedOrderAndDescriptions(t *testing.T) {
	s := newStore(t)
	d := delta.StateDelta{
		ChunkIndex:              1,
		RuleViolations:          []string{"rule_2"},
		CapabilityChanges:       []delta.Change{{Name: "can drive", Value: state.BoolValue(true)}},
		IrreversibleFlagChanges: []delta.Change{{Name: "seen", Value: state.BoolValue(true)}},
		WorldFacts:              []delta.Change{{Name: "current time", Value: state.StringValue("9:00 PM")}},
		NewTimelineCommitments:  []string{"Narrator arrived", "Door locked"},
	}

	result, err := Apply(s, d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.ChangesApplied) != 6 {
		t.Fatalf("expected 6 changes, got %d: %v", len(result.ChangesApplied), result.ChangesApplied)
	}
	prefixes := []string{"rule rule_2", "capability", "flag", "fact", "timeline", "timeline"}
	for i, p := range prefixes {
		if !strings.HasPrefix(result.ChangesApplied[i], p) {
			t.Errorf("change %d = %q, want prefix %q", i, result.ChangesApplied[i], p)
		}
	}
	if result.Decision.Action != "commit" {
		t.Errorf("expected commit, got %s", result.Decision.Action)
	}

	st := s.Get()
	if len(st.Timeline) != 2 || st.Timeline[0] != "Narrator arrived" {
		t.Fatalf("timeline order not preserved: %v", st.Timeline)
	}
	entry := st.DeltaLog[0]
	if len(entry.ChangesApplied) != 6 {
		t.Fatalf("log entry should carry all changes, got %v", entry.ChangesApplied)
	}
}

func TestApplyCapabilityLastWriteWins(t *testing.T) {
	s := newStore(t)
	d := delta.StateDelta{
		ChunkIndex: 1,
		CapabilityChanges: []delta.Change{
			{Name: "lamp", Value: state.NumberValue(1)},
			{Name: "lamp", Value: state.NumberValue(3)},
		},
	}
	if _, err := Apply(s, d); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	v, _ := s.Capability("lamp")
	if v.Number != 3 {
		t.Fatalf("expected last write 3, got %v", v)
	}
}

func TestApplyRevokedCapabilityIsLogged(t *testing.T) {
	s := newStore(t)
	Apply(s, delta.StateDelta{ChunkIndex: 1, CapabilityChanges: []delta.Change{{Name: "can drive", Value: state.BoolValue(true)}}})

	result, err := Apply(s, delta.StateDelta{ChunkIndex: 2, CapabilityChanges: []delta.Change{{Name: "can drive", Value: state.BoolValue(false)}}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.ChangesApplied) != 1 || !strings.Contains(result.ChangesApplied[0], "revoked") {
		t.Fatalf("expected a logged revocation, got %v", result.ChangesApplied)
	}
}

func TestApplyUnknownRuleSkipped(t *testing.T) {
	s := newStore(t)
	d := delta.StateDelta{ChunkIndex: 1, RuleViolations: []string{"rule_9", "rule_1"}}

	result, err := Apply(s, d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Code != delta.WarnUnknownRule {
		t.Fatalf("expected one unknown_rule warning, got %v", result.Warnings)
	}
	r, _ := s.Rule("rule_1")
	if !r.Violated {
		t.Fatal("known rule should still be marked violated")
	}
	if result.Metrics.Sections[0].Skipped != 1 || result.Metrics.Sections[0].Applied != 1 {
		t.Fatalf("unexpected rule metrics: %+v", result.Metrics.Sections[0])
	}
}

// Chunk 3 reports rule_1 violated and resets a true flag: the flag stays true,
// the violation is recorded as a warning, and the rule is still marked.
func TestApplyMonotonicityViolation(t *testing.T) {
	s := newStore(t)
	Apply(s, delta.Empty(1))
	Apply(s, delta.StateDelta{ChunkIndex: 2, IrreversibleFlagChanges: []delta.Change{{Name: "protected", Value: state.BoolValue(true)}}})

	result, err := Apply(s, delta.StateDelta{
		ChunkIndex:              3,
		RuleViolations:          []string{"rule_1"},
		IrreversibleFlagChanges: []delta.Change{{Name: "protected", Value: state.BoolValue(false)}},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("expected one monotonicity violation, got %d", len(result.Violations))
	}
	if result.Warnings[0].Code != delta.WarnMonotonicity {
		t.Fatalf("expected monotonicity warning, got %v", result.Warnings)
	}
	v, _ := s.Flag("protected")
	if !v.Bool {
		t.Fatal("protected must remain true")
	}
	r, _ := s.Rule("rule_1")
	if !r.Violated {
		t.Fatal("rule_1 must be marked violated")
	}
	if got := len(s.Get().DeltaLog); got != 3 {
		t.Fatalf("expected 3 log entries, got %d", got)
	}
}

func TestApplyOutOfOrderChunkFails(t *testing.T) {
	s := newStore(t)
	Apply(s, delta.Empty(2))
	if _, err := Apply(s, delta.Empty(1)); err == nil {
		t.Fatal("expected error for out-of-order chunk")
	}
}
