package replay

import (
	"fmt"
	"reflect"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/state"
	"github.com/danielpatrickdp/chunkforge/internal/update"
)

// #region types
// Mismatch is one field where a re-applied state differs from the stored snapshot.
type Mismatch struct {
	ChunkIndex int
	Field      string
	Detail     string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("chunk %d: %s: %s", m.ChunkIndex, m.Field, m.Detail)
}

// VerifyReport is the result of re-applying a stored session.
type VerifyReport struct {
	SessionID  string
	Chunks     int
	Mismatches []Mismatch
}

// OK reports whether every snapshot was reproduced.
func (r VerifyReport) OK() bool { return len(r.Mismatches) == 0 }

// #endregion types

// #region verify
// Verify rebuilds a session from its params and stored deltas alone and
// compares the state after each chunk with the checkpoint's snapshot.
// Timestamps are ignored.
func Verify(cps []checkpoint.Checkpoint) (VerifyReport, error) {
	if len(cps) == 0 {
		return VerifyReport{}, fmt.Errorf("verify: no checkpoints")
	}
	first := cps[0].Snapshot
	rep := VerifyReport{SessionID: cps[0].SessionID}

	store, err := state.Initialize(first.SessionID, first.UserParams)
	if err != nil {
		return rep, fmt.Errorf("verify: %w", err)
	}
	for _, cp := range cps {
		if _, err := update.Apply(store, cp.Delta); err != nil {
			return rep, fmt.Errorf("verify chunk %d: %w", cp.ChunkIndex, err)
		}
		rep.Chunks++
		for _, d := range Diff(store.Get(), cp.Snapshot) {
			d.ChunkIndex = cp.ChunkIndex
			rep.Mismatches = append(rep.Mismatches, d)
		}
	}
	return rep, nil
}

// Diff lists the fields where got differs from want, ignoring timestamps.
func Diff(got, want state.CanonicalState) []Mismatch {
	var out []Mismatch
	add := func(field string, g, w any) {
		if !equal(g, w) {
			out = append(out, Mismatch{Field: field, Detail: fmt.Sprintf("got %v, want %v", g, w)})
		}
	}
	add("rules", got.Rules, want.Rules)
	add("capabilities", got.Capabilities, want.Capabilities)
	add("irreversible_flags", got.IrreversibleFlags, want.IrreversibleFlags)
	add("world_facts", got.WorldFacts, want.WorldFacts)
	add("timeline", got.Timeline, want.Timeline)
	add("delta_log", logChanges(got.DeltaLog), logChanges(want.DeltaLog))
	return out
}

// equal treats nil and empty slices or maps as the same value.
func equal(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if (va.Kind() == reflect.Slice || va.Kind() == reflect.Map) && va.Len() == 0 && vb.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func logChanges(log []state.DeltaLogEntry) [][]string {
	out := make([][]string, len(log))
	for i, e := range log {
		out[i] = append([]string{fmt.Sprint(e.ChunkIndex)}, e.ChangesApplied...)
	}
	return out
}

// #endregion verify
