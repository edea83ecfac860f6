package eval

import (
	"fmt"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region eval-harness
// EvalHarness audits a session's checkpoint sequence for the properties every
// run must keep.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks the sequence, which must be in ascending chunk order as returned
// by checkpoint.Writer.List. An empty sequence passes.
func (h *EvalHarness) Run(cps []checkpoint.Checkpoint) EvalResult {
	checks := []struct {
		name string
		fn   func(i int, prev, cur checkpoint.Checkpoint) string
	}{
		{"contiguous_chunks", h.contiguous},
		{"cumulative_words", cumulative},
		{"flag_monotonicity", flagsMonotone},
		{"timeline_prefix", timelinePrefix},
		{"protocol_version", h.protocol},
		{"delta_log", h.deltaLog},
	}

	var metrics []EvalMetric
	var issues []string
	for _, c := range checks {
		bad := 0
		var prev checkpoint.Checkpoint
		for i, cp := range cps {
			if msg := c.fn(i, prev, cp); msg != "" {
				bad++
				issues = append(issues, fmt.Sprintf("chunk %d: %s", cp.ChunkIndex, msg))
			}
			prev = cp
		}
		metrics = append(metrics, EvalMetric{Name: c.name, Value: bad, Pass: bad == 0})
	}

	reason := "all checks passed"
	if len(issues) == 1 {
		reason = fmt.Sprintf("eval failed: %s", issues[0])
	} else if len(issues) > 1 {
		reason = fmt.Sprintf("eval failed: %d issues: %s", len(issues), issues[0])
	}

	return EvalResult{
		Passed:  len(issues) == 0,
		Metrics: metrics,
		Issues:  issues,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region checks
func (h *EvalHarness) contiguous(i int, prev, cur checkpoint.Checkpoint) string {
	if cur.ChunkIndex != i+1 {
		return fmt.Sprintf("expected chunk index %d", i+1)
	}
	if i > 0 && cur.SessionID != prev.SessionID {
		return fmt.Sprintf("session %q differs from %q", cur.SessionID, prev.SessionID)
	}
	return ""
}

func cumulative(i int, prev, cur checkpoint.Checkpoint) string {
	want := cur.ChunkWordCount
	if i > 0 {
		want += prev.CumulativeWordCount
	}
	if cur.CumulativeWordCount != want {
		return fmt.Sprintf("cumulative words %d, want %d", cur.CumulativeWordCount, want)
	}
	return ""
}

func flagsMonotone(i int, prev, cur checkpoint.Checkpoint) string {
	if i == 0 {
		return ""
	}
	for name, was := range prev.Snapshot.IrreversibleFlags {
		now, ok := cur.Snapshot.IrreversibleFlags[name]
		if !ok {
			return fmt.Sprintf("flag %q disappeared", name)
		}
		if !state.Forward(was, now) {
			return fmt.Sprintf("flag %q moved %s -> %s", name, was, now)
		}
	}
	return ""
}

func timelinePrefix(i int, prev, cur checkpoint.Checkpoint) string {
	if i == 0 {
		return ""
	}
	p, c := prev.Snapshot.Timeline, cur.Snapshot.Timeline
	if len(c) < len(p) {
		return fmt.Sprintf("timeline shrank from %d to %d", len(p), len(c))
	}
	for j := range p {
		if p[j] != c[j] {
			return fmt.Sprintf("timeline entry %d rewritten", j)
		}
	}
	return ""
}

func (h *EvalHarness) protocol(_ int, _, cur checkpoint.Checkpoint) string {
	if cur.ProtocolVersion < h.config.MinProtocolVersion || cur.ProtocolVersion > checkpoint.ProtocolVersion {
		return fmt.Sprintf("protocol version %d unsupported", cur.ProtocolVersion)
	}
	return ""
}

func (h *EvalHarness) deltaLog(_ int, _, cur checkpoint.Checkpoint) string {
	if !h.config.RequireDeltaLog {
		return ""
	}
	log := cur.Snapshot.DeltaLog
	if len(log) == 0 || log[len(log)-1].ChunkIndex != cur.ChunkIndex {
		return "snapshot has no delta log entry for its chunk"
	}
	return ""
}

// #endregion checks
