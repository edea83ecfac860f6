package update

import (
	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region decision
// Decision records what the applicator did with the chunk.
type Decision struct {
	Action string // "commit" | "no_op"
	Reason string
}

// #endregion decision

// #region metrics
// SectionMetric counts applied and skipped entries for one delta section.
type SectionMetric struct {
	Section delta.Section
	Applied int
	Skipped int
}

// Metrics captures telemetry from one application.
type Metrics struct {
	Sections      []SectionMetric
	ApplyTimeUsec int64
}

// #endregion metrics

// #region result
// Result bundles everything returned by Apply.
type Result struct {
	ChangesApplied []string
	Warnings       []delta.Warning
	Violations     []*state.MonotonicityViolationError
	Decision       Decision
	Metrics        Metrics
}

// #endregion result
