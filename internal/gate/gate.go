package gate

import (
	"fmt"

	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region gate
// Gate decides whether the chunk loop continues.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	if config.MaxChunks <= 0 {
		config.MaxChunks = DefaultMaxChunks
	}
	return &Gate{config: config}
}

// ConfigFor derives the gate thresholds from the caller's params. Without an
// explicit MaxChunks the ceiling is twice the chunks the target should need.
func ConfigFor(p state.UserParams, strict bool) GateConfig {
	cfg := GateConfig{TargetWords: p.TargetWords, MaxChunks: p.MaxChunks, StrictMonotonicity: strict}
	if cfg.MaxChunks <= 0 && p.ChunkWords > 0 {
		need := (p.TargetWords + p.ChunkWords - 1) / p.ChunkWords
		cfg.MaxChunks = 2 * need
		if cfg.MaxChunks < 1 {
			cfg.MaxChunks = 1
		}
	}
	return cfg
}

// Config returns the effective configuration.
func (g *Gate) Config() GateConfig {
	return g.config
}

// Evaluate checks vetoes first, then the word target.
func (g *Gate) Evaluate(in Input) GateDecision {
	progress := 1.0
	if g.config.TargetWords > 0 {
		progress = float64(in.CumulativeWords) / float64(g.config.TargetWords)
		if progress > 1 {
			progress = 1
		}
	}

	if g.config.StrictMonotonicity && in.Violations > 0 {
		v := VetoSignal{
			Type:   VetoMonotonicity,
			Reason: fmt.Sprintf("%d irreversible flag violations in chunk %d", in.Violations, in.ChunkIndex),
		}
		return GateDecision{
			Action:      ActionFail,
			Reason:      "hard veto: " + v.Reason,
			Vetoed:      true,
			VetoSignals: []VetoSignal{v},
			Progress:    progress,
		}
	}

	if in.CumulativeWords >= g.config.TargetWords {
		return GateDecision{
			Action:   ActionComplete,
			Reason:   fmt.Sprintf("target reached: %d/%d words", in.CumulativeWords, g.config.TargetWords),
			Progress: progress,
		}
	}

	if in.ChunkIndex >= g.config.MaxChunks {
		v := VetoSignal{
			Type:   VetoCeiling,
			Reason: fmt.Sprintf("chunk ceiling %d reached at %d/%d words", g.config.MaxChunks, in.CumulativeWords, g.config.TargetWords),
		}
		return GateDecision{
			Action:      ActionComplete,
			Reason:      v.Reason,
			Vetoed:      true,
			VetoSignals: []VetoSignal{v},
			Progress:    progress,
		}
	}

	return GateDecision{
		Action:   ActionContinue,
		Reason:   fmt.Sprintf("progress %.2f", progress),
		Progress: progress,
	}
}

// #endregion gate
