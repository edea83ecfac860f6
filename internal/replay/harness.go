package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/eval"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/prose"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// ErrScriptExhausted is returned by the scripted generator when the loop asks
// for more chunks than were recorded.
var ErrScriptExhausted = errors.New("replay: no recorded chunk")

// #region types
// Chunk is one recorded generation: the prose and the raw extraction text the
// extractor returned for it. A non-empty ExtractionErr replays a failed call.
type Chunk struct {
	Prose          string
	ExtractionText string
	ExtractionErr  string
}

// ReplayConfig holds the loop and audit settings for a replay run.
type ReplayConfig struct {
	Orchestrator orchestrator.Config
	EvalConfig   eval.EvalConfig
}

// DefaultReplayConfig returns a single-attempt, no-backoff loop config.
func DefaultReplayConfig() ReplayConfig {
	cfg := orchestrator.DefaultConfig()
	cfg.MaxGenerationAttempts = 1
	cfg.RetryBackoff = 0
	return ReplayConfig{Orchestrator: cfg, EvalConfig: eval.DefaultEvalConfig()}
}

// ReplayResult describes one replayed chunk, read back from its checkpoint.
type ReplayResult struct {
	ChunkIndex      int
	Action          string // "commit" | "no_op"
	ChangesApplied  []string
	Warnings        []delta.Warning
	Violations      int
	CumulativeWords int
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	Status      orchestrator.Status
	Err         error
	TotalChunks int
	Commits     int
	NoOps       int
	Warnings    int
	Violations  int
	Eval        eval.EvalResult
	FinalState  state.CanonicalState
	Checkpoints []checkpoint.Checkpoint
}

// #endregion types

// #region scripted
type script struct {
	chunks []Chunk
}

func (s *script) chunk(k int) (Chunk, bool) {
	if k < 1 || k > len(s.chunks) {
		return Chunk{}, false
	}
	return s.chunks[k-1], true
}

func (s *script) Generate(_ context.Context, _ orchestrator.PromptContext, _ state.CanonicalState, k int) (orchestrator.Generation, error) {
	c, ok := s.chunk(k)
	if !ok {
		return orchestrator.Generation{}, fmt.Errorf("chunk %d: %w", k, ErrScriptExhausted)
	}
	return orchestrator.Generation{Prose: c.Prose, WordCount: prose.WordCount(c.Prose)}, nil
}

// Extract finds the recorded chunk by the number of chunks already logged.
func (s *script) Extract(_ context.Context, text string, st state.CanonicalState) (string, error) {
	c, ok := s.chunk(len(st.DeltaLog) + 1)
	if !ok {
		return "", fmt.Errorf("extract: %w", ErrScriptExhausted)
	}
	if c.ExtractionErr != "" {
		return "", errors.New(c.ExtractionErr)
	}
	return c.ExtractionText, nil
}

// #endregion scripted

// #region replay
// Replay drives the real chunk loop over recorded chunks, writing into an
// in-memory checkpoint store, and audits the resulting sequence.
func Replay(ctx context.Context, sessionID string, params state.UserParams, chunks []Chunk, config ReplayConfig) ([]ReplayResult, ReplaySummary, error) {
	writer, err := checkpoint.Open("badger", "")
	if err != nil {
		return nil, ReplaySummary{}, fmt.Errorf("replay store: %w", err)
	}
	defer writer.Close()

	orch, err := orchestrator.New(&script{chunks: chunks}, &script{chunks: chunks}, writer, config.Orchestrator)
	if err != nil {
		return nil, ReplaySummary{}, err
	}
	out := orch.Run(ctx, sessionID, params)

	results := Results(out.Checkpoints)
	summary := Summarize(results, out.FinalState)
	summary.Status = out.Status
	summary.Err = out.Err
	summary.Checkpoints = out.Checkpoints
	summary.Eval = eval.NewEvalHarness(config.EvalConfig).Run(out.Checkpoints)
	return results, summary, nil
}

// Results converts a checkpoint sequence into per-chunk replay results.
func Results(cps []checkpoint.Checkpoint) []ReplayResult {
	results := make([]ReplayResult, 0, len(cps))
	for _, cp := range cps {
		r := ReplayResult{
			ChunkIndex:      cp.ChunkIndex,
			Action:          "no_op",
			Warnings:        cp.Warnings,
			CumulativeWords: cp.CumulativeWordCount,
		}
		if log := cp.Snapshot.DeltaLog; len(log) > 0 {
			r.ChangesApplied = log[len(log)-1].ChangesApplied
		}
		if len(r.ChangesApplied) > 0 {
			r.Action = "commit"
		}
		for _, w := range cp.Warnings {
			if w.Code == delta.WarnMonotonicity {
				r.Violations++
			}
		}
		results = append(results, r)
	}
	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, finalState state.CanonicalState) ReplaySummary {
	s := ReplaySummary{
		TotalChunks: len(results),
		FinalState:  finalState,
	}
	for _, r := range results {
		switch r.Action {
		case "commit":
			s.Commits++
		case "no_op":
			s.NoOps++
		}
		s.Warnings += len(r.Warnings)
		s.Violations += r.Violations
	}
	return s
}

// #endregion replay
