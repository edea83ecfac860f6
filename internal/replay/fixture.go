package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	SessionID       string                  `json:"session_id"`
	Params          state.UserParams        `json:"params"`
	Config          FixtureConfig           `json:"config"`
	Chunks          []FixtureChunk          `json:"chunks"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
	ExpectedStatus  string                  `json:"expected_status"`
}

// FixtureConfig carries the loop switches a fixture may override.
type FixtureConfig struct {
	StrictMonotonicity bool `json:"strict_monotonicity"`
	ContextWords       int  `json:"context_words"`
}

// FixtureChunk mirrors replay.Chunk with JSON tags.
type FixtureChunk struct {
	Prose          string `json:"prose"`
	ExtractionText string `json:"extraction_text"`
	ExtractionErr  string `json:"extraction_error,omitempty"`
}

// FixtureExpectedResult captures the expected outcome per chunk.
type FixtureExpectedResult struct {
	ChunkIndex int    `json:"chunk_index"`
	Action     string `json:"action"`
	Warnings   int    `json:"warnings"`
	Violations int    `json:"violations"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.SessionID == "" {
		f.SessionID = "replay"
	}
	return &f, nil
}

// ToChunks converts the fixture chunks to replay chunks.
func (f *Fixture) ToChunks() []Chunk {
	out := make([]Chunk, len(f.Chunks))
	for i, c := range f.Chunks {
		out[i] = Chunk{Prose: c.Prose, ExtractionText: c.ExtractionText, ExtractionErr: c.ExtractionErr}
	}
	return out
}

// ToReplayConfig applies the fixture overrides to the default replay config.
func (fc FixtureConfig) ToReplayConfig() ReplayConfig {
	cfg := DefaultReplayConfig()
	cfg.Orchestrator.StrictMonotonicity = fc.StrictMonotonicity
	if fc.ContextWords > 0 {
		cfg.Orchestrator.ContextWords = fc.ContextWords
	}
	return cfg
}

// #endregion fixture-loader

// #region fixture-export

// ExportFixture builds a fixture from a stored session. Extraction text is
// re-rendered from each stored delta; chunks whose extraction failed are
// exported as failures. Expected results are the ones the session produced.
func ExportFixture(description string, cps []checkpoint.Checkpoint, strict bool) (*Fixture, error) {
	if len(cps) == 0 {
		return nil, fmt.Errorf("export fixture: no checkpoints")
	}
	f := &Fixture{
		Description: description,
		SessionID:   cps[0].SessionID,
		Params:      cps[0].Snapshot.UserParams,
		Config:      FixtureConfig{StrictMonotonicity: strict},
	}
	for _, r := range Results(cps) {
		f.ExpectedResults = append(f.ExpectedResults, FixtureExpectedResult{
			ChunkIndex: r.ChunkIndex,
			Action:     r.Action,
			Warnings:   len(r.Warnings),
			Violations: r.Violations,
		})
	}
	for _, cp := range cps {
		c := FixtureChunk{Prose: cp.Prose, ExtractionText: delta.Render(cp.Delta)}
		for _, w := range cp.Warnings {
			switch w.Code {
			case delta.WarnExtractionFailed:
				c.ExtractionText, c.ExtractionErr = "", w.Message
			case delta.WarnExtractionFormat:
				c.ExtractionText = "unparseable"
			}
		}
		f.Chunks = append(f.Chunks, c)
	}
	return f, nil
}

// Save writes the fixture as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// #endregion fixture-export
