package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/logging"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region fakes

type fakeGen struct {
	mu       sync.Mutex
	prompts  []PromptContext
	attempts map[int]int
	fn       func(k, attempt int) (Generation, error)
}

func (g *fakeGen) Generate(ctx context.Context, pc PromptContext, st state.CanonicalState, k int) (Generation, error) {
	g.mu.Lock()
	if g.attempts == nil {
		g.attempts = map[int]int{}
	}
	g.attempts[k]++
	attempt := g.attempts[k]
	g.prompts = append(g.prompts, pc)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(k, attempt)
	}
	return Generation{Prose: words(fmt.Sprintf("c%d", k), 100)}, nil
}

type fakeExt struct {
	fn func(k int) (string, error)
}

func (e *fakeExt) Extract(ctx context.Context, prose string, st state.CanonicalState) (string, error) {
	k := len(st.DeltaLog) + 1
	if e.fn != nil {
		return e.fn(k)
	}
	return "WORLD FACTS:\n- last chunk: " + fmt.Sprint(k), nil
}

type failingWriter struct {
	checkpoint.Writer
	failAt int
}

func (w *failingWriter) Write(cp checkpoint.Checkpoint) error {
	if cp.ChunkIndex == w.failAt {
		return fmt.Errorf("disk full: %w", checkpoint.ErrStorage)
	}
	return w.Writer.Write(cp)
}

// cancellingExt cancels the run while extracting chunk cancelAt and honors
// its own context the way a network extractor would.
type cancellingExt struct {
	cancelAt int
	cancel   context.CancelFunc
}

func (e *cancellingExt) Extract(ctx context.Context, prose string, st state.CanonicalState) (string, error) {
	k := len(st.DeltaLog) + 1
	if k == e.cancelAt {
		e.cancel()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("TIMELINE:\n- event %d", k), nil
}

func words(marker string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = marker
	}
	return strings.Join(parts, " ")
}

// #endregion

// #region helpers

func setup(t *testing.T) *checkpoint.SQLiteStore {
	t.Helper()
	w, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	return cfg
}

func newOrch(t *testing.T, gen Generator, ext Extractor, w checkpoint.Writer, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	o, err := New(gen, ext, w, cfg, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func params(target int) state.UserParams {
	return state.UserParams{Premise: "night shift", TargetWords: target, ChunkWords: 100, RuleCount: 3}
}

// scenarioA sets "protected" in chunk 2 and tries to reset it in chunk 3.
func scenarioA(k int) (string, error) {
	switch k {
	case 2:
		return "IRREVERSIBLE FLAGS:\n- protected: true", nil
	case 3:
		return "RULE VIOLATIONS:\n- rule_1\n\nIRREVERSIBLE FLAGS:\n- protected: false", nil
	}
	return "RULE VIOLATIONS: None\nWORLD FACTS: None", nil
}

// #endregion

// #region happy-path

func TestRunCompletesAtTarget(t *testing.T) {
	w := setup(t)
	o := newOrch(t, &fakeGen{}, &fakeExt{}, w, testConfig())

	out := o.Run(context.Background(), "s1", params(300))

	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s: %v", out.Status, out.Err)
	}
	if len(out.Checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(out.Checkpoints))
	}
	for i, cp := range out.Checkpoints {
		if cp.ChunkIndex != i+1 || cp.CumulativeWordCount != 100*(i+1) {
			t.Errorf("checkpoint %d: index=%d cumulative=%d", i, cp.ChunkIndex, cp.CumulativeWordCount)
		}
	}
	if got := strings.Count(out.Prose, "\n\n"); got != 2 {
		t.Errorf("expected 3 chunks joined by blank lines, got %d separators", got)
	}
	if !strings.HasPrefix(out.Prose, "c1 ") || !strings.HasSuffix(out.Prose, " c3") {
		t.Errorf("prose out of order")
	}
	if len(out.FinalState.DeltaLog) != 3 {
		t.Errorf("expected 3 delta log entries, got %d", len(out.FinalState.DeltaLog))
	}

	stored, err := w.List("s1")
	if err != nil || len(stored) != 3 {
		t.Fatalf("expected 3 stored checkpoints, got %d (%v)", len(stored), err)
	}
}

func TestRunStopsAtChunkCeiling(t *testing.T) {
	w := setup(t)
	p := params(10000)
	p.MaxChunks = 2
	out := newOrch(t, &fakeGen{}, &fakeExt{}, w, testConfig()).Run(context.Background(), "s1", p)

	if out.Status != StatusComplete || len(out.Checkpoints) != 2 {
		t.Fatalf("expected complete after 2 chunks, got %s with %d", out.Status, len(out.Checkpoints))
	}
}

func TestRunRejectsInvalidParams(t *testing.T) {
	out := newOrch(t, &fakeGen{}, &fakeExt{}, setup(t), testConfig()).Run(context.Background(), "s1", state.UserParams{})
	if out.Status != StatusFailed || out.Err == nil {
		t.Fatalf("expected failure for empty params, got %s", out.Status)
	}
}

func TestRunRefusesExistingSession(t *testing.T) {
	w := setup(t)
	o := newOrch(t, &fakeGen{}, &fakeExt{}, w, testConfig())
	o.Run(context.Background(), "s1", params(100))

	out := o.Run(context.Background(), "s1", params(100))
	if !errors.Is(out.Err, checkpoint.ErrCheckpointExists) {
		t.Fatalf("expected ErrCheckpointExists, got %v", out.Err)
	}
}

func TestPromptContextIsBounded(t *testing.T) {
	gen := &fakeGen{}
	cfg := testConfig()
	cfg.ContextWords = 150
	newOrch(t, gen, &fakeExt{}, setup(t), cfg).Run(context.Background(), "s1", params(400))

	if len(gen.prompts) != 4 {
		t.Fatalf("expected 4 prompts, got %d", len(gen.prompts))
	}
	if gen.prompts[0].PriorProse != "" {
		t.Error("first chunk should have no prior prose")
	}
	last := gen.prompts[3]
	if n := len(strings.Fields(last.PriorProse)); n != 150 {
		t.Errorf("expected 150 words of context, got %d", n)
	}
	if strings.Contains(last.PriorProse, "c1") {
		t.Error("context should not reach back to chunk 1")
	}
	if last.RemainingWords != 100 || last.ChunkWords != 100 {
		t.Errorf("unexpected budget: remaining=%d chunk=%d", last.RemainingWords, last.ChunkWords)
	}
	if len(last.ActiveRules) != 3 {
		t.Errorf("expected 3 active rules, got %d", len(last.ActiveRules))
	}
}

// #endregion

// #region scenarios

func TestScenarioMonotonicityViolationIsWarning(t *testing.T) {
	w := setup(t)
	out := newOrch(t, &fakeGen{}, &fakeExt{fn: scenarioA}, w, testConfig()).Run(context.Background(), "s1", params(300))

	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s: %v", out.Status, out.Err)
	}
	if !out.FinalState.IrreversibleFlags["protected"].Bool {
		t.Fatal("protected must remain true")
	}
	r, _ := out.FinalState.Rule("rule_1")
	if !r.Violated || r.ViolationCount != 1 {
		t.Fatalf("rule_1 should be violated once, got %+v", r)
	}

	cp3 := out.Checkpoints[2]
	found := false
	for _, w := range cp3.Warnings {
		if w.Code == delta.WarnMonotonicity {
			found = true
		}
	}
	if !found {
		t.Fatalf("checkpoint 3 should record the monotonicity warning, got %v", cp3.Warnings)
	}
}

func TestScenarioStrictMonotonicityFails(t *testing.T) {
	cfg := testConfig()
	cfg.StrictMonotonicity = true
	out := newOrch(t, &fakeGen{}, &fakeExt{fn: scenarioA}, setup(t), cfg).Run(context.Background(), "s1", params(1000))

	if out.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	if !errors.Is(out.Err, state.ErrMonotonicity) {
		t.Fatalf("expected ErrMonotonicity, got %v", out.Err)
	}
	if len(out.Checkpoints) != 3 {
		t.Fatalf("violating chunk is still checkpointed, got %d", len(out.Checkpoints))
	}
}

func TestScenarioExtractionFailureIsNonBlocking(t *testing.T) {
	w := setup(t)
	log, err := logging.NewSessionLog(w.DB())
	if err != nil {
		t.Fatalf("session log: %v", err)
	}
	gen := &fakeGen{}
	ext := &fakeExt{fn: func(k int) (string, error) {
		if k == 2 {
			return "", errors.New("quota exceeded")
		}
		return fmt.Sprintf("TIMELINE:\n- event %d", k), nil
	}}
	out := newOrch(t, gen, ext, w, testConfig(), WithEventLog(log)).Run(context.Background(), "s1", params(300))

	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s: %v", out.Status, out.Err)
	}
	cp2 := out.Checkpoints[1]
	if !cp2.Delta.IsEmpty() {
		t.Fatal("chunk 2 delta should be empty")
	}
	if len(cp2.Warnings) != 1 || cp2.Warnings[0].Code != delta.WarnExtractionFailed {
		t.Fatalf("expected extraction_failed warning, got %v", cp2.Warnings)
	}
	if got := cp2.Snapshot.Timeline; len(got) != 1 || got[0] != "event 1" {
		t.Fatalf("chunk 2 state should equal chunk 1 state, got %v", got)
	}
	if !strings.Contains(gen.prompts[2].PriorProse, "c2") {
		t.Fatal("chunk 3 prompt should include chunk 2 prose")
	}
	if got := out.FinalState.Timeline; len(got) != 2 || got[1] != "event 3" {
		t.Fatalf("unexpected final timeline %v", got)
	}

	entries, err := log.List("s1")
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	seen := false
	for _, e := range entries {
		if e.Code == string(delta.WarnExtractionFailed) && e.ChunkIndex == 2 {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("extraction failure not in session log: %+v", entries)
	}
}

func TestScenarioMalformedExtractionDegrades(t *testing.T) {
	ext := &fakeExt{fn: func(k int) (string, error) { return "the model rambled instead", nil }}
	out := newOrch(t, &fakeGen{}, ext, setup(t), testConfig()).Run(context.Background(), "s1", params(100))

	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", out.Status)
	}
	if out.Checkpoints[0].Warnings[0].Code != delta.WarnExtractionFormat {
		t.Fatalf("expected extraction_format warning, got %v", out.Checkpoints[0].Warnings)
	}
}

func TestScenarioGenerationFailureKeepsCheckpoints(t *testing.T) {
	w := setup(t)
	gen := &fakeGen{fn: func(k, attempt int) (Generation, error) {
		if k == 4 {
			return Generation{}, errors.New("503 service unavailable")
		}
		return Generation{Prose: words(fmt.Sprintf("c%d", k), 100), WordCount: 100}, nil
	}}
	out := newOrch(t, gen, &fakeExt{}, w, testConfig()).Run(context.Background(), "s1", params(1000))

	if out.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	var gerr *GenerationError
	if !errors.As(out.Err, &gerr) || !errors.Is(out.Err, ErrGeneration) {
		t.Fatalf("expected GenerationError, got %v", out.Err)
	}
	if gerr.ChunkIndex != 4 || gerr.Attempts != 3 || gen.attempts[4] != 3 {
		t.Fatalf("expected 3 attempts on chunk 4, got %+v (calls %d)", gerr, gen.attempts[4])
	}
	if len(out.Checkpoints) != 3 || out.CumulativeWords() != 300 {
		t.Fatalf("expected 3 checkpoints and 300 words, got %d and %d", len(out.Checkpoints), out.CumulativeWords())
	}
	if strings.Count(out.Prose, "\n\n") != 2 {
		t.Error("outcome should expose the 3 completed chunks")
	}
	stored, _ := w.List("s1")
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored checkpoints, got %d", len(stored))
	}
}

func TestGenerationRetrySucceeds(t *testing.T) {
	gen := &fakeGen{fn: func(k, attempt int) (Generation, error) {
		if attempt == 1 {
			return Generation{}, errors.New("timeout")
		}
		if attempt == 2 {
			return Generation{Prose: "   "}, nil
		}
		return Generation{Prose: words("ok", 100)}, nil
	}}
	out := newOrch(t, gen, &fakeExt{}, setup(t), testConfig()).Run(context.Background(), "s1", params(100))

	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s: %v", out.Status, out.Err)
	}
	if gen.attempts[1] != 3 {
		t.Fatalf("expected 3 attempts, got %d", gen.attempts[1])
	}
	if out.Checkpoints[0].ChunkWordCount != 100 {
		t.Fatalf("word count should be counted from prose, got %d", out.Checkpoints[0].ChunkWordCount)
	}
}

func TestCheckpointWriteFailureIsFatal(t *testing.T) {
	w := &failingWriter{Writer: setup(t), failAt: 2}
	out := newOrch(t, &fakeGen{}, &fakeExt{}, w, testConfig()).Run(context.Background(), "s1", params(500))

	if out.Status != StatusFailed || !errors.Is(out.Err, checkpoint.ErrStorage) {
		t.Fatalf("expected storage failure, got %s: %v", out.Status, out.Err)
	}
	if len(out.Checkpoints) != 1 {
		t.Fatalf("expected only chunk 1 in outcome, got %d", len(out.Checkpoints))
	}
	if n := len(out.FinalState.DeltaLog); n != 1 {
		t.Fatalf("final state should stop at the last checkpoint, got %d delta log entries", n)
	}
	if got := out.FinalState.WorldFacts["last chunk"]; got.Kind != state.KindNumber || got.Number != 1 {
		t.Fatalf("final state carries an unwritten chunk: last chunk = %+v", got)
	}
}

func TestCheckpointWriteFailureKeepsLastWrittenState(t *testing.T) {
	ext := &fakeExt{fn: func(k int) (string, error) {
		return fmt.Sprintf("TIMELINE:\n- event %d", k), nil
	}}
	w := &failingWriter{Writer: setup(t), failAt: 3}
	out := newOrch(t, &fakeGen{}, ext, w, testConfig()).Run(context.Background(), "s1", params(500))

	if out.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	last := out.Checkpoints[len(out.Checkpoints)-1]
	got, want := out.FinalState.Timeline, last.Snapshot.Timeline
	if strings.Join(got, "|") != strings.Join(want, "|") || len(got) != 2 {
		t.Fatalf("final timeline %v, last checkpoint timeline %v", got, want)
	}
	if len(out.FinalState.DeltaLog) != 2 {
		t.Fatalf("expected 2 delta log entries, got %d", len(out.FinalState.DeltaLog))
	}
}

func TestCancelBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ext := &fakeExt{fn: func(k int) (string, error) {
		if k == 2 {
			cancel()
		}
		return "WORLD FACTS: None", nil
	}}
	w := setup(t)
	out := newOrch(t, &fakeGen{}, ext, w, testConfig()).Run(ctx, "s1", params(1000))

	if out.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", out.Status)
	}
	if len(out.Checkpoints) != 2 {
		t.Fatalf("chunk 2 should finish before cancellation, got %d checkpoints", len(out.Checkpoints))
	}
}

func TestCancelDuringExtractionKeepsDelta(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ext := &cancellingExt{cancelAt: 2, cancel: cancel}
	out := newOrch(t, &fakeGen{}, ext, setup(t), testConfig()).Run(ctx, "s1", params(1000))

	if out.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", out.Status)
	}
	if len(out.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(out.Checkpoints))
	}
	cp2 := out.Checkpoints[1]
	if cp2.Delta.IsEmpty() {
		t.Fatal("chunk 2 delta should survive cancellation")
	}
	for _, w := range cp2.Warnings {
		if w.Code == delta.WarnExtractionFailed {
			t.Fatalf("unexpected extraction_failed warning: %v", w)
		}
	}
	if got := cp2.Snapshot.Timeline; len(got) != 2 || got[1] != "event 2" {
		t.Fatalf("unexpected chunk 2 timeline %v", got)
	}
}

func TestNonFiniteFactDoesNotBreakCheckpoint(t *testing.T) {
	ext := &fakeExt{fn: func(k int) (string, error) {
		return "WORLD FACTS:\n- fog density: inf", nil
	}}
	w := setup(t)
	out := newOrch(t, &fakeGen{}, ext, w, testConfig()).Run(context.Background(), "s1", params(200))

	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s: %v", out.Status, out.Err)
	}
	got := out.FinalState.WorldFacts["fog density"]
	if got.Kind != state.KindString || got.Text != "inf" {
		t.Fatalf("expected fog density stored as text, got %+v", got)
	}
	stored, err := w.List("s1")
	if err != nil || len(stored) != 2 {
		t.Fatalf("expected 2 stored checkpoints, got %d (%v)", len(stored), err)
	}
}

// #endregion

// #region resume

func TestResumeContinuesFromLatestCheckpoint(t *testing.T) {
	w := setup(t)
	failing := &fakeGen{fn: func(k, attempt int) (Generation, error) {
		if k == 3 {
			return Generation{}, errors.New("down")
		}
		return Generation{Prose: words(fmt.Sprintf("c%d", k), 100)}, nil
	}}
	first := newOrch(t, failing, &fakeExt{fn: scenarioA}, w, testConfig()).Run(context.Background(), "s1", params(400))
	if first.Status != StatusFailed || len(first.Checkpoints) != 2 {
		t.Fatalf("setup: expected failure after 2 chunks, got %s/%d", first.Status, len(first.Checkpoints))
	}

	gen := &fakeGen{}
	out := newOrch(t, gen, &fakeExt{fn: scenarioA}, w, testConfig()).Resume(context.Background(), "s1")

	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s: %v", out.Status, out.Err)
	}
	if len(out.Checkpoints) != 4 || out.CumulativeWords() != 400 {
		t.Fatalf("expected 4 checkpoints / 400 words, got %d / %d", len(out.Checkpoints), out.CumulativeWords())
	}
	if gen.attempts[1] != 0 || gen.attempts[3] != 1 {
		t.Fatalf("resume should start at chunk 3, attempts=%v", gen.attempts)
	}
	if !strings.Contains(gen.prompts[0].PriorProse, "c2") {
		t.Error("resumed context should include stored prose")
	}
	if !out.FinalState.IrreversibleFlags["protected"].Bool {
		t.Error("restored state should keep protected=true")
	}
	if !strings.HasPrefix(out.Prose, "c1 ") {
		t.Error("resumed outcome should include earlier chunks")
	}
}

func TestResumeCompletedSessionIsNoop(t *testing.T) {
	w := setup(t)
	newOrch(t, &fakeGen{}, &fakeExt{}, w, testConfig()).Run(context.Background(), "s1", params(200))

	gen := &fakeGen{}
	out := newOrch(t, gen, &fakeExt{}, w, testConfig()).Resume(context.Background(), "s1")
	if out.Status != StatusComplete || len(gen.prompts) != 0 {
		t.Fatalf("expected immediate completion, got %s with %d calls", out.Status, len(gen.prompts))
	}
}

func TestResumeUnknownSession(t *testing.T) {
	out := newOrch(t, &fakeGen{}, &fakeExt{}, setup(t), testConfig()).Resume(context.Background(), "missing")
	if !errors.Is(out.Err, ErrNothingToResume) {
		t.Fatalf("expected ErrNothingToResume, got %v", out.Err)
	}
}

// #endregion

// #region retry-policy

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Backoff: 10}

	if ok, wait := p.ShouldRetry(1, errors.New("x")); !ok || wait != 10 {
		t.Errorf("attempt 1 should retry after 10, got %v %v", ok, wait)
	}
	if ok, wait := p.ShouldRetry(2, errors.New("x")); !ok || wait != 20 {
		t.Errorf("attempt 2 should retry after 20, got %v %v", ok, wait)
	}
	if ok, _ := p.ShouldRetry(3, errors.New("x")); ok {
		t.Error("should not retry after 3 attempts")
	}
	if ok, _ := p.ShouldRetry(1, context.Canceled); ok {
		t.Error("should not retry cancellation")
	}
}

// #endregion
