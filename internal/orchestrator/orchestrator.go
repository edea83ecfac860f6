package orchestrator

// #region imports
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/eval"
	"github.com/danielpatrickdp/chunkforge/internal/gate"
	"github.com/danielpatrickdp/chunkforge/internal/logging"
	"github.com/danielpatrickdp/chunkforge/internal/prose"
	"github.com/danielpatrickdp/chunkforge/internal/state"
	"github.com/danielpatrickdp/chunkforge/internal/update"
)

// #endregion

// #region orchestrator-struct

// Orchestrator drives the chunk loop of one session at a time. It holds no
// per-session state, so one Orchestrator can serve many concurrent sessions.
type Orchestrator struct {
	gen    Generator
	ext    Extractor
	writer checkpoint.Writer
	events EventLog
	obs    Observer
	audit  *eval.EvalHarness
	retry  RetryPolicy
	config Config
	logger *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEventLog appends non-fatal conditions to a durable session log.
func WithEventLog(l EventLog) Option { return func(o *Orchestrator) { o.events = l } }

// WithObserver reports loop telemetry.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.obs = obs } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// session is the loop-local state of one run. Only the loop goroutine touches it.
type session struct {
	id         string
	store      *state.Store
	gate       *gate.Gate
	chunks     []string
	cps        []checkpoint.Checkpoint
	cumulative int
	next       int
	warnings   int
}

// #endregion

// #region constructor

// New wires an orchestrator. Zero config fields fall back to DefaultConfig.
func New(gen Generator, ext Extractor, writer checkpoint.Writer, cfg Config, opts ...Option) (*Orchestrator, error) {
	if gen == nil || ext == nil || writer == nil {
		return nil, errors.New("orchestrator: generator, extractor and writer are required")
	}
	def := DefaultConfig()
	if cfg.MaxGenerationAttempts <= 0 {
		cfg.MaxGenerationAttempts = def.MaxGenerationAttempts
	}
	if cfg.ContextWords < 0 {
		cfg.ContextWords = 0
	}

	o := &Orchestrator{
		gen:    gen,
		ext:    ext,
		writer: writer,
		obs:    noopObserver{},
		audit:  eval.NewEvalHarness(eval.DefaultEvalConfig()),
		retry:  RetryPolicy{MaxAttempts: cfg.MaxGenerationAttempts, Backoff: cfg.RetryBackoff},
		config: cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With(slog.String("component", "orchestrator"))
	return o, nil
}

// #endregion

// #region run

// Run starts a fresh session and blocks until it reaches a terminal status.
// Cancelling ctx stops the loop between chunks.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, params state.UserParams) Outcome {
	if err := params.Validate(); err != nil {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Err: fmt.Errorf("params: %w", err)}
	}
	if _, ok, err := o.writer.LoadLatest(sessionID); err != nil {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Err: err}
	} else if ok {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Err: fmt.Errorf("session %s already has checkpoints: %w", sessionID, checkpoint.ErrCheckpointExists)}
	}
	store, err := state.Initialize(sessionID, params)
	if err != nil {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Err: err}
	}

	s := &session{
		id:    sessionID,
		store: store,
		gate:  gate.NewGate(gate.ConfigFor(params, o.config.StrictMonotonicity)),
		next:  1,
	}
	o.logger.Info("session started",
		slog.String("session_id", sessionID),
		slog.Int("target_words", params.TargetWords),
		slog.Int("rules", params.RuleCount),
		slog.Int("max_chunks", s.gate.Config().MaxChunks))
	o.event(s, 0, logging.LevelInfo, "session_started", "session started", nil)
	return o.loop(ctx, s)
}

// #endregion

// #region resume

// Resume continues a session from its latest checkpoint. The stored sequence
// is audited first and the state is restored from the latest snapshot.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) Outcome {
	cps, err := o.writer.List(sessionID)
	if err != nil {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Err: err}
	}
	if len(cps) == 0 {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Err: fmt.Errorf("session %s: %w", sessionID, ErrNothingToResume)}
	}
	if result := o.audit.Run(cps); !result.Passed {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Checkpoints: cps,
			Err: fmt.Errorf("session %s: %w: %s", sessionID, ErrInconsistentSequence, result.Reason)}
	}

	last := cps[len(cps)-1]
	store, err := state.FromSnapshot(last.Snapshot)
	if err != nil {
		return Outcome{SessionID: sessionID, Status: StatusFailed, Checkpoints: cps, Err: err}
	}
	s := &session{
		id:         sessionID,
		store:      store,
		gate:       gate.NewGate(gate.ConfigFor(last.Snapshot.UserParams, o.config.StrictMonotonicity)),
		cps:        cps,
		cumulative: last.CumulativeWordCount,
		next:       last.ChunkIndex + 1,
	}
	for _, cp := range cps {
		s.chunks = append(s.chunks, cp.Prose)
		s.warnings += len(cp.Warnings)
	}

	o.logger.Info("session resumed",
		slog.String("session_id", sessionID),
		slog.Int("from_chunk", s.next),
		slog.Int("cumulative_words", s.cumulative))
	o.event(s, last.ChunkIndex, logging.LevelInfo, "session_resumed", fmt.Sprintf("resumed at chunk %d", s.next), nil)

	if d := s.gate.Evaluate(gate.Input{ChunkIndex: last.ChunkIndex, CumulativeWords: s.cumulative}); d.Action != gate.ActionContinue {
		return o.finish(s, StatusComplete, nil)
	}
	return o.loop(ctx, s)
}

// #endregion

// #region loop

func (o *Orchestrator) loop(ctx context.Context, s *session) Outcome {
	for {
		// Cancellation is only observed here, never between apply and write.
		if err := ctx.Err(); err != nil {
			return o.finish(s, StatusCancelled, err)
		}

		k := s.next
		start := time.Now()
		snapshot := s.store.Get()
		pc := o.promptContext(s, snapshot, k)

		gen, err := o.generate(ctx, s, pc, snapshot, k)
		if err != nil {
			if ctx.Err() != nil {
				return o.finish(s, StatusCancelled, ctx.Err())
			}
			return o.finish(s, StatusFailed, err)
		}

		d, warnings := o.deltaFor(ctx, s, gen.Prose, snapshot, k)

		result, err := update.Apply(s.store, d)
		if err != nil {
			o.rollback(s, snapshot)
			return o.finish(s, StatusFailed, err)
		}
		warnings = append(warnings, result.Warnings...)

		cp := checkpoint.Checkpoint{
			ProtocolVersion:     checkpoint.ProtocolVersion,
			SessionID:           s.id,
			ChunkIndex:          k,
			ChunkWordCount:      gen.WordCount,
			CumulativeWordCount: s.cumulative + gen.WordCount,
			Delta:               d,
			Snapshot:            s.store.Get(),
			Prose:               gen.Prose,
			Warnings:            warnings,
			CreatedAt:           time.Now().UTC(),
		}
		if err := o.writer.Write(cp); err != nil {
			o.logger.Error("checkpoint write failed",
				slog.String("session_id", s.id),
				slog.Int("chunk", k),
				slog.String("error", err.Error()))
			o.rollback(s, snapshot)
			return o.finish(s, StatusFailed, fmt.Errorf("write checkpoint %d: %w", k, err))
		}

		s.cumulative = cp.CumulativeWordCount
		s.cps = append(s.cps, cp)
		s.chunks = append(s.chunks, gen.Prose)
		s.warnings += len(warnings)
		for _, w := range warnings {
			o.event(s, k, logging.LevelWarn, string(w.Code), w.String(), w)
		}
		o.obs.ChunkCommitted(gen.WordCount, time.Since(start), len(warnings))

		o.logger.Info("chunk committed",
			slog.String("session_id", s.id),
			slog.Int("chunk", k),
			slog.Int("words", gen.WordCount),
			slog.Int("cumulative_words", s.cumulative),
			slog.Int("changes", len(result.ChangesApplied)),
			slog.Int("warnings", len(warnings)),
			slog.String("decision", result.Decision.Action))

		decision := s.gate.Evaluate(gate.Input{
			ChunkIndex:      k,
			CumulativeWords: s.cumulative,
			Violations:      len(result.Violations),
		})
		switch decision.Action {
		case gate.ActionComplete:
			o.logger.Info("session stopping", slog.String("session_id", s.id), slog.String("reason", decision.Reason))
			return o.finish(s, StatusComplete, nil)
		case gate.ActionFail:
			return o.finish(s, StatusFailed, fmt.Errorf("chunk %d: %w: %s", k, state.ErrMonotonicity, decision.Reason))
		}
		s.next++
	}
}

// rollback puts the store back to the snapshot taken before the chunk was
// applied, so the final state never runs ahead of the last checkpoint.
func (o *Orchestrator) rollback(s *session, snapshot state.CanonicalState) {
	store, err := state.FromSnapshot(snapshot)
	if err != nil {
		o.logger.Error("state rollback failed",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
		return
	}
	s.store = store
}

// #endregion

// #region generate

// generate calls the generator with bounded retries. Each attempt has its own
// timeout; a timed-out attempt counts as a failed one.
func (o *Orchestrator) generate(ctx context.Context, s *session, pc PromptContext, snapshot state.CanonicalState, k int) (Generation, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		gen, err := o.generateOnce(ctx, pc, snapshot, k)
		o.obs.GenerationAttempt(err)
		if err == nil {
			return gen, nil
		}
		lastErr = err

		retry, wait := o.retry.ShouldRetry(attempt, err)
		if ctx.Err() != nil {
			retry = false
		}
		o.logger.Warn("generation attempt failed",
			slog.String("session_id", s.id),
			slog.Int("chunk", k),
			slog.Int("attempt", attempt),
			slog.Bool("retry", retry),
			slog.String("error", err.Error()))
		o.event(s, k, logging.LevelWarn, "generation_retry", fmt.Sprintf("attempt %d: %v", attempt, err), nil)

		if !retry {
			return Generation{}, &GenerationError{ChunkIndex: k, Attempts: attempt, Err: lastErr}
		}
		if err := sleep(ctx, wait); err != nil {
			return Generation{}, &GenerationError{ChunkIndex: k, Attempts: attempt, Err: err}
		}
	}
}

func (o *Orchestrator) generateOnce(ctx context.Context, pc PromptContext, snapshot state.CanonicalState, k int) (Generation, error) {
	callCtx, cancel := withTimeout(ctx, o.config.GenerateTimeout)
	defer cancel()

	gen, err := o.gen.Generate(callCtx, pc, snapshot, k)
	if err != nil {
		return Generation{}, err
	}
	if prose.WordCount(gen.Prose) == 0 {
		return Generation{}, errors.New("empty prose")
	}
	if gen.WordCount <= 0 {
		gen.WordCount = prose.WordCount(gen.Prose)
	}
	return gen, nil
}

// #endregion

// #region extract

// deltaFor runs extraction and parsing. Any failure degrades to an empty delta
// plus a warning; extraction never stops the session. Extraction for prose
// already generated is not cut short by cancellation, only by its own timeout.
func (o *Orchestrator) deltaFor(ctx context.Context, s *session, text string, snapshot state.CanonicalState, k int) (delta.StateDelta, []delta.Warning) {
	callCtx, cancel := withTimeout(context.WithoutCancel(ctx), o.config.ExtractTimeout)
	defer cancel()

	raw, err := o.ext.Extract(callCtx, text, snapshot)
	if err != nil {
		xerr := &ExtractionError{ChunkIndex: k, Err: err}
		o.obs.ExtractionFailed()
		o.logger.Warn("extraction failed, continuing with empty delta",
			slog.String("session_id", s.id),
			slog.Int("chunk", k),
			slog.String("error", err.Error()))
		return delta.Empty(k), []delta.Warning{{Code: delta.WarnExtractionFailed, Message: xerr.Error()}}
	}

	d, warnings, err := delta.Parse(raw, k)
	if err != nil {
		o.obs.ExtractionFailed()
		o.logger.Warn("extraction text unusable, continuing with empty delta",
			slog.String("session_id", s.id),
			slog.Int("chunk", k),
			slog.String("error", err.Error()))
		return delta.Empty(k), []delta.Warning{{Code: delta.WarnExtractionFormat, Message: err.Error()}}
	}
	return d, warnings
}

// #endregion

// #region prompt

func (o *Orchestrator) promptContext(s *session, st state.CanonicalState, k int) PromptContext {
	p := st.UserParams
	remaining := p.TargetWords - s.cumulative
	if remaining < 0 {
		remaining = 0
	}
	chunkWords := p.ChunkWords
	if chunkWords <= 0 || chunkWords > remaining {
		chunkWords = remaining
	}

	var rules []state.Rule
	for _, r := range st.Rules {
		if r.Active {
			rules = append(rules, r)
		}
	}
	timeline := st.Timeline
	if n := o.config.TimelineWindow; n > 0 && len(timeline) > n {
		timeline = timeline[len(timeline)-n:]
	}

	return PromptContext{
		SessionID:      s.id,
		ChunkIndex:     k,
		Premise:        p.Premise,
		Setting:        p.Setting,
		Narrator:       p.Narrator,
		ChunkWords:     chunkWords,
		RemainingWords: remaining,
		PriorProse:     prose.Tail(s.chunks, o.config.ContextWords),
		ActiveRules:    rules,
		RecentTimeline: timeline,
	}
}

// #endregion

// #region finish

func (o *Orchestrator) finish(s *session, status Status, err error) Outcome {
	out := Outcome{
		SessionID:   s.id,
		Status:      status,
		Prose:       prose.Join(s.chunks),
		Checkpoints: s.cps,
		FinalState:  s.store.Get(),
		Warnings:    s.warnings,
		Err:         err,
	}

	attrs := []any{
		slog.String("session_id", s.id),
		slog.String("status", string(status)),
		slog.Int("chunks", len(s.cps)),
		slog.Int("cumulative_words", s.cumulative),
		slog.Int("warnings", s.warnings),
	}
	level, msg := logging.LevelInfo, "session finished"
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		if status == StatusFailed {
			level = logging.LevelError
			o.logger.Error("session failed", attrs...)
		} else {
			o.logger.Info("session cancelled", attrs...)
		}
		msg = err.Error()
	} else {
		o.logger.Info("session finished", attrs...)
	}
	o.event(s, len(s.cps), level, "session_"+string(status), msg, nil)
	o.obs.SessionFinished(status)
	return out
}

// event appends to the session log. Log failures are reported and dropped.
func (o *Orchestrator) event(s *session, chunk int, level, code, msg string, detail any) {
	if o.events == nil {
		return
	}
	entry := logging.Entry{SessionID: s.id, ChunkIndex: chunk, Level: level, Code: code, Message: msg}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			entry.DetailJSON = string(b)
		}
	}
	if err := o.events.Append(entry); err != nil {
		o.logger.Warn("session log append failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// #endregion
