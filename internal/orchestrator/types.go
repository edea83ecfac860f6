package orchestrator

// #region imports
import (
	"context"
	"time"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/logging"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #endregion

// #region status

// Status is the orchestrator's state machine position.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// #endregion

// #region prompt-context

// PromptContext is everything the generator gets for one chunk besides the
// state itself. PriorProse is bounded to the last ContextWords words.
type PromptContext struct {
	SessionID      string
	ChunkIndex     int
	Premise        string
	Setting        string
	Narrator       string
	ChunkWords     int
	RemainingWords int
	PriorProse     string
	ActiveRules    []state.Rule
	RecentTimeline []string
}

// #endregion

// #region capabilities

// Generation is one chunk of prose returned by a Generator.
type Generation struct {
	Prose     string
	WordCount int
}

// Generator produces the prose for one chunk. Calls must be safe to retry.
type Generator interface {
	Generate(ctx context.Context, pc PromptContext, st state.CanonicalState, chunkIndex int) (Generation, error)
}

// Extractor returns the delta text describing what the prose changed.
type Extractor interface {
	Extract(ctx context.Context, prose string, st state.CanonicalState) (string, error)
}

// EventLog receives the non-fatal conditions of a session.
type EventLog interface {
	Append(entry logging.Entry) error
}

// Observer receives loop telemetry. All methods must be cheap.
type Observer interface {
	GenerationAttempt(err error)
	ExtractionFailed()
	ChunkCommitted(words int, elapsed time.Duration, warnings int)
	SessionFinished(status Status)
}

type noopObserver struct{}

func (noopObserver) GenerationAttempt(error) {}
func (noopObserver) ExtractionFailed() {}
func (noopObserver) ChunkCommitted(int, time.Duration, int) {}
func (noopObserver) SessionFinished(Status) {}

// #endregion

// #region config

// Config bounds the loop's external calls and prompt size.
type Config struct {
	MaxGenerationAttempts int           `yaml:"max_generation_attempts" validate:"gte=1,lte=10"`
	RetryBackoff          time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	GenerateTimeout       time.Duration `yaml:"generate_timeout" validate:"gte=0"`
	ExtractTimeout        time.Duration `yaml:"extract_timeout" validate:"gte=0"`
	ContextWords          int           `yaml:"context_words" validate:"gte=0"`
	TimelineWindow        int           `yaml:"timeline_window" validate:"gte=0"`
	StrictMonotonicity    bool          `yaml:"strict_monotonicity"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxGenerationAttempts: 3,
		RetryBackoff:          500 * time.Millisecond,
		GenerateTimeout:       2 * time.Minute,
		ExtractTimeout:        time.Minute,
		ContextWords:          400,
		TimelineWindow:        12,
	}
}

// #endregion

// #region outcome

// Outcome is the terminal result of Run or Resume. Checkpoints holds every
// checkpoint written for the session, including on failure.
type Outcome struct {
	SessionID   string
	Status      Status
	Prose       string
	Checkpoints []checkpoint.Checkpoint
	FinalState  state.CanonicalState
	Warnings    int
	Err         error
}

// CumulativeWords returns the word count of the last checkpoint.
func (o Outcome) CumulativeWords() int {
	if len(o.Checkpoints) == 0 {
		return 0
	}
	return o.Checkpoints[len(o.Checkpoints)-1].CumulativeWordCount
}

// #endregion
