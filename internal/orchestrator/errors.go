package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrGeneration marks a failed prose generation call.
	ErrGeneration = errors.New("generation failed")
	// ErrExtraction marks a failed delta extraction call.
	ErrExtraction = errors.New("extraction failed")
	// ErrNothingToResume is returned by Resume for a session without checkpoints.
	ErrNothingToResume = errors.New("no checkpoints to resume")
	// ErrInconsistentSequence is returned by Resume when the stored sequence fails the audit.
	ErrInconsistentSequence = errors.New("inconsistent checkpoint sequence")
)

// GenerationError is returned once every attempt for a chunk has failed.
type GenerationError struct {
	ChunkIndex int
	Attempts   int
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate chunk %d: %d attempts: %v", e.ChunkIndex, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGeneration, e.Err} }

// ExtractionError wraps a failed or timed-out extraction call.
type ExtractionError struct {
	ChunkIndex int
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract chunk %d: %v", e.ChunkIndex, e.Err)
}

func (e *ExtractionError) Unwrap() []error { return []error{ErrExtraction, e.Err} }
