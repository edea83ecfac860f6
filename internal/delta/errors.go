package delta

import (
	"errors"
	"fmt"
)

// ErrExtractionFormat marks extraction text that cannot be read as a delta at all.
var ErrExtractionFormat = errors.New("extraction format error")

// ExtractionFormatError describes why the whole extraction text was rejected.
type ExtractionFormatError struct {
	Reason string
	Line   int
}

func (e *ExtractionFormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("extraction format: %s (line %d)", e.Reason, e.Line)
	}
	return fmt.Sprintf("extraction format: %s", e.Reason)
}

func (e *ExtractionFormatError) Unwrap() error { return ErrExtractionFormat }
