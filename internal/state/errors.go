package state

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRule   = errors.New("unknown rule")
	ErrDuplicateRule = errors.New("duplicate rule")
	ErrMonotonicity  = errors.New("monotonicity violation")
	ErrInvalidName   = errors.New("empty name")
	ErrInvalidParams = errors.New("invalid params")
)

// UnknownRuleError is returned when a violation references a rule id that does not exist.
type UnknownRuleError struct {
	RuleID string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown rule %q", e.RuleID)
}

func (e *UnknownRuleError) Unwrap() error { return ErrUnknownRule }

// MonotonicityViolationError is returned when an irreversible flag would move backwards.
type MonotonicityViolationError struct {
	Flag string
	From Value
	To   Value
}

func (e *MonotonicityViolationError) Error() string {
	return fmt.Sprintf("irreversible flag %q cannot move from %s to %s", e.Flag, e.From, e.To)
}

func (e *MonotonicityViolationError) Unwrap() error { return ErrMonotonicity }
