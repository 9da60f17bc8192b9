package logic

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTokenNotFound is returned when no rule is registered for a token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrDataSourceNotFound is returned when a named data source is not registered.
	ErrDataSourceNotFound = errors.New("data source not found")

	// ErrKeyNotFound is returned when a data source does not serve a key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEvaluationTimeout is returned when an evaluation exceeds its deadline.
	ErrEvaluationTimeout = errors.New("evaluation timed out")

	// ErrTypeMismatch is wrapped by TypeMismatchError.
	ErrTypeMismatch = errors.New("operand does not support operator")

	// ErrCycleDetected is wrapped by CycleError.
	ErrCycleDetected = errors.New("rule dependency cycle detected")
)

// TokenError reports a token that could not be resolved.
type TokenError struct {
	Token string
}

func (e *TokenError) Error() string { return fmt.Sprintf("token not found: %q", e.Token) }

func (e *TokenError) Unwrap() error { return ErrTokenNotFound }

// DataSourceError reports a missing data source, or a key the data source does
// not serve when Key is set.
type DataSourceError struct {
	DataSource string
	Key        string
}

func (e *DataSourceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("data source %q does not serve key %q", e.DataSource, e.Key)
	}
	return fmt.Sprintf("data source not found: %q", e.DataSource)
}

func (e *DataSourceError) Unwrap() error {
	if e.Key != "" {
		return ErrKeyNotFound
	}
	return ErrDataSourceNotFound
}

// ParseError reports malformed criteria text. Position is the byte offset of
// the offending input.
type ParseError struct {
	Position int
	Message  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Position, e.Message)
}

// TypeMismatchError is returned when an operand is combined with an operator
// it does not support.
type TypeMismatchError struct {
	Operator Operator
	Operand  Operand
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("operand %s does not support operator %s", describeOperand(e.Operand), e.Operator)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// CycleError reports the chain of tokens that led back to a token already
// being evaluated.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "rule dependency cycle: " + strings.Join(e.Chain, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

func describeOperand(o Operand) string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T(%s)", o, o.String())
}
