// Package errors defines the runtime error taxonomy raised by the
// execution engine and the assembler.
package errors

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ErrorType classifies an engine error.
type ErrorType string

const (
	TypeError    ErrorType = "TypeError"
	ValueError   ErrorType = "ValueError"
	IndexError   ErrorType = "IndexError"
	RuntimeError ErrorType = "RuntimeError"
	AsmError     ErrorType = "AsmError"
)

// EngineError is an error raised while executing or assembling a
// chunk, carrying enough position information for a useful report.
type EngineError struct {
	Type    ErrorType
	Message string
	Chunk   string
	PC      int // instruction offset, -1 when unknown
	Line    int // source line, 0 when unknown
}

func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Type, e.Message)
	if e.Chunk != "" {
		fmt.Fprintf(&sb, "\n  in %s", e.Chunk)
		if e.PC >= 0 {
			fmt.Fprintf(&sb, " at %04d", e.PC)
		}
		if e.Line > 0 {
			fmt.Fprintf(&sb, " (line %d)", e.Line)
		}
	}
	return sb.String()
}

// New creates an engine error without position information; the
// interpreter fills in chunk and offset as the error propagates.
func New(t ErrorType, format string, args ...interface{}) *EngineError {
	return &EngineError{Type: t, Message: fmt.Sprintf(format, args...), PC: -1}
}

// NewTypeError reports an operation applied to unsupported operand
// kinds, e.g. "unsupported operand types for addition: int and str".
func NewTypeError(op string, left, right string) *EngineError {
	return New(TypeError, "unsupported operand types for %s: %s and %s", op, left, right)
}

// NewDivisionByZero reports integer or float division by zero.
func NewDivisionByZero() *EngineError {
	return New(ValueError, "division by zero")
}

// At attaches position information, keeping any already present.
func (e *EngineError) At(chunk string, pc, line int) *EngineError {
	if e.Chunk == "" {
		e.Chunk = chunk
		e.PC = pc
		e.Line = line
	}
	return e
}

// Is makes errors.Is work against a bare taxonomy sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// Wrap annotates an arbitrary error with context, preserving an
// EngineError unwrapped so its taxonomy survives.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*EngineError); ok {
		return err
	}
	return pkgerrors.Wrap(err, msg)
}

// IsType reports whether err is an EngineError of the given type.
func IsType(err error, t ErrorType) bool {
	e, ok := err.(*EngineError)
	return ok && e.Type == t
}
