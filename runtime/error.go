package runtime

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// ErrorKind classifies every failure the engine can report.
type ErrorKind string

const (
	ErrorKindParsing                 ErrorKind = "ParsingError"
	ErrorKindUndefinedFunction       ErrorKind = "UndefinedFunction"
	ErrorKindUndefinedVariable       ErrorKind = "UndefinedVariable"
	ErrorKindUndefinedVariableValue  ErrorKind = "UndefinedVariableValue"
	ErrorKindArgumentCountMismatch   ErrorKind = "ArgumentCountMismatch"
	ErrorKindArgumentTypeMismatch    ErrorKind = "ArgumentTypeMismatch"
	ErrorKindValidationFailed        ErrorKind = "ValidationFailed"
	ErrorKindMissingVariableRegistry ErrorKind = "MissingVariableRegistry"
	ErrorKindMissingStepValue        ErrorKind = "MissingStepValue"
	ErrorKindStepExecution           ErrorKind = "StepExecutionError"
	ErrorKindOnErrorDepthExceeded    ErrorKind = "OnErrorDepthExceeded"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrParsing                 = &Error{Kind: ErrorKindParsing, Position: -1}
	ErrUndefinedFunction       = &Error{Kind: ErrorKindUndefinedFunction, Position: -1}
	ErrUndefinedVariable       = &Error{Kind: ErrorKindUndefinedVariable, Position: -1}
	ErrUndefinedVariableValue  = &Error{Kind: ErrorKindUndefinedVariableValue, Position: -1}
	ErrArgumentCountMismatch   = &Error{Kind: ErrorKindArgumentCountMismatch, Position: -1}
	ErrArgumentTypeMismatch    = &Error{Kind: ErrorKindArgumentTypeMismatch, Position: -1}
	ErrValidationFailed        = &Error{Kind: ErrorKindValidationFailed, Position: -1}
	ErrMissingVariableRegistry = &Error{Kind: ErrorKindMissingVariableRegistry, Position: -1}
	ErrMissingStepValue        = &Error{Kind: ErrorKindMissingStepValue, Position: -1}
	ErrStepExecution           = &Error{Kind: ErrorKindStepExecution, Position: -1}
	ErrOnErrorDepthExceeded    = &Error{Kind: ErrorKindOnErrorDepthExceeded, Position: -1}
)

// Error is the canonical error type produced by the loader, the validators and
// the executor. Function, Variable and Position name the offending element;
// Position is -1 when no argument position applies.
type Error struct {
	Kind     ErrorKind
	Message  string
	Function string
	Variable string
	Position int
	Attempts int
	Err      error          // underlying cause, if any
	Metadata map[string]any // free-form details attached by function implementations
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(defaultMessage(e.Kind))
	}

	var details []string
	if e.Function != "" {
		details = append(details, "function: "+e.Function)
	}
	if e.Variable != "" {
		details = append(details, "variable: "+e.Variable)
	}
	if e.Position >= 0 {
		details = append(details, fmt.Sprintf("position: %d", e.Position))
	}
	if e.Attempts > 1 {
		details = append(details, fmt.Sprintf("attempts: %d", e.Attempts))
	}
	if len(details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(details, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. Sentinels carry
// only a kind, so errors.Is(err, ErrUndefinedFunction) matches any
// UndefinedFunction failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// clone returns a copy of e with its own metadata map.
func (e *Error) clone() *Error {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = maps.Clone(e.Metadata)
	}
	return &cp
}

// WithMetadata adds metadata to the error
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// WithMetadataMap adds multiple metadata entries
func (e *Error) WithMetadataMap(metadata map[string]any) *Error {
	for k, v := range metadata {
		e.WithMetadata(k, v)
	}
	return e
}

// ToMap converts the error to a map suitable for JSON responses and logs.
func (e *Error) ToMap() map[string]any {
	m := map[string]any{
		"kind":    string(e.Kind),
		"message": e.Error(),
	}
	if e.Function != "" {
		m["function"] = e.Function
	}
	if e.Variable != "" {
		m["variable"] = e.Variable
	}
	if e.Position >= 0 {
		m["position"] = e.Position
	}
	if e.Attempts > 0 {
		m["attempts"] = e.Attempts
	}
	if len(e.Metadata) > 0 {
		m["meta"] = e.Metadata
	}
	return m
}

// NewStepError wraps a failure raised by a function implementation.
func NewStepError(err error) *Error {
	return &Error{Kind: ErrorKindStepExecution, Err: err, Position: -1}
}

// KindOf returns the ErrorKind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func parsingError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindParsing, Message: fmt.Sprintf(format, args...), Position: -1}
}

func functionError(kind ErrorKind, fn string, position int) *Error {
	return &Error{Kind: kind, Function: fn, Position: position}
}

func variableError(kind ErrorKind, name string, cause error) *Error {
	return &Error{Kind: kind, Variable: name, Err: cause, Position: -1}
}

func defaultMessage(kind ErrorKind) string {
	switch kind {
	case ErrorKindUndefinedFunction:
		return "function is not registered"
	case ErrorKindUndefinedVariable:
		return "variable is not registered"
	case ErrorKindUndefinedVariableValue:
		return "variable has no value set"
	case ErrorKindArgumentCountMismatch:
		return "argument count does not match the function's input types"
	case ErrorKindArgumentTypeMismatch:
		return "argument type does not match the function's input type"
	case ErrorKindValidationFailed:
		return "value rejected by the variable schema"
	case ErrorKindMissingVariableRegistry:
		return "variable registry is required for variable steps"
	case ErrorKindMissingStepValue:
		return "variable step must have a value"
	case ErrorKindOnErrorDepthExceeded:
		return "onError nesting is too deep"
	case ErrorKindStepExecution:
		return "function failed"
	default:
		return "invalid workflow"
	}
}
