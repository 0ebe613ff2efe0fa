package tools

import (
	"errors"
	"fmt"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolNotAllowed   = errors.New("tool not allowed for this request")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrToolTimeout      = errors.New("tool execution timed out")
	ErrToolPanic        = errors.New("tool panicked")
)

// ErrorKind groups tool failures for logs and metrics labels.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindNotAllowed   ErrorKind = "not_allowed"
	KindInvalidInput ErrorKind = "invalid_input"
	KindTimeout      ErrorKind = "timeout"
	KindPanic        ErrorKind = "panic"
	KindExecution    ErrorKind = "execution"
)

// ToolError attaches the tool name and a kind to a failure. The kind is
// derived from the sentinel errors above.
type ToolError struct {
	Tool string
	Kind ErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError wraps err for tool. An err that already is a *ToolError is
// returned unchanged.
func NewToolError(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Tool: tool, Kind: kindOf(err), Err: err}
}

var kindSentinels = []struct {
	sentinel error
	kind     ErrorKind
}{
	{ErrToolNotFound, KindNotFound},
	{ErrToolNotAllowed, KindNotAllowed},
	{ErrInvalidArguments, KindInvalidInput},
	{ErrToolTimeout, KindTimeout},
	{ErrToolPanic, KindPanic},
}

func kindOf(err error) ErrorKind {
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.sentinel) {
			return ks.kind
		}
	}
	return KindExecution
}
