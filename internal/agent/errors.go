package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/sessions"
)

// Common sentinel errors for orchestration.
var (
	// ErrUserBusy indicates another request already holds the session.
	ErrUserBusy = errors.New("session busy: another request is in progress")

	// ErrOverloaded indicates no global concurrency permit was available.
	ErrOverloaded = errors.New("orchestrator overloaded")

	// ErrInvalidRequest wraps every request validation failure.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmptyQuestion rejects requests without a question.
	ErrEmptyQuestion = fmt.Errorf("%w: question is required", ErrInvalidRequest)

	// ErrMissingUser rejects requests without a user id.
	ErrMissingUser = fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
)

// ErrorKind is the classified category reported on error events.
type ErrorKind string

const (
	KindQuotaExceeded  ErrorKind = "USER_QUOTA_EXCEEDED"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindCancelled      ErrorKind = "CANCELLED"
	KindLLMUnavailable ErrorKind = "LLM_UNAVAILABLE"
	KindUserBusy       ErrorKind = "USER_BUSY"
	KindError          ErrorKind = "ERROR"
)

// Loop phases recorded on LoopError.
const (
	PhaseAdmission  = "admission"
	PhaseHistory    = "history"
	PhaseCompaction = "compaction"
	PhaseLLM        = "llm"
	PhaseTool       = "tool"
	PhasePersist    = "persist"
)

// LoopError locates a failure inside the round loop.
type LoopError struct {
	Phase string
	Round int
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Round > 0 {
		return fmt.Sprintf("%s failed in round %d: %v", e.Phase, e.Round, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Cause)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// ClassifyError maps err to an ErrorKind. Typed and sentinel errors are
// checked first; message substrings are the last resort.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if llm.IsQuotaExceeded(err) {
		return KindQuotaExceeded
	}
	if errors.Is(err, ErrUserBusy) || errors.Is(err, ErrOverloaded) ||
		errors.Is(err, sessions.ErrLockHeld) || errors.Is(err, sessions.ErrLockTimeout) {
		return KindUserBusy
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Reason == llm.FailoverTimeout {
			return KindTimeout
		}
		return KindLLMUnavailable
	}
	if errors.Is(err, llm.ErrNoCallers) {
		return KindLLMUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"):
		return KindQuotaExceeded
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "cancel"):
		return KindCancelled
	}

	var loopErr *LoopError
	if errors.As(err, &loopErr) && loopErr.Phase == PhaseLLM {
		return KindLLMUnavailable
	}
	return KindError
}
