package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrQuotaExceeded is returned when a user has exhausted their token quota.
	ErrQuotaExceeded = errors.New("user quota exceeded")

	// ErrNoCallers is returned by an empty failover chain.
	ErrNoCallers = errors.New("no llm callers configured")
)

// QuotaExceededError reports an exhausted per-user quota.
type QuotaExceededError struct {
	UserID string
	Limit  int
	Used   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("user %s exceeded token quota (%d/%d)", e.UserID, e.Used, e.Limit)
}

// Is reports ErrQuotaExceeded equivalence.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// IsQuotaExceeded reports whether err carries a user quota failure.
func IsQuotaExceeded(err error) bool {
	return err != nil && errors.Is(err, ErrQuotaExceeded)
}

// FailoverReason categorizes why a provider request failed.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether the same provider may succeed on a retry.
func (r FailoverReason) IsRetryable() bool {
	return r == FailoverRateLimit || r == FailoverTimeout || r == FailoverServerError
}

// ShouldFailover reports whether the next caller in a chain should be tried.
// Billing, invalid requests and content filtering stop the chain.
func (r FailoverReason) ShouldFailover() bool {
	return r.IsRetryable() || r == FailoverAuth || r == FailoverModelUnavailable
}

// ProviderError is a classified failure from one provider call.
type ProviderError struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/" + e.Model)
	}
	fmt.Fprintf(&b, " %s", e.Reason)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(": " + msg)
	}
	return strings.TrimSpace(b.String())
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause and classifies it from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	pe := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ClassifyError(cause)}
	if cause != nil {
		pe.Message = cause.Error()
	}
	return pe
}

// WithStatus records the HTTP status. A recognized status overrides the
// reason derived from the message.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason, ok := statusReasons[status]; ok {
		e.Reason = reason
	} else if status >= 500 {
		e.Reason = FailoverServerError
	}
	return e
}

// ReasonOf returns the reason carried by a wrapped ProviderError, or
// classifies err from scratch.
func ReasonOf(err error) FailoverReason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ClassifyError(err)
}

var statusReasons = map[int]FailoverReason{
	http.StatusBadRequest:      FailoverInvalidRequest,
	http.StatusUnauthorized:    FailoverAuth,
	http.StatusPaymentRequired: FailoverBilling,
	http.StatusForbidden:       FailoverAuth,
	http.StatusNotFound:        FailoverModelUnavailable,
	http.StatusTooManyRequests: FailoverRateLimit,
}

// messageRules are checked in order; the first match wins.
var messageRules = []struct {
	reason  FailoverReason
	needles []string
}{
	{FailoverTimeout, []string{"timeout", "timed out", "deadline exceeded", "etimedout"}},
	{FailoverRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{FailoverAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{FailoverBilling, []string{"billing", "payment", "insufficient_quota", "402"}},
	{FailoverContentFilter, []string{"content_filter", "content policy", "safety"}},
	{FailoverModelUnavailable, []string{"model not found", "model_not_found", "does not exist", "unavailable", "overloaded"}},
	{FailoverServerError, []string{"internal server", "server error", "bad gateway", "500", "502", "503", "504"}},
}

// ClassifyError maps an arbitrary error to a FailoverReason. Context
// deadlines count as timeouts; everything else is matched on message text.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailoverTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.reason
			}
		}
	}
	return FailoverUnknown
}
