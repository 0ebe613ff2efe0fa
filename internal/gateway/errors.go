package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/conductor/internal/agent"
)

// KindInvalidRequest is reported for request validation failures.
const KindInvalidRequest = "INVALID_REQUEST"

// StatusClientClosedRequest is the non-standard status logged when the
// client went away before the turn finished.
const StatusClientClosedRequest = 499

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// classify maps an orchestration error to an HTTP status and error kind.
func classify(err error) (int, string) {
	if errors.Is(err, agent.ErrInvalidRequest) {
		return http.StatusBadRequest, KindInvalidRequest
	}
	kind := agent.ClassifyError(err)
	switch kind {
	case agent.KindUserBusy:
		return http.StatusTooManyRequests, string(kind)
	case agent.KindQuotaExceeded:
		return http.StatusPaymentRequired, string(kind)
	case agent.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	case agent.KindLLMUnavailable:
		return http.StatusServiceUnavailable, string(kind)
	case agent.KindCancelled:
		return StatusClientClosedRequest, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:      kind,
		Message:   err.Error(),
		RequestID: requestID(r),
	}})
}
