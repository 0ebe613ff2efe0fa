package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/memory"
	"github.com/haasonsaas/conductor/pkg/models"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !req.Stream {
		result, err := s.deps.Runner.Run(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}
	events, err := s.deps.Runner.Stream(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	broken := false
	for event := range events {
		// Keep draining after a write failure so the turn can finish.
		if broken {
			continue
		}
		if err := writeSSE(w, event); err != nil {
			s.logger.DebugContext(r.Context(), "sse write failed", "error", err)
			broken = true
			continue
		}
		flusher.Flush()
	}
}

// writeSSE writes one event in text/event-stream framing.
func writeSSE(w io.Writer, event models.StreamEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Event, err)
	}
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data)
	return err
}

// decodeRequest reads a chat request body and binds it to the caller.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*models.Request, error) {
	var req models.Request
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: decode body: %w", agent.ErrInvalidRequest, err)
	}
	s.bindIdentity(r, &req)
	return &req, nil
}

// bindIdentity makes the authenticated identity authoritative. Admin rights
// are never taken from the request body.
func (s *Server) bindIdentity(r *http.Request, req *models.Request) {
	req.IsAdmin = false
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return
	}
	req.UserID = id.UserID
	req.IsAdmin = id.Admin
}

func (s *Server) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
			Kind:      "MEMORY_DISABLED",
			Message:   "memory queue is not configured",
			RequestID: requestID(r),
		}})
		return
	}
	status, err := s.deps.Memory.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if id, ok := auth.IdentityFromContext(r.Context()); ok && !id.Admin {
		status = filterStatus(status, id.UserID)
	}
	writeJSON(w, http.StatusOK, status)
}

// filterStatus keeps only the tasks owned by userID.
func filterStatus(status *memory.Status, userID string) *memory.Status {
	out := &memory.Status{
		Pending: []*models.MemorySummaryTask{},
		History: []*models.MemorySummaryTask{},
		Source:  status.Source,
	}
	if status.Active != nil && status.Active.UserID == userID {
		out.Active = status.Active
	}
	for _, task := range status.Pending {
		if task.UserID == userID {
			out.Pending = append(out.Pending, task)
		}
	}
	for _, task := range status.History {
		if task.UserID == userID {
			out.History = append(out.History, task)
		}
	}
	return out
}
