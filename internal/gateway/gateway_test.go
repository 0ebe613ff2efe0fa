package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/memory"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

type fakeRunner struct {
	mu     sync.Mutex
	err    error
	events []models.StreamEvent
	seen   []models.Request
}

func (f *fakeRunner) record(req *models.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, *req)
}

func (f *fakeRunner) last() models.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

func (f *fakeRunner) Run(ctx context.Context, req *models.Request) (*models.Result, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Result{Answer: "hello " + req.UserID, StopReason: models.StopReasonFinal, SessionID: "s1"}, nil
}

func (f *fakeRunner) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamEvent, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan models.StreamEvent, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

type fakeStatus struct {
	status *memory.Status
}

func (f *fakeStatus) Status(ctx context.Context) (*memory.Status, error) {
	return f.status, nil
}

func streamEvents() []models.StreamEvent {
	return []models.StreamEvent{
		{Event: models.EventProgress, ID: "1", Data: models.ProgressData{Stage: "started"}},
		{Event: models.EventFinal, ID: "2", Data: models.FinalData{Answer: "done", SessionID: "s1"}},
	}
}

func newServer(t *testing.T, runner *fakeRunner, authService *auth.Service, status StatusSource) *Server {
	t.Helper()
	s, err := New(Config{}, Deps{
		Runner:  runner,
		Memory:  status,
		Metrics: observability.NewMetrics(),
		Auth:    authService,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNewRequiresRunner(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("New() without runner error = nil, want error")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	handler := newServer(t, &fakeRunner{}, nil, nil).Handler()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/healthz", http.StatusOK, `{"status":"ok"}`},
		{"/metrics", http.StatusOK, "conductor_http_requests_total"},
		{"/nope", http.StatusNotFound, ""},
	}
	// Prime the request counter so /metrics has a series to render.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body = %q, want substring %q", rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestChatJSON(t *testing.T) {
	runner := &fakeRunner{}
	handler := newServer(t, runner, nil, nil).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"user_id":"u1","question":"hi","is_admin":true}`))
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var result models.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if result.Answer != "hello u1" {
		t.Errorf("Answer = %q, want %q", result.Answer, "hello u1")
	}
	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("request id = %q, want req-42", got)
	}
	if runner.last().IsAdmin {
		t.Error("IsAdmin taken from request body")
	}
}

func TestChatErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantKind string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, KindInvalidRequest},
		{"missing user", `{"question":"hi"}`, agent.ErrMissingUser, http.StatusBadRequest, KindInvalidRequest},
		{"busy", `{"user_id":"u","question":"hi"}`, agent.ErrUserBusy, http.StatusTooManyRequests, "USER_BUSY"},
		{"overloaded", `{"user_id":"u","question":"hi"}`, agent.ErrOverloaded, http.StatusTooManyRequests, "USER_BUSY"},
		{"quota", `{"user_id":"u","question":"hi"}`, fmt.Errorf("guard: %w", llm.ErrQuotaExceeded), http.StatusPaymentRequired, "USER_QUOTA_EXCEEDED"},
		{"timeout", `{"user_id":"u","question":"hi"}`, context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{"provider", `{"user_id":"u","question":"hi"}`, llm.NewProviderError("openai", "m", errors.New("boom")).WithStatus(503), http.StatusServiceUnavailable, "LLM_UNAVAILABLE"},
		{"generic", `{"user_id":"u","question":"hi"}`, errors.New("disk on fire"), http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newServer(t, &fakeRunner{err: tt.err}, nil, nil).Handler()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(tt.body)))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if body.Error.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", body.Error.Kind, tt.wantKind)
			}
			if body.Error.RequestID == "" {
				t.Error("request_id missing from error body")
			}
		})
	}
}

func TestChatSSE(t *testing.T) {
	runner := &fakeRunner{events: streamEvents()}
	handler := newServer(t, runner, nil, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"user_id":"u1","question":"hi","stream":true}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	want := "id: 1\nevent: progress\ndata: {\"round\":{\"user_round\":0,\"model_round\":0},\"stage\":\"started\"}\n\n" +
		"id: 2\nevent: final\n"
	if body := rec.Body.String(); !strings.HasPrefix(body, want) {
		t.Errorf("body = %q, want prefix %q", body, want)
	}
}

func TestChatSSEAdmissionError(t *testing.T) {
	handler := newServer(t, &fakeRunner{err: agent.ErrUserBusy}, nil, nil).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"user_id":"u1","question":"hi","stream":true}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestChatBindsIdentity(t *testing.T) {
	service := auth.NewService(auth.Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	runner := &fakeRunner{}
	handler := newServer(t, runner, service, nil).Handler()

	token, err := service.Issue(auth.Identity{UserID: "alice", Admin: true})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"user_id":"mallory","question":"hi"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"user_id":"mallory","question":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := runner.last()
	if got.UserID != "alice" || !got.IsAdmin {
		t.Errorf("request = user %q admin %v, want alice admin", got.UserID, got.IsAdmin)
	}
}

func TestMemoryStatus(t *testing.T) {
	status := &memory.Status{
		Active: &models.MemorySummaryTask{TaskID: "t1", UserID: "alice"},
		Pending: []*models.MemorySummaryTask{
			{TaskID: "t2", UserID: "bob"},
			{TaskID: "t3", UserID: "alice"},
		},
		History: []*models.MemorySummaryTask{{TaskID: "t0", UserID: "bob"}},
		Source:  "memory",
	}
	service := auth.NewService(auth.Config{JWTSecret: "secret", TokenExpiry: time.Hour})

	tests := []struct {
		name        string
		service     *auth.Service
		identity    auth.Identity
		wantActive  bool
		wantPending int
		wantHistory int
	}{
		{"auth disabled", nil, auth.Identity{}, true, 2, 1},
		{"owner", service, auth.Identity{UserID: "alice"}, true, 1, 0},
		{"other user", service, auth.Identity{UserID: "bob"}, false, 1, 1},
		{"admin", service, auth.Identity{UserID: "root", Admin: true}, true, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newServer(t, &fakeRunner{}, tt.service, &fakeStatus{status: status}).Handler()
			req := httptest.NewRequest(http.MethodGet, "/v1/memory/status", nil)
			if tt.service != nil {
				token, err := tt.service.Issue(tt.identity)
				if err != nil {
					t.Fatalf("Issue() error = %v", err)
				}
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var got memory.Status
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if (got.Active != nil) != tt.wantActive {
				t.Errorf("Active = %v, want present %v", got.Active, tt.wantActive)
			}
			if len(got.Pending) != tt.wantPending {
				t.Errorf("len(Pending) = %d, want %d", len(got.Pending), tt.wantPending)
			}
			if len(got.History) != tt.wantHistory {
				t.Errorf("len(History) = %d, want %d", len(got.History), tt.wantHistory)
			}
		})
	}
}

func TestMemoryStatusDisabled(t *testing.T) {
	handler := newServer(t, &fakeRunner{}, nil, nil).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/memory/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestWebSocket(t *testing.T) {
	runner := &fakeRunner{events: streamEvents()}
	srv := httptest.NewServer(newServer(t, runner, nil, nil).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"user_id":"u1","question":"hi"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var names []string
	for {
		var event struct {
			Event string          `json:"event"`
			ID    string          `json:"id"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		names = append(names, event.Event)
		if event.Event == models.EventFinal {
			break
		}
	}
	if strings.Join(names, ",") != "progress,final" {
		t.Errorf("events = %v, want [progress final]", names)
	}
	if !runner.last().Stream {
		t.Error("WebSocket request not marked as streaming")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var rejected struct {
		Event string           `json:"event"`
		Data  models.ErrorData `json:"data"`
	}
	if err := conn.ReadJSON(&rejected); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if rejected.Event != models.EventError || rejected.Data.Kind != KindInvalidRequest {
		t.Errorf("rejection = %+v, want error %s", rejected, KindInvalidRequest)
	}
}

func TestStartShutdown(t *testing.T) {
	s, err := New(Config{Addr: "127.0.0.1:0"}, Deps{Runner: &fakeRunner{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
