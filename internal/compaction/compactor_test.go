package compaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

type recordingLLM struct {
	mu       sync.Mutex
	requests []*llm.Request
	content  string
	err      error
}

func (r *recordingLLM) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content}, nil
}

type failingAppender struct{}

func (failingAppender) AppendMessage(ctx context.Context, msg *models.Message) error {
	return errors.New("disk full")
}

var testBase = time.UnixMilli(1_700_000_000_000)

func testConfig(maxContext int) Config {
	cfg := DefaultConfig()
	cfg.Budget = Budget{
		MaxContext:       maxContext,
		MaxOutputReserve: 10,
		SafetyMargin:     10,
		Ratio:            0.9,
		HistoryRatio:     0.8,
	}
	return cfg
}

func seedConversation(t *testing.T, store storage.MessageStore) []*models.Message {
	t.Helper()
	stored := []*models.Message{
		{UserID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "Look at main.go please", CreatedAt: testBase},
		{UserID: "u1", SessionID: "s1", Role: models.RoleAssistant, Content: "main.go starts the HTTP server on :8080", CreatedAt: testBase.Add(time.Second)},
		{UserID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "Now change the port to 9090", CreatedAt: testBase.Add(2 * time.Second)},
	}
	for _, msg := range stored {
		if err := store.AppendMessage(context.Background(), msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	system := &models.Message{Role: models.RoleSystem, Content: "You are a coding assistant."}
	return append([]*models.Message{system}, stored...)
}

func TestCompactRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	history := sessions.NewHistoryManager(store, nil)
	messages := seedConversation(t, store)
	caller := &recordingLLM{content: "User asked about main.go; server listens on :8080."}

	c := New(caller, history, testConfig(10000), WithClock(func() time.Time { return testBase.Add(10 * time.Second) }))
	out, err := c.Compact(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: messages}, models.CompactionReasonHistory)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	if out.Telemetry.Status != models.CompactionStatusDone {
		t.Errorf("Status = %q, want %q", out.Telemetry.Status, models.CompactionStatusDone)
	}
	if out.Telemetry.ResetMode != models.ResetModeRequeue {
		t.Errorf("ResetMode = %q, want %q", out.Telemetry.ResetMode, models.ResetModeRequeue)
	}
	if out.Telemetry.Reason != models.CompactionReasonHistory {
		t.Errorf("Reason = %q, want history", out.Telemetry.Reason)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("rebuilt len = %d, want 3", len(out.Messages))
	}
	if out.Messages[0].Role != models.RoleSystem || !out.Messages[1].IsCompactionSummary() || out.Messages[2].Content != "Now change the port to 9090" {
		t.Errorf("rebuilt = %v", out.Messages)
	}

	until, ok := out.Summary.CompactedUntil()
	if !ok || !until.Equal(testBase.Add(time.Second)) {
		t.Errorf("CompactedUntil() = %v/%v, want %v", until, ok, testBase.Add(time.Second))
	}

	if len(caller.requests) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(caller.requests))
	}
	req := caller.requests[0]
	if req.MaxRounds != 1 {
		t.Errorf("MaxRounds = %d, want 1", req.MaxRounds)
	}
	prompt := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(prompt, "assistant: main.go starts") || strings.Contains(prompt, "port to 9090") {
		t.Errorf("summary prompt should hold history without the current question:\n%s", prompt)
	}

	reloaded, err := history.Load(context.Background(), "u1", "s1", 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reloaded) != 2 {
		t.Fatalf("reloaded len = %d, want 2", len(reloaded))
	}
	synthetic := 0
	for _, msg := range reloaded {
		if msg.IsCompactionSummary() {
			synthetic++
		}
	}
	if synthetic != 1 || !reloaded[0].IsCompactionSummary() {
		t.Errorf("reloaded history should start with exactly one summary, got %d", synthetic)
	}
	for _, msg := range reloaded[1:] {
		if !msg.CreatedAt.After(until) {
			t.Errorf("reloaded item %q at %v not newer than boundary %v", msg.Content, msg.CreatedAt, until)
		}
	}
	if reloaded[1].Content != "Now change the port to 9090" {
		t.Errorf("requeued question = %q", reloaded[1].Content)
	}
}

func TestCompactFallbackOnLLMError(t *testing.T) {
	store := storage.NewMemoryStore()
	messages := seedConversation(t, store)
	caller := &recordingLLM{err: llm.NewProviderError("openai", "gpt", errors.New("boom")).WithStatus(500)}

	c := New(caller, store, testConfig(10000))
	out, err := c.Compact(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: messages}, models.CompactionReasonOverflow)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if out.Telemetry.Status != models.CompactionStatusFallback || !out.Telemetry.SummaryFallback {
		t.Errorf("telemetry = %+v, want fallback", out.Telemetry)
	}
	if out.Summary.Content != DefaultSummaryFallback {
		t.Errorf("summary = %q, want fallback text", out.Summary.Content)
	}
}

func TestCompactPropagatesQuota(t *testing.T) {
	store := storage.NewMemoryStore()
	messages := seedConversation(t, store)
	caller := &recordingLLM{err: &llm.QuotaExceededError{UserID: "u1", Limit: 10, Used: 11}}

	c := New(caller, store, testConfig(10000))
	out, err := c.Compact(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: messages}, models.CompactionReasonOverflow)
	if !llm.IsQuotaExceeded(err) {
		t.Fatalf("Compact() error = %v, want quota exceeded", err)
	}
	if out != nil {
		t.Errorf("Compact() outcome = %+v, want nil", out)
	}
	stored, _ := store.ListMessages(context.Background(), "u1", "s1", 0)
	if len(stored) != 3 {
		t.Errorf("store has %d messages, want 3 (no summary persisted)", len(stored))
	}
}

func TestCompactCancelled(t *testing.T) {
	store := storage.NewMemoryStore()
	messages := seedConversation(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	caller := llm.CallerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		cancel()
		return nil, ctx.Err()
	})

	c := New(caller, store, testConfig(10000))
	if _, err := c.Compact(ctx, Input{UserID: "u1", SessionID: "s1", Messages: messages}, models.CompactionReasonOverflow); !errors.Is(err, context.Canceled) {
		t.Fatalf("Compact() error = %v, want context.Canceled", err)
	}
}

func TestCompactSkipsEmptyTranscript(t *testing.T) {
	caller := &recordingLLM{content: "unused"}
	c := New(caller, storage.NewMemoryStore(), testConfig(10000))
	messages := []*models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "only question", CreatedAt: testBase},
	}
	out, err := c.Compact(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: messages}, models.CompactionReasonOverflow)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if out.Telemetry.Status != models.CompactionStatusSkipped || out.Messages != nil {
		t.Errorf("outcome = %+v, want skipped with no rebuild", out)
	}
	if len(caller.requests) != 0 {
		t.Errorf("LLM called %d times, want 0", len(caller.requests))
	}
}

func TestCompactPersistFailureLeavesListIntact(t *testing.T) {
	messages := seedConversation(t, storage.NewMemoryStore())
	c := New(&recordingLLM{content: "summary"}, failingAppender{}, testConfig(10000))
	out, err := c.Compact(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: messages}, models.CompactionReasonOverflow)
	if err == nil || out != nil {
		t.Fatalf("Compact() = %v, %v, want error", out, err)
	}
	if len(messages) != 4 {
		t.Errorf("input list modified, len = %d", len(messages))
	}
}

func TestCompactArtifactIndex(t *testing.T) {
	store := storage.NewMemoryStore()
	messages := seedConversation(t, store)
	for _, target := range []string{"main.go", "go.mod", "main.go"} {
		_ = store.RecordArtifact(context.Background(), &models.ArtifactEvent{UserID: "u1", SessionID: "s1", Kind: models.ArtifactFile, Target: target, Tool: "read_file"})
	}
	caller := &recordingLLM{content: "summary"}
	c := New(caller, store, testConfig(10000), WithArtifacts(store))
	if _, err := c.Compact(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: messages}, models.CompactionReasonOverflow); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	prompt := caller.requests[0].Messages[1].Content
	if strings.Count(prompt, "file: main.go") != 1 || !strings.Contains(prompt, "file: go.mod") {
		t.Errorf("artifact index missing or duplicated in prompt:\n%s", prompt)
	}
}

func TestMaybe(t *testing.T) {
	store := storage.NewMemoryStore()
	caller := &recordingLLM{content: "short summary"}
	c := New(caller, store, testConfig(200))

	small := []*models.Message{{Role: models.RoleUser, Content: "hi", CreatedAt: testBase}}
	out, err := c.Maybe(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: small})
	if err != nil || out != nil {
		t.Fatalf("Maybe(small) = %v, %v, want nil, nil", out, err)
	}

	large := []*models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleAssistant, Content: strings.Repeat("x", 800), CreatedAt: testBase},
		{Role: models.RoleUser, Content: "next?", CreatedAt: testBase.Add(time.Second)},
	}
	out, err = c.Maybe(context.Background(), Input{UserID: "u1", SessionID: "s1", Messages: large})
	if err != nil {
		t.Fatalf("Maybe(large) error = %v", err)
	}
	if out == nil || out.Telemetry.Reason != models.CompactionReasonOverflow {
		t.Fatalf("Maybe(large) = %+v, want overflow compaction", out)
	}
	if out.Telemetry.TotalTokensAfter > out.Telemetry.Limit {
		t.Errorf("TotalTokensAfter = %d, want <= %d", out.Telemetry.TotalTokensAfter, out.Telemetry.Limit)
	}
}
