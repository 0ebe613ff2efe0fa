package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestNewMetricsIsolated(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()
	a.ObserveCompaction("history", "done")
	if got := testutil.ToFloat64(b.CompactionCounter.WithLabelValues("history", "done")); got != 0 {
		t.Errorf("second registry compaction count = %v, want 0", got)
	}
}

func TestObserveToolCall(t *testing.T) {
	m := NewMetrics()
	m.ObserveToolCall("read_file", true, 10*time.Millisecond)
	m.ObserveToolCall("read_file", true, 10*time.Millisecond)
	m.ObserveToolCall("read_file", false, time.Millisecond)

	expected := `
		# HELP conductor_tool_executions_total Total number of tool executions by tool and status
		# TYPE conductor_tool_executions_total counter
		conductor_tool_executions_total{status="error",tool_name="read_file"} 1
		conductor_tool_executions_total{status="success",tool_name="read_file"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestObserveLLMCall(t *testing.T) {
	m := NewMetrics()
	m.ObserveLLMCall("gpt-4o", nil, time.Second, models.Usage{PromptTokens: 100, CompletionTokens: 20})
	m.ObserveLLMCall("gpt-4o", errors.New("boom"), time.Second, models.Usage{})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"success", testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("gpt-4o", "success")), 1},
		{"error", testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("gpt-4o", "error")), 1},
		{"prompt tokens", testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("gpt-4o", "prompt")), 100},
		{"completion tokens", testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("gpt-4o", "completion")), 20},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestTurnGauge(t *testing.T) {
	m := NewMetrics()
	m.TurnStarted()
	m.TurnStarted()
	m.TurnFinished("final", time.Second)

	if got := testutil.ToFloat64(m.ActiveTurns); got != 1 {
		t.Errorf("ActiveTurns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("final")); got != 1 {
		t.Errorf("TurnCounter{final} = %v, want 1", got)
	}
}

func TestMemoryMetrics(t *testing.T) {
	m := NewMetrics()
	m.SetMemoryQueueDepth(3)
	m.ObserveMemoryTask("done", time.Second)
	m.ObserveMemoryTask("failed", time.Second)

	if got := testutil.ToFloat64(m.MemoryQueueDepth); got != 3 {
		t.Errorf("MemoryQueueDepth = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(m.MemoryTaskCounter); got != 2 {
		t.Errorf("memory task label sets = %d, want 2", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTPRequest("POST", "/v1/chat", 200, 5*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`conductor_http_requests_total{method="POST",route="/v1/chat",status_code="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
