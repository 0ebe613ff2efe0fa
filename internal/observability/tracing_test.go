package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(context.Background(), TraceConfig{})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil tracer")
	}
	if tracer.config.ServiceName != "conductor" {
		t.Errorf("ServiceName = %q, want conductor", tracer.config.ServiceName)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() = %v, want nil", err)
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "ParentBased{root:AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "ParentBased{root:TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := samplerFor(tt.rate).Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("samplerFor(%v) = %q, want prefix %q", tt.rate, got, tt.want)
		}
	}
}

func TestTraceSpans(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	ctx := context.Background()

	ctx, turn := tracer.TraceTurn(ctx, "u1", "s1")
	_, call := tracer.TraceLLMCall(ctx, "gpt-4o", 1, 2)
	call.End()
	_, compaction := tracer.TraceCompaction(ctx, "history", 90, 100)
	compaction.End()
	turn.End()

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(spans))
	}
	tests := []struct {
		name string
		kind trace.SpanKind
	}{
		{"llm.call gpt-4o", trace.SpanKindClient},
		{"compaction", trace.SpanKindInternal},
		{"agent.turn", trace.SpanKindServer},
	}
	for i, tt := range tests {
		if spans[i].Name() != tt.name {
			t.Errorf("span[%d].Name() = %q, want %q", i, spans[i].Name(), tt.name)
		}
		if spans[i].SpanKind() != tt.kind {
			t.Errorf("span[%d].SpanKind() = %v, want %v", i, spans[i].SpanKind(), tt.kind)
		}
	}
	if spans[0].Parent().SpanID() != spans[2].SpanContext().SpanID() {
		t.Error("llm span is not a child of the turn span")
	}
}

func TestWithSpanRecordsError(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	boom := errors.New("boom")

	err := WithSpan(context.Background(), tracer, "work", func(ctx context.Context, span trace.Span) error {
		if GetTraceID(ctx) == "" {
			t.Error("GetTraceID() inside span is empty")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithSpan() = %v, want boom", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() = %q, want empty", got)
	}
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.Start(context.Background(), "x", trace.SpanKindInternal)
	span.End()
}
