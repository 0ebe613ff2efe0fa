package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig selects the OTLP exporter. An empty Endpoint leaves tracing
// on the global no-op provider.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string  // host:port of an OTLP gRPC collector
	SamplingRate   float64 // 0 means 1.0
	Insecure       bool
}

// Tracer starts the spans of a turn: the turn itself, each model call and
// each compaction check. Tools and the memory worker use otel.Tracer
// directly and pick up the provider installed here.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// NewTracer installs a batching OTLP provider as the global provider and
// returns its shutdown func. Exporter failures degrade to a no-op tracer.
func NewTracer(ctx context.Context, config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "conductor"
	}
	t := &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}
	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return t, noop
	}

	provider, err := newProvider(ctx, config)
	if err != nil {
		otel.Handle(err)
		return t, noop
	}
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	t.provider = provider
	t.tracer = provider.Tracer(config.ServiceName)
	return t, provider.Shutdown
}

func newProvider(ctx context.Context, config TraceConfig) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	rate := config.SamplingRate
	if rate == 0 {
		rate = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(ctx, config)),
		sdktrace.WithSampler(samplerFor(rate)),
	), nil
}

func serviceResource(ctx context.Context, config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
	if err != nil {
		return resource.Default()
	}
	return res
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	if rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Start opens a span of the given kind. The nil Tracer is usable.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var tracer trace.Tracer
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	} else {
		tracer = otel.Tracer("conductor")
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceTurn opens the root span of one request.
func (t *Tracer) TraceTurn(ctx context.Context, userID, sessionID string) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.turn", trace.SpanKindServer,
		attribute.String("user_id", userID),
		attribute.String("session_id", sessionID))
}

// TraceLLMCall opens a span for one model round.
func (t *Tracer) TraceLLMCall(ctx context.Context, model string, userRound, modelRound int) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.call "+model, trace.SpanKindClient,
		attribute.String("llm.model", model),
		attribute.Int("round.user", userRound),
		attribute.Int("round.model", modelRound))
}

// TraceCompaction opens a span for a compaction check.
func (t *Tracer) TraceCompaction(ctx context.Context, reason string, totalTokens, limit int) (context.Context, trace.Span) {
	return t.Start(ctx, "compaction", trace.SpanKindInternal,
		attribute.String("compaction.reason", reason),
		attribute.Int("compaction.total_tokens", totalTokens),
		attribute.Int("compaction.limit", limit))
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// WithSpan runs fn inside an internal span and records its error.
func WithSpan(ctx context.Context, tracer *Tracer, name string, fn func(context.Context, trace.Span) error) error {
	ctx, span := tracer.Start(ctx, name, trace.SpanKindInternal)
	defer span.End()
	err := fn(ctx, span)
	RecordError(span, err)
	return err
}

// ExtractContext continues a trace propagated in carrier, such as the
// traceparent header of an inbound request.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// GetTraceID returns the active trace id, or "" outside a span.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
