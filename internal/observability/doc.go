// Package observability provides logging, metrics and tracing for conductor.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler scrubs API keys, bearer
// tokens and passwords from messages and string attributes, and adds
// request_id, session_id and user_id from the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddRequestID(ctx, id)
//	logger.InfoContext(ctx, "turn started", "model", model)
//
// # Metrics
//
// Metrics owns a private Prometheus registry so several instances can coexist
// in tests. It satisfies the small Metrics interfaces declared by the agent,
// tools and memory packages:
//
//	metrics := observability.NewMetrics()
//	mux.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// NewTracer installs an OTLP/gRPC exporter as the global tracer provider when
// an endpoint is configured, and a no-op provider otherwise:
//
//	tracer, shutdown := observability.NewTracer(ctx, observability.TraceConfig{
//	    Endpoint: "localhost:4317",
//	    Insecure: true,
//	})
//	defer shutdown(context.Background())
package observability
