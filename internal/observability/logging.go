package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data redaction
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	SessionIDKey ContextKey = "session_id"
	UserIDKey    ContextKey = "user_id"
)

// contextKeys is the order in which context fields are added to records.
var contextKeys = []ContextKey{RequestIDKey, SessionIDKey, UserIDKey}

const redacted = "[REDACTED]"

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-ant-[a-zA-Z0-9_-]{32,}`,
	`sk-[a-zA-Z0-9_-]{32,}`,
	`AIza[0-9A-Za-z_\-]{35}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// sensitiveKeys are attribute keys whose values are always replaced.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"authorization": true,
}

// RedactingHandler is a slog.Handler that scrubs secrets from messages and
// string attributes and adds request correlation fields from the context.
type RedactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

// NewRedactingHandler wraps next. Invalid patterns are skipped.
func NewRedactingHandler(next slog.Handler, patterns []string) *RedactingHandler {
	h := &RedactingHandler{next: next}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		h.redacts = append(h.redacts, re)
	}
	return h
}

// NewLogger creates a structured logger with redaction and context
// correlation. Empty fields default to info level, JSON format and stderr.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var base slog.Handler
	if strings.EqualFold(config.Format, "text") {
		base = slog.NewTextHandler(config.Output, opts)
	} else {
		base = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	return slog.New(NewRedactingHandler(base, patterns))
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.Redact(record.Message), record.PC)

	present := make(map[string]bool, 3)
	record.Attrs(func(attr slog.Attr) bool {
		present[attr.Key] = true
		out.AddAttrs(h.redactAttr(attr))
		return true
	})
	if ctx != nil {
		for _, key := range contextKeys {
			if present[string(key)] {
				continue
			}
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				out.AddAttrs(slog.String(string(key), v))
			}
		}
		if id := GetTraceID(ctx); id != "" && !present["trace_id"] {
			out.AddAttrs(slog.String("trace_id", id))
		}
	}
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = h.redactAttr(attr)
	}
	return &RedactingHandler{next: h.next.WithAttrs(scrubbed), redacts: h.redacts}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

// Redact applies all redaction patterns to s.
func (h *RedactingHandler) Redact(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

func (h *RedactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))] {
		return slog.String(attr.Key, redacted)
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.Redact(value.String()))
	case slog.KindGroup:
		group := value.Group()
		scrubbed := make([]any, len(group))
		for i, member := range group {
			scrubbed[i] = h.redactAttr(member)
		}
		return slog.Group(attr.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.Redact(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

// AddRequestID adds a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddSessionID adds a session ID to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// AddUserID adds a user ID to the context.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
