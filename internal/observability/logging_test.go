package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if entry := decodeLine(t, &buf); entry["msg"] != "shown" {
		t.Errorf("msg = %v, want shown", entry["msg"])
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})
	logger.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	tests := []struct {
		name  string
		log   func(*slog.Logger)
		field string
		leak  string
	}{
		{
			name:  "message bearer token",
			log:   func(l *slog.Logger) { l.Info("auth with Bearer abcdefghijklmnopqrstuvwx") },
			field: "msg",
			leak:  "abcdefghijklmnopqrstuvwx",
		},
		{
			name:  "string attribute api key",
			log:   func(l *slog.Logger) { l.Info("call", "detail", "api_key=ABCDEFGHIJKLMNOPQRST") },
			field: "detail",
			leak:  "ABCDEFGHIJKLMNOPQRST",
		},
		{
			name:  "sensitive key",
			log:   func(l *slog.Logger) { l.Info("login", "password", "hunter2") },
			field: "password",
			leak:  "hunter2",
		},
		{
			name:  "error value",
			log:   func(l *slog.Logger) { l.Error("failed", "error", errors.New("bad key sk-abcdefghijklmnopqrstuvwxyz0123456789")) },
			field: "error",
			leak:  "sk-abcdefghijklmnopqrstuvwxyz0123456789",
		},
		{
			name:  "logger attrs",
			log:   func(l *slog.Logger) { l.With("token", "zzz").Info("x") },
			field: "token",
			leak:  "zzz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(LogConfig{Output: &buf}))
			if strings.Contains(buf.String(), tt.leak) {
				t.Fatalf("secret leaked: %s", buf.String())
			}
			entry := decodeLine(t, &buf)
			if got, _ := entry[tt.field].(string); !strings.Contains(got, redacted) {
				t.Errorf("%s = %q, want redaction marker", tt.field, got)
			}
		})
	}
}

func TestCustomRedactPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`acct-\d+`, `(`}})
	logger.Info("account acct-12345 updated")
	if entry := decodeLine(t, &buf); entry["msg"] != "account [REDACTED] updated" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddSessionID(ctx, "sess-1")
	ctx = AddUserID(ctx, "u1")
	logger.InfoContext(ctx, "turn", "user_id", "explicit")

	entry := decodeLine(t, &buf)
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", entry["request_id"])
	}
	if entry["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", entry["session_id"])
	}
	if entry["user_id"] != "explicit" {
		t.Errorf("user_id = %v, want explicit attribute to win", entry["user_id"])
	}
	if GetRequestID(ctx) != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", GetRequestID(ctx))
	}
}

func TestGroupRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	logger.Info("cfg", slog.Group("llm", slog.String("api_key", "secret-value")))

	entry := decodeLine(t, &buf)
	group, ok := entry["llm"].(map[string]any)
	if !ok {
		t.Fatalf("llm group missing: %v", entry)
	}
	if group["api_key"] != redacted {
		t.Errorf("llm.api_key = %v, want %s", group["api_key"], redacted)
	}
}

func TestTraceIDField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	tracer, _ := newRecordingTracer()

	ctx, span := tracer.TraceTurn(context.Background(), "u1", "s1")
	logger.InfoContext(ctx, "inside span")
	span.End()

	entry := decodeLine(t, &buf)
	if got, want := entry["trace_id"], GetTraceID(ctx); got != want {
		t.Errorf("trace_id = %v, want %v", got, want)
	}
}
