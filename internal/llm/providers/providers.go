// Package providers adapts vendor SDKs to llm.Caller. Each adapter streams
// the completion, forwards text deltas through Request.OnDelta and collapses
// the stream into one llm.Response whose ToolCalls holds the native calls in
// OpenAI wire shape.
package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Provider kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
)

// Config configures one adapter.
type Config struct {
	Kind    string
	APIKey  string
	BaseURL string
	// Model is used when a request does not name one.
	Model   string
	Timeout time.Duration
}

// New builds the adapter for cfg.Kind.
func New(cfg Config) (llm.Caller, error) {
	switch strings.ToLower(cfg.Kind) {
	case KindOpenAI:
		return NewOpenAI(cfg), nil
	case KindAnthropic:
		return NewAnthropic(cfg), nil
	case KindGemini, "google":
		return NewGemini(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider kind %q", cfg.Kind)
	}
}

// nativeCall is the OpenAI tool_calls element shape used for
// Response.ToolCalls regardless of vendor.
type nativeCall struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Function nativeFunction `json:"function"`
}

type nativeFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func encodeCalls(calls []nativeCall) json.RawMessage {
	if len(calls) == 0 {
		return nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil
	}
	return data
}

func modelOr(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

// splitThinking moves a leading <think>...</think> block out of content.
// OpenAI-compatible reasoning models served behind the chat API emit their
// reasoning inline this way.
func splitThinking(content string) (string, string) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "<think>") {
		return content, ""
	}
	end := strings.Index(trimmed, "</think>")
	if end < 0 {
		return "", strings.TrimSpace(strings.TrimPrefix(trimmed, "<think>"))
	}
	reasoning := strings.TrimSpace(trimmed[len("<think>"):end])
	return strings.TrimSpace(trimmed[end+len("</think>"):]), reasoning
}

// toolResultName returns the tool name recorded on an observation message.
func toolResultName(msg *models.Message) string {
	if name := msg.MetaString(models.MetaToolName); name != "" {
		return name
	}
	return "tool"
}

// callArguments decodes a stored call's arguments into an object.
func callArguments(call models.ToolCall) map[string]any {
	var args map[string]any
	if err := json.Unmarshal(call.ArgumentsJSON(), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// pairedCallIDs returns the tool call ids that an assistant message announced
// before the observation that answers them. Observations whose id is not
// paired are sent as plain user text.
func pairedCallIDs(messages []*models.Message) map[string]bool {
	paired := make(map[string]bool)
	announced := make(map[string]bool)
	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					announced[call.ID] = true
				}
			}
		case msg.Role == models.RoleTool && msg.ToolCallID != "":
			if announced[msg.ToolCallID] {
				paired[msg.ToolCallID] = true
			}
		}
	}
	return paired
}

// answeredCalls filters an assistant message's calls down to those with a
// paired observation.
func answeredCalls(msg *models.Message, paired map[string]bool) []models.ToolCall {
	var out []models.ToolCall
	for _, call := range msg.ToolCalls {
		if call.ID != "" && paired[call.ID] {
			out = append(out, call)
		}
	}
	return out
}

// observationText renders an unpaired observation for a user turn.
func observationText(msg *models.Message) string {
	return fmt.Sprintf("Tool result (%s):\n%s", toolResultName(msg), msg.Text())
}
