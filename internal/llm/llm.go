// Package llm defines the model-call contract used by the round loop,
// compaction and memory summarization, along with error classification,
// failover and per-user quota enforcement around it.
package llm

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Caller performs one model call and collapses any streaming into a single
// response. Implementations must not loop over tool calls themselves.
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, req *Request) (*Response, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Delta is an incremental piece of a streaming completion.
type Delta struct {
	Text      string
	Reasoning string
}

// Request is the input of one model call.
type Request struct {
	UserID      string
	SessionID   string
	Model       string
	Messages    []*models.Message
	Tools       []ToolSpec
	MaxTokens   int
	MaxRounds   int
	Temperature *float64

	// OnDelta, when set, receives text as it streams in.
	OnDelta func(Delta)
}

// System returns the concatenated system messages and the remaining messages.
func (r *Request) System() (string, []*models.Message) {
	var system string
	rest := make([]*models.Message, 0, len(r.Messages))
	for _, msg := range r.Messages {
		if msg == nil {
			continue
		}
		if msg.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Text()
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}

// Response is the collapsed result of one model call.
type Response struct {
	Content    string
	Reasoning  string
	ToolCalls  json.RawMessage
	Usage      models.Usage
	StopReason string
	Model      string
}

// Emit forwards a delta to OnDelta when set.
func (r *Request) Emit(d Delta) {
	if r != nil && r.OnDelta != nil && (d.Text != "" || d.Reasoning != "") {
		r.OnDelta(d)
	}
}
