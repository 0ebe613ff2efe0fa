// Package tools executes model-requested tool calls against registered
// implementations.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the arguments object.
	Schema() json.RawMessage
	// Execute runs the tool. Returned data is serialized into the result.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Artifacter is implemented by tools that touch workspace resources. The
// registry records the returned target in the artifact log after success.
type Artifacter interface {
	Artifact(args json.RawMessage) (kind, target string)
}

// Result is the JSON envelope handed back to the model as an observation.
type Result struct {
	Tool      string `json:"tool"`
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// JSON renders the result as an observation body.
func (r Result) JSON() string {
	payload, err := json.Marshal(r)
	if err != nil {
		return `{"tool":"` + r.Tool + `","ok":false,"error":"unserializable result"}`
	}
	return string(payload)
}

type scopeKey struct{}

type scope struct {
	userID    string
	sessionID string
}

// WithScope tags ctx with the user and session the call runs for.
func WithScope(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope{userID: userID, sessionID: sessionID})
}

// ScopeFrom returns the user and session set by WithScope.
func ScopeFrom(ctx context.Context) (userID, sessionID string) {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s.userID, s.sessionID
}
