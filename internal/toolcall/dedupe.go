package toolcall

import (
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// CanonicalJSON encodes v with object keys sorted at every depth.
// encoding/json already sorts map keys, so decoding raw payloads into
// generic values first is enough.
func CanonicalJSON(v any) string {
	switch raw := v.(type) {
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	case []byte:
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// Signature identifies a call for deduplication.
func Signature(call models.ToolCall) string {
	if call.ID != "" {
		return "id:" + call.ID
	}
	return contentKey(call)
}

func contentKey(call models.ToolCall) string {
	return call.Name + "|" + CanonicalJSON(call.Arguments)
}

// Dedupe drops repeated calls, keeping first-seen order. An id-less call is
// dropped when an id-bearing call has the same name and arguments.
func Dedupe(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	withID := make(map[string]bool)
	for _, call := range calls {
		if call.ID != "" {
			withID[contentKey(call)] = true
		}
	}
	seen := make(map[string]bool, len(calls))
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" && withID[contentKey(call)] {
			continue
		}
		sig := Signature(call)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, call)
	}
	return out
}
