package models

import "encoding/json"

// ToolCall is a function call recovered from model output.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// ArgumentsJSON encodes the arguments, returning {} for nil.
func (c ToolCall) ArgumentsJSON() json.RawMessage {
	if c.Arguments == nil {
		return json.RawMessage("{}")
	}
	if raw, ok := c.Arguments.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// StringArg returns a string argument by key when the arguments are an object.
func (c ToolCall) StringArg(key string) string {
	args, ok := c.Arguments.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := args[key].(string)
	return s
}
