package toolcall

import (
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Ordered alias lists; the first present key wins.
var (
	nameKeys = []string{"name", "tool", "tool_name", "toolName", "function_name", "functionName"}
	argKeys  = []string{"arguments", "args", "parameters", "params", "input", "payload"}
	idKeys   = []string{"id", "call_id", "tool_call_id"}
)

func (p *Parser) callsFromValue(value any, prefix string) []models.ToolCall {
	switch v := value.(type) {
	case []any:
		var calls []models.ToolCall
		for _, item := range v {
			calls = append(calls, p.callsFromValue(item, "")...)
		}
		return calls
	case map[string]any:
		return p.callsFromObject(v, prefix)
	default:
		return nil
	}
}

func (p *Parser) callsFromObject(obj map[string]any, prefix string) []models.ToolCall {
	if isToolResult(obj) {
		return nil
	}
	if nested, ok := obj["tool_calls"]; ok {
		if calls := p.callsFromValue(nested, ""); len(calls) > 0 {
			return calls
		}
	}
	for _, key := range []string{"function_call", "function"} {
		inner, ok := obj[key].(map[string]any)
		if !ok {
			continue
		}
		if call, ok := p.callFromObject(inner, ""); ok {
			if call.ID == "" {
				call.ID = firstString(obj, idKeys)
			}
			return []models.ToolCall{call}
		}
	}
	if call, ok := p.callFromObject(obj, prefix); ok {
		return []models.ToolCall{call}
	}
	return nil
}

func (p *Parser) callFromObject(obj map[string]any, prefix string) (models.ToolCall, bool) {
	name := firstString(obj, nameKeys)
	args, hasArgs := firstValue(obj, argKeys)
	if name == "" {
		if prefix == "" {
			return models.ToolCall{}, false
		}
		name = p.prefixedName(prefix)
		if name == "" {
			return models.ToolCall{}, false
		}
		if !hasArgs {
			args = obj
		}
	}
	name = CleanName(name)
	if name == "" {
		return models.ToolCall{}, false
	}
	return models.ToolCall{
		ID:        firstString(obj, idKeys),
		Name:      name,
		Arguments: normalizeArguments(args),
	}, true
}

// isToolResult recognizes echoed observations: {tool, ok, data|error} or
// {tool, timestamp, data}.
func isToolResult(obj map[string]any) bool {
	if _, ok := obj["tool"]; !ok {
		return false
	}
	_, hasOK := obj["ok"]
	_, hasData := obj["data"]
	_, hasError := obj["error"]
	_, hasTimestamp := obj["timestamp"]
	return (hasOK && (hasData || hasError)) || (hasTimestamp && hasData)
}

func normalizeArguments(args any) any {
	switch v := args.(type) {
	case nil:
		return map[string]any{}
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return map[string]any{}
		}
		if decoded, ok := decodeJSON(s); ok {
			switch decoded.(type) {
			case map[string]any, []any:
				return decoded
			}
		}
		return map[string]any{"raw": v}
	default:
		return v
	}
}

func firstString(obj map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstValue(obj map[string]any, keys []string) (any, bool) {
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			return v, true
		}
	}
	return nil, false
}
