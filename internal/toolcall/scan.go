package toolcall

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/jsonc"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

type jsonSpan struct {
	start int
	end   int
	value any
}

// ExtractJSONValues returns every maximal balanced JSON object or array
// embedded in text, in order of appearance.
func ExtractJSONValues(text string) []any {
	spans := scanJSONSpans(text)
	values := make([]any, 0, len(spans))
	for _, span := range spans {
		values = append(values, span.value)
	}
	return values
}

func scanJSONSpans(text string) []jsonSpan {
	var spans []jsonSpan
	scanRange(text, 0, len(text), &spans)
	return spans
}

func scanRange(text string, from, to int, out *[]jsonSpan) {
	for i := from; i < to; {
		c := text[i]
		if c != '{' && c != '[' {
			i++
			continue
		}
		end := matchBracket(text, i, to)
		if end < 0 {
			i++
			continue
		}
		if value, ok := decodeJSON(text[i:end]); ok {
			*out = append(*out, jsonSpan{start: i, end: end, value: value})
		} else {
			scanRange(text, i+1, end-1, out)
		}
		i = end
	}
}

// matchBracket returns the index just past the bracket closing text[start],
// or -1. Brackets inside double-quoted strings are ignored.
func matchBracket(text string, start, to int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < to; i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// decodeJSON parses strict JSON first, then JSON with comments and trailing
// commas, then JSON5.
func decodeJSON(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var value any
	if err := json.Unmarshal([]byte(s), &value); err == nil {
		return value, true
	}
	value = nil
	if err := json.Unmarshal(jsonc.ToJSON([]byte(s)), &value); err == nil {
		return value, true
	}
	value = nil
	if err := json5.Unmarshal([]byte(s), &value); err == nil {
		return value, true
	}
	return nil, false
}
