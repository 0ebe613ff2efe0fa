// Package toolcall recovers structured tool calls from free-form model output.
//
// Strategies run in priority order: tagged <tool_call>/<tool> blocks (closed
// or truncated), balanced JSON spans anywhere in the text, a prefixed-name
// heuristic for objects without a name field, and finally a shell fence
// fallback that turns a lone `cat`/`head` into a read_file call. Malformed
// candidates are skipped; parsing never fails.
package toolcall

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Parser extracts tool calls according to a Policy.
type Parser struct {
	policy      Policy
	known       map[string]bool
	generic     map[string]bool
	connectives map[string]bool
	shellLangs  map[string]bool
	readCmds    map[string]bool
}

var defaultParser = New(DefaultPolicy())

// Parse extracts tool calls using DefaultPolicy.
func Parse(content, reasoning string) []models.ToolCall {
	return defaultParser.Parse(content, reasoning)
}

// New builds a parser for the given policy.
func New(policy Policy) *Parser {
	if policy.PrefixWindow <= 0 {
		policy.PrefixWindow = DefaultPolicy().PrefixWindow
	}
	if strings.TrimSpace(policy.ShellToolName) == "" {
		policy.ShellToolName = DefaultPolicy().ShellToolName
	}
	return &Parser{
		policy:      policy,
		known:       toSet(policy.KnownTools, false),
		generic:     toSet(policy.GenericTokens, true),
		connectives: toSet(policy.Connectives, true),
		shellLangs:  toSet(policy.ShellLanguages, true),
		readCmds:    toSet(policy.ShellReadCommands, true),
	}
}

// WithKnownTools returns a parser that additionally trusts the given names.
func (p *Parser) WithKnownTools(names []string) *Parser {
	if len(names) == 0 {
		return p
	}
	policy := p.policy
	policy.KnownTools = append(append([]string(nil), policy.KnownTools...), names...)
	return New(policy)
}

// Parse extracts tool calls from a completion, falling back to the reasoning
// channel only when the completion yields nothing.
func (p *Parser) Parse(content, reasoning string) []models.ToolCall {
	calls := p.parseText(content)
	if len(calls) == 0 {
		calls = p.parseText(reasoning)
	}
	if len(calls) == 0 && !p.policy.DisableShellFallback {
		calls = p.shellFallback(content)
		if len(calls) == 0 {
			calls = p.shellFallback(reasoning)
		}
	}
	return Dedupe(calls)
}

// FromPayload decodes a provider-native tool_calls payload using the same
// alias and unwrap rules as text parsing.
func (p *Parser) FromPayload(payload json.RawMessage) []models.ToolCall {
	if len(payload) == 0 {
		return nil
	}
	value, ok := decodeJSON(string(payload))
	if !ok {
		return nil
	}
	return Dedupe(p.callsFromValue(value, ""))
}

func (p *Parser) parseText(text string) []models.ToolCall {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var calls []models.ToolCall
	for _, payload := range taggedBlocks(text) {
		calls = append(calls, p.parseBlock(payload)...)
	}
	if len(calls) > 0 {
		return calls
	}
	return p.parseSpans(text)
}

func (p *Parser) parseBlock(payload string) []models.ToolCall {
	payload = stripFences(payload)
	if payload == "" {
		return nil
	}
	if value, ok := decodeJSON(payload); ok {
		if calls := p.callsFromValue(value, ""); len(calls) > 0 {
			return calls
		}
	}
	if calls := p.parseSpans(payload); len(calls) > 0 {
		return calls
	}
	if name := CleanName(payload); p.known[name] {
		return []models.ToolCall{{Name: name, Arguments: map[string]any{}}}
	}
	return nil
}

func (p *Parser) parseSpans(text string) []models.ToolCall {
	var calls []models.ToolCall
	for _, span := range scanJSONSpans(text) {
		from := span.start - p.policy.PrefixWindow
		if from < 0 {
			from = 0
		}
		calls = append(calls, p.callsFromValue(span.value, text[from:span.start])...)
	}
	return calls
}

// StripMarkup removes tool-call blocks and stray tags from answer text.
func StripMarkup(text string) string {
	text = closedBlockPattern().ReplaceAllString(text, "")
	text = openTagPattern().ReplaceAllString(text, "")
	text = closeTagPattern().ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func stripFences(payload string) string {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "```") {
		if nl := strings.IndexByte(payload, '\n'); nl >= 0 {
			payload = payload[nl+1:]
		} else {
			payload = strings.TrimPrefix(payload, "```")
		}
	}
	payload = strings.TrimSuffix(strings.TrimSpace(payload), "```")
	return strings.TrimSpace(payload)
}

func toSet(values []string, fold bool) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if fold {
			v = strings.ToLower(v)
		}
		if v != "" {
			set[v] = true
		}
	}
	return set
}
