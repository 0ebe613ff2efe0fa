package toolcall

import (
	"path"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/haasonsaas/conductor/pkg/models"
)

var promptPrefixes = []string{"$ ", "> ", "PS> ", "% "}

// shellFallback turns fenced shell blocks consisting of a single read
// command into read calls.
func (p *Parser) shellFallback(text string) []models.ToolCall {
	if !strings.Contains(text, "```") {
		return nil
	}
	var calls []models.ToolCall
	for _, m := range fencePattern().FindAllStringSubmatch(text, -1) {
		if !p.shellLangs[strings.ToLower(m[1])] {
			continue
		}
		target, ok := p.readTarget(m[2])
		if !ok {
			continue
		}
		calls = append(calls, models.ToolCall{
			Name:      p.policy.ShellToolName,
			Arguments: map[string]any{"path": target},
		})
	}
	return calls
}

func (p *Parser) readTarget(body string) (string, bool) {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "REM ") {
			continue
		}
		for _, prompt := range promptPrefixes {
			line = strings.TrimPrefix(line, prompt)
		}
		lines = append(lines, line)
	}
	if len(lines) != 1 {
		return "", false
	}
	words, err := shlex.Split(lines[0])
	if err != nil {
		return "", false
	}
	words = cutAtOperator(words)
	if len(words) < 2 {
		return "", false
	}
	if !p.readCmds[strings.ToLower(path.Base(words[0]))] {
		return "", false
	}

	var targets []string
	for i := 1; i < len(words); i++ {
		w := words[i]
		if strings.HasPrefix(w, "-") && w != "-" {
			if (w == "-n" || w == "-c") && i+1 < len(words) && isCount(words[i+1]) {
				i++
			}
			continue
		}
		targets = append(targets, w)
	}
	if len(targets) != 1 || targets[0] == "-" {
		return "", false
	}
	return targets[0], true
}

// cutAtOperator drops everything from the first pipe, list or redirect
// operator onwards.
func cutAtOperator(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if idx := strings.IndexAny(w, "|;&<>"); idx >= 0 {
			if idx > 0 {
				out = append(out, w[:idx])
			}
			return out
		}
		out = append(out, w)
	}
	return out
}

func isCount(s string) bool {
	_, err := strconv.Atoi(strings.TrimPrefix(s, "-"))
	return err == nil
}
