package toolcall

// Policy tunes the best-effort heuristics of the parser. The tagged, JSON and
// alias rules are fixed; the prefixed-name and shell fallbacks are not.
type Policy struct {
	// KnownTools are always accepted as prefixed names and as bare tag payloads.
	KnownTools []string

	// GenericTokens are never accepted as prefixed tool names.
	GenericTokens []string

	// Connectives are skipped when walking back from a JSON span to its name,
	// so "call read_file with {...}" resolves to read_file.
	Connectives []string

	// PrefixWindow bounds how many bytes before a JSON span are inspected.
	PrefixWindow int

	// StrictPrefixNames requires unknown prefixed names to contain '_', '.', '-'
	// or a digit, which rejects ordinary prose words.
	StrictPrefixNames bool

	// ShellLanguages are fence languages inspected by the shell fallback.
	ShellLanguages []string

	// ShellReadCommands are commands translated into ShellToolName calls.
	ShellReadCommands []string

	// ShellToolName is the tool synthesized by the shell fallback.
	ShellToolName string

	// DisableShellFallback turns the shell fallback off.
	DisableShellFallback bool
}

// DefaultPolicy returns the heuristics used by Parse.
func DefaultPolicy() Policy {
	return Policy{
		GenericTokens: []string{
			"tool", "tools", "tool_call", "tool_calls", "function", "functions",
			"json", "json5", "bash", "sh", "shell", "cmd", "powershell", "code",
			"call", "calls", "invoke", "run", "use", "example", "output", "result",
			"response", "request", "here", "is", "the", "a", "an", "this", "that",
			"true", "false", "null", "name", "arguments", "args",
		},
		Connectives:       []string{"with", "using", "args", "arguments", "params", "parameters", "input", "payload", "=", ":", "->", "=>"},
		PrefixWindow:      160,
		StrictPrefixNames: true,
		ShellLanguages:    []string{"bash", "sh", "shell", "zsh", "console", "terminal", "cmd", "bat", "powershell", "pwsh", "ps", "ps1"},
		ShellReadCommands: []string{"cat", "head"},
		ShellToolName:     "read_file",
	}
}
