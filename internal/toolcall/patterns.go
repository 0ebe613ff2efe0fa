package toolcall

import (
	"regexp"
	"sync"
)

// Patterns compile on first use and are shared read-only afterwards.
var (
	openTagPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?i)<\s*(tool_call|tool)(?:\s[^>]*)?>`)
	})
	closeTagPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?i)<\s*/\s*(tool_call|tool)\s*>`)
	})
	closedBlockPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?is)<\s*(?:tool_call|tool)(?:\s[^>]*)?>.*?<\s*/\s*(?:tool_call|tool)\s*>`)
	})
	fencePattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_+-]*)[^\\n]*\\n(.*?)```")
	})
	tagRemnantPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?i)<?\s*/?\s*\b(?:tool_call|tool)\s*(?:>|:|：)`)
	})
	identifierPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
	})
)
