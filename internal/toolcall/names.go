package toolcall

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const namePunctuation = " \t\r\n`'\"*:;,.!()[]{}<>=/\\|"

// CleanName strips tag remnants and punctuation from a raw tool name. When
// the result is non-ASCII or contains '?', which usually means a mangled
// encoding, the last run of ASCII [A-Za-z0-9_.-] characters is kept instead.
func CleanName(raw string) string {
	s := tagRemnantPattern().ReplaceAllString(strings.TrimSpace(raw), "")
	s = strings.ReplaceAll(s, "：", "")
	s = norm.NFKC.String(s)
	s = strings.Trim(s, namePunctuation)
	if !isASCII(s) || strings.Contains(s, "?") {
		s = lastASCIIRun(s)
	}
	return s
}

func (p *Parser) prefixedName(prefix string) string {
	fields := strings.Fields(prefix)
	for skipped := 0; len(fields) > 0 && skipped <= 2; skipped++ {
		token := fields[len(fields)-1]
		fields = fields[:len(fields)-1]
		if p.connectives[strings.ToLower(strings.Trim(token, namePunctuation))] || strings.Trim(token, namePunctuation) == "" {
			continue
		}
		return p.acceptPrefixToken(token)
	}
	return ""
}

func (p *Parser) acceptPrefixToken(token string) string {
	if looksLikeJSONFragment(token) {
		return ""
	}
	name := CleanName(token)
	if name == "" {
		return ""
	}
	if p.known[name] {
		return name
	}
	if p.generic[strings.ToLower(name)] || !identifierPattern().MatchString(name) {
		return ""
	}
	if p.policy.StrictPrefixNames && !strings.ContainsAny(name, "_.-0123456789") {
		return ""
	}
	return name
}

func looksLikeJSONFragment(token string) bool {
	if strings.ContainsAny(token, `{}[]",`) {
		return true
	}
	trimmed := strings.Trim(token, namePunctuation)
	if trimmed == "" {
		return true
	}
	for _, r := range trimmed {
		if !unicode.IsDigit(r) && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.'
}

func lastASCIIRun(s string) string {
	end := len(s)
	for end > 0 && !isNameByte(s[end-1]) {
		end--
	}
	start := end
	for start > 0 && isNameByte(s[start-1]) {
		start--
	}
	return strings.Trim(s[start:end], ".-")
}
