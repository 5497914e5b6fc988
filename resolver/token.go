package resolver

import (
	"regexp"
	"strings"
)

// Reserved token prefixes selecting the resolution source.
const (
	// PrefixInput marks tokens read directly from the caller bag.
	PrefixInput = "input."
	// PrefixTable marks tokens resolved through a tabular lookup.
	PrefixTable = "table."
)

// tokenPattern matches {key} and { key } spellings. Keys may not contain
// braces; surrounding whitespace inside the braces is ignored.
var tokenPattern = regexp.MustCompile(`\{\s*([^{}\s][^{}]*?)\s*\}`)

// ExtractTokens returns the unique token keys embedded in a template, in
// first-occurrence order.
func ExtractTokens(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		key := m[1]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tokens = append(tokens, key)
	}
	return tokens
}

// substitute replaces both the tight and the whitespace-padded spelling of a
// token with its resolved value.
func substitute(template, token, value string) string {
	out := strings.ReplaceAll(template, "{"+token+"}", value)
	return strings.ReplaceAll(out, "{ "+token+" }", value)
}
