package llm

import (
	"regexp"
	"strings"
)

var (
	rFenceRe   = regexp.MustCompile("(?s)```[rR]\\s*\\n(.*?)```")
	anyFenceRe = regexp.MustCompile("(?s)```\\s*\\n(.*?)```")
)

// ExtractRCode pulls R source out of a model completion. Fenced ```r blocks
// win; a bare fenced block is accepted as a fallback; raw text is returned
// as-is when it already looks like R (no fences at all). Returns "" when no
// code can be extracted.
func ExtractRCode(text string) string {
	if m := rFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.Contains(text, "```") {
		return ""
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	return trimmed
}
