package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy
)

func strict() *bluemonday.Policy {
	strictOnce.Do(func() { strictPolicy = bluemonday.StrictPolicy() })
	return strictPolicy
}

// PlainText strips every HTML element from s, decodes entities and collapses
// whitespace. Provider snippets and article descriptions go through it before
// they reach a prompt.
func PlainText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	out := html.UnescapeString(strict().Sanitize(s))
	return strings.Join(strings.Fields(out), " ")
}

// Truncate cuts s to at most n runes, appending "..." when it cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
