package logging

import (
	"io"
	"strings"

	"github.com/kataras/golog"
)

// New returns a leveled logger whose lines start with prefix, e.g. "[ORCH] ".
func New(prefix, level string) *golog.Logger {
	l := golog.New()
	l.SetPrefix(prefix)
	l.SetLevel(normalizeLevel(level))
	return l
}

// Discard returns a logger that drops everything. Used by tests and one-shot CLI paths.
func Discard() *golog.Logger {
	l := golog.New()
	l.SetOutput(io.Discard)
	l.SetLevel("disable")
	return l
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	case "disable", "off", "none":
		return "disable"
	default:
		return "info"
	}
}
