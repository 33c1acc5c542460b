// Package agents implements the LLM stage agents of the research pipeline:
// rephrase, decompose, research, notes, report and the optional manager.
package agents

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Model is the part of *llm.Client the agents need.
type Model interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user string, out any) error
	Generate(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentChoice, error)
}

func languageName(code string) string {
	if code == "ko" {
		return "Korean"
	}
	return "English"
}

// cleanList trims entries and drops blanks and case-insensitive duplicates.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
