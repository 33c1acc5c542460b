// Package llmtest provides deterministic llms.Model fakes for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// ErrExhausted is returned once a Scripted model has no replies left.
var ErrExhausted = errors.New("llmtest: script exhausted")

// Reply is one canned model answer.
type Reply struct {
	Content   string
	ToolCalls []llms.ToolCall
	Err       error
}

func Text(s string) Reply { return Reply{Content: s} }

func Fail(err error) Reply { return Reply{Err: err} }

// ToolCall builds a reply requesting a single function call.
func ToolCall(id, name, args string) Reply {
	return Reply{ToolCalls: []llms.ToolCall{{
		ID:           id,
		Type:         "function",
		FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
	}}}
}

func (r Reply) response() (*llms.ContentResponse, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        r.Content,
		ToolCalls:      r.ToolCalls,
		GenerationInfo: map[string]any{"PromptTokens": 10, "CompletionTokens": 5},
	}}}, nil
}

// Scripted replays replies in order and records every request.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	calls   [][]llms.MessageContent
}

func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	if len(s.replies) == 0 {
		return nil, ErrExhausted
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.response()
}

func (s *Scripted) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

// Calls returns the recorded requests.
func (s *Scripted) Calls() [][]llms.MessageContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]llms.MessageContent(nil), s.calls...)
}

// Func adapts a function into a model. Handy for routing replies by prompt.
type Func func(ctx context.Context, messages []llms.MessageContent) Reply

func (f Func) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f(ctx, messages).response()
}

func (f Func) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

// System returns the text of the system message, if any.
func System(messages []llms.MessageContent) string {
	for _, m := range messages {
		if m.Role == llms.ChatMessageTypeSystem {
			return text(m)
		}
	}
	return ""
}

// LastHuman returns the text of the last human message.
func LastHuman(messages []llms.MessageContent) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llms.ChatMessageTypeHuman {
			return text(messages[i])
		}
	}
	return ""
}

// ToolResults counts tool response messages in the conversation.
func ToolResults(messages []llms.MessageContent) int {
	n := 0
	for _, m := range messages {
		if m.Role == llms.ChatMessageTypeTool {
			n++
		}
	}
	return n
}

func text(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}
