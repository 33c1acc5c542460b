package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kataras/golog"
	"github.com/tmc/langchaingo/llms"

	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

// ToolInvoker is the part of *tools.Router the researcher needs.
type ToolInvoker interface {
	Definitions() []tools.Definition
	Resolve(name string) (tools.Type, bool)
	Invoke(ctx context.Context, tool tools.Type, params tools.Params) tools.Outcome
}

// RecordFunc stores a finished call and returns it with its citation id.
type RecordFunc func(tools.Outcome) (research.ToolTrace, error)

type ResearchInput struct {
	MainTopic    string
	Block        research.TopicBlock
	Symbols      []string
	Market       string
	Language     string
	MaxToolCalls int
}

type Findings struct {
	Answer    string
	ToolCalls int
	Rounds    int
}

type Researcher struct {
	Model   Model
	Tools   ToolInvoker
	Prompts Prompts
	Logger  *golog.Logger
}

func NewResearcher(m Model, t ToolInvoker, p Prompts, l *golog.Logger) *Researcher {
	if l == nil {
		l = logging.Discard()
	}
	return &Researcher{Model: m, Tools: t, Prompts: p, Logger: l}
}

const toolBudgetSpent = "Tool call budget exhausted. Answer with the evidence gathered so far."

// Research runs a bounded tool-calling loop for one block: at most
// MaxToolCalls tool invocations and MaxToolCalls+1 model rounds. Every
// invocation is handed to record before the model sees its result.
func (r *Researcher) Research(ctx context.Context, in ResearchInput, record RecordFunc) (Findings, error) {
	maxCalls := in.MaxToolCalls
	if maxCalls < 0 {
		maxCalls = 0
	}
	data := map[string]any{
		"MainTopic":    in.MainTopic,
		"Topic":        in.Block.Topic,
		"Overview":     in.Block.Overview,
		"Symbols":      in.Symbols,
		"Market":       in.Market,
		"Language":     languageName(in.Language),
		"MaxToolCalls": maxCalls,
	}
	system, user, err := r.Prompts.Research.Render("research", data)
	if err != nil {
		return Findings{}, err
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	defs := toLLMTools(r.Tools.Definitions())

	var f Findings
	for f.Rounds <= maxCalls {
		var opts []llms.CallOption
		if f.ToolCalls < maxCalls && len(defs) > 0 {
			opts = append(opts, llms.WithTools(defs))
		}
		f.Rounds++
		choice, err := r.Model.Generate(ctx, messages, opts...)
		if err != nil {
			return f, err
		}
		if len(choice.ToolCalls) == 0 || len(opts) == 0 {
			f.Answer = strings.TrimSpace(choice.Content)
			return f, nil
		}

		parts := make([]llms.ContentPart, 0, len(choice.ToolCalls)+1)
		if strings.TrimSpace(choice.Content) != "" {
			parts = append(parts, llms.TextPart(choice.Content))
		}
		for _, tc := range choice.ToolCalls {
			parts = append(parts, tc)
		}
		messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})

		for _, tc := range choice.ToolCalls {
			name := ""
			if tc.FunctionCall != nil {
				name = tc.FunctionCall.Name
			}
			var content string
			if f.ToolCalls >= maxCalls {
				content = toolBudgetSpent
			} else {
				content = r.call(ctx, tc, record)
				f.ToolCalls++
			}
			messages = append(messages, llms.MessageContent{
				Role:  llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{ToolCallID: tc.ID, Name: name, Content: content}},
			})
		}
	}
	// every tool round spends at least one call, so the final round never
	// offers tools and returns above
	return f, nil
}

// call invokes one requested tool and renders the observation shown to the model.
func (r *Researcher) call(ctx context.Context, tc llms.ToolCall, record RecordFunc) string {
	if tc.FunctionCall == nil {
		return "Error: empty tool call."
	}
	tool, ok := r.Tools.Resolve(tc.FunctionCall.Name)
	if !ok {
		r.Logger.Warnf("model requested unknown tool %q", tc.FunctionCall.Name)
		return fmt.Sprintf("Error: unknown tool %q.", tc.FunctionCall.Name)
	}
	params, err := ParseArguments(tc.FunctionCall.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: arguments for %s are not a JSON object: %v.", tool, err)
	}
	outcome := r.Tools.Invoke(ctx, tool, params)
	trace, err := record(outcome)
	if err != nil {
		return fmt.Sprintf("Error: could not record %s result: %v.", tool, err)
	}
	if !trace.OK() {
		return fmt.Sprintf("[%d] %s failed (%s): %s", trace.CitationID, tool, trace.Error.Reason, trace.Error.Message)
	}
	return fmt.Sprintf("[%d] %s\n%s", trace.CitationID, trace.CitationLabel, trace.RawOutput)
}

// ParseArguments flattens a JSON object of tool arguments into string params.
func ParseArguments(raw string) (tools.Params, error) {
	params := tools.Params{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return params, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	for k, v := range args {
		switch val := v.(type) {
		case nil:
		case string:
			params[k] = val
		case float64:
			params[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			params[k] = strconv.FormatBool(val)
		case []any:
			items := make([]string, 0, len(val))
			for _, it := range val {
				items = append(items, fmt.Sprint(it))
			}
			params[k] = strings.Join(items, ",")
		default:
			b, _ := json.Marshal(val)
			params[k] = string(b)
		}
	}
	return params, nil
}

func toLLMTools(defs []tools.Definition) []llms.Tool {
	out := make([]llms.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
