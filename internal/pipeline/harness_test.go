package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mohammad-safakhou/stockresearch/internal/agents"
	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
	"github.com/mohammad-safakhou/stockresearch/internal/llm"
	"github.com/mohammad-safakhou/stockresearch/internal/llm/llmtest"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

// script answers each stage agent by recognizing its system prompt.
type script struct {
	mu        sync.Mutex
	calls     map[string]int
	rephrase  func() llmtest.Reply
	decompose func() llmtest.Reply
	research  func(m []llms.MessageContent) llmtest.Reply
	notes     func() llmtest.Reply
	report    func() llmtest.Reply
	manager   func(n int) llmtest.Reply
}

func defaultScript() *script {
	return &script{
		calls: map[string]int{},
		rephrase: func() llmtest.Reply {
			return llmtest.Text(`{"optimized_topic":"Apple (AAPL) short-term outlook","research_objective":"Check price and news","key_questions":["Is momentum intact?"]}`)
		},
		decompose: func() llmtest.Reply {
			return llmtest.Text(`{"sub_topics":[
				{"title":"Price action","overview":"recent trend","priority":1},
				{"title":"Fundamentals","overview":"valuation","priority":2},
				{"title":"News flow","overview":"headlines","priority":3}]}`)
		},
		research: func(m []llms.MessageContent) llmtest.Reply {
			if llmtest.ToolResults(m) == 0 {
				return llmtest.ToolCall("call_1", "stock_price", `{"symbol":"AAPL"}`)
			}
			return llmtest.Text("AAPL trades near its highs [1][2][3].")
		},
		notes: func() llmtest.Reply {
			return llmtest.Text(`{"summary":"Momentum is strong [1][2][3][42].","citations":[1,2,3,42]}`)
		},
		report: func() llmtest.Reply {
			return llmtest.Text("# AAPL\n\n## Executive Summary\nStrong momentum [1][2][3][42].\n\n## Conclusion\nHold.\n")
		},
	}
}

func (s *script) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func (s *script) model() llms.Model {
	return llmtest.Func(func(_ context.Context, m []llms.MessageContent) llmtest.Reply {
		sys := llmtest.System(m)
		var stage string
		switch {
		case strings.Contains(sys, "topic optimizer"):
			stage = "rephrase"
		case strings.Contains(sys, "break an equity research topic"):
			stage = "decompose"
		case strings.Contains(sys, "financial research analyst"):
			stage = "research"
		case strings.Contains(sys, "note-taker"):
			stage = "notes"
		case strings.Contains(sys, "report writer"), strings.Contains(sys, "리포트"):
			stage = "report"
		case strings.Contains(sys, "manage an equity research team"):
			stage = "manager"
		}
		s.mu.Lock()
		s.calls[stage]++
		n := s.calls[stage]
		s.mu.Unlock()
		switch stage {
		case "rephrase":
			return s.rephrase()
		case "decompose":
			return s.decompose()
		case "research":
			return s.research(m)
		case "notes":
			return s.notes()
		case "report":
			return s.report()
		case "manager":
			if s.manager != nil {
				return s.manager(n)
			}
		}
		return llmtest.Text("")
	})
}

type fakeAdapter struct {
	typ   tools.Type
	calls atomic.Int32
	fn    func(p tools.Params) (tools.Result, error)
}

func (f *fakeAdapter) Type() tools.Type { return f.typ }

func (f *fakeAdapter) Definition() tools.Definition {
	return tools.Definition{Name: string(f.typ), Description: "fake", Parameters: tools.ObjectSchema(map[string]string{"symbol": "ticker"})}
}

func (f *fakeAdapter) Invoke(_ context.Context, p tools.Params) (tools.Result, error) {
	f.calls.Add(1)
	return f.fn(p)
}

func priceAdapter() *fakeAdapter {
	return &fakeAdapter{typ: tools.TypeStockPrice, fn: func(p tools.Params) (tools.Result, error) {
		return tools.Result{Data: map[string]any{"symbol": p["symbol"], "last_close": 190.1}, CitationLabel: p["symbol"] + " price history"}, nil
	}}
}

type harness struct {
	store  *jobs.Store
	orch   *Orchestrator
	script *script
}

func testConfig() Config {
	return Config{MaxIterations: 10, MaxToolCallsPerTopic: 3, MaxGapTopics: 0, MaxDuration: time.Minute, MaxConcurrentJobs: 2}
}

func newHarness(t *testing.T, s *script, cfg Config, manager bool, opts []Option, adapters ...tools.Adapter) *harness {
	t.Helper()
	client := llm.New(s.model(), llm.Config{Timeout: time.Second, RetryBackoff: time.Millisecond, JSONRetries: 1})
	router := tools.NewRouter(tools.RouterConfig{Timeout: time.Second, RetryDelay: time.Millisecond})
	for _, a := range adapters {
		router.Register(a)
	}
	prompts := agents.DefaultPrompts()
	a := Agents{
		Rephraser:  agents.NewRephraser(client, prompts, nil),
		Decomposer: agents.NewDecomposer(client, prompts, nil),
		Researcher: agents.NewResearcher(client, router, prompts, nil),
		NoteTaker:  agents.NewNoteTaker(client, prompts, nil),
		Reporter:   agents.NewReporter(client, prompts, nil),
	}
	if manager {
		a.Manager = agents.NewManager(client, prompts, nil)
	}
	store := jobs.NewStore(jobs.Options{})
	return &harness{store: store, orch: New(store, a, cfg, opts...), script: s}
}

func (h *harness) submit(t *testing.T, req research.Request) research.Job {
	t.Helper()
	req, err := req.Normalize(research.RequestLimits{DefaultMaxTopics: 10, MinTopics: 1, MaxTopics: 20, DefaultLanguage: "en"})
	require.NoError(t, err)
	job, err := h.store.Create(req)
	require.NoError(t, err)
	return job
}

func (h *harness) run(t *testing.T, id string) research.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	require.True(t, job.Status.Terminal(), "job ended in %s", job.Status)
	return job
}

func aaplRequest() research.Request {
	return research.Request{Topic: "AAPL quick check", Symbols: []string{"AAPL"}, Market: "US", MaxTopics: 3}
}
