package agents

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mohammad-safakhou/stockresearch/internal/llm"
	"github.com/mohammad-safakhou/stockresearch/internal/llm/llmtest"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

func testClient(replies ...llmtest.Reply) (*llm.Client, *llmtest.Scripted) {
	model := llmtest.NewScripted(replies...)
	return llm.New(model, llm.Config{RetryBackoff: time.Millisecond, Timeout: time.Second, JSONRetries: 1}), model
}

type fakeAdapter struct {
	typ   tools.Type
	calls atomic.Int32
	fn    func(p tools.Params) (tools.Result, error)
}

func (f *fakeAdapter) Type() tools.Type { return f.typ }

func (f *fakeAdapter) Definition() tools.Definition {
	return tools.Definition{Name: string(f.typ), Description: "fake", Parameters: tools.ObjectSchema(map[string]string{"query": "q"})}
}

func (f *fakeAdapter) Invoke(_ context.Context, p tools.Params) (tools.Result, error) {
	f.calls.Add(1)
	return f.fn(p)
}

func testRouter(adapters ...tools.Adapter) *tools.Router {
	r := tools.NewRouter(tools.RouterConfig{Timeout: time.Second, RetryDelay: time.Millisecond})
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// researchingBlock returns a queue holding one block in the researching state.
func researchingBlock(t *testing.T) (*research.TopicQueue, research.TopicBlock) {
	t.Helper()
	q := research.NewTopicQueue("res_1", 5)
	b, _, err := q.Add("Apple earnings", "Latest quarter", research.SourceDecompose, 1)
	require.NoError(t, err)
	require.NoError(t, q.Start(b.ID))
	return q, b
}

func recorder(q *research.TopicQueue, blockID string) RecordFunc {
	return func(o tools.Outcome) (research.ToolTrace, error) {
		return q.RecordTrace(blockID, research.TraceFromOutcome(o, time.Now()))
	}
}

func TestRephraseNormalizesTopic(t *testing.T) {
	client, _ := testClient(llmtest.Text(`{"optimized_topic":" Apple  Q3 earnings outlook ","research_objective":"Assess guidance","key_questions":["Q1"," ","q1","Q2"],"symbols":["aapl"]}`))
	out, err := NewRephraser(client, DefaultPrompts(), nil).Rephrase(context.Background(), RephraseInput{Topic: "apple earnings", Language: "en"})
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Equal(t, "Apple Q3 earnings outlook", out.Topic)
	assert.Equal(t, "Assess guidance", out.Objective)
	assert.Equal(t, []string{"Q1", "Q2"}, out.KeyQuestions)
	assert.Equal(t, []string{"AAPL"}, out.Symbols)
}

func TestRephraseKeepsGivenSymbols(t *testing.T) {
	client, _ := testClient(llmtest.Text(`{"optimized_topic":"Samsung memory cycle","symbols":["000660"]}`))
	out, err := NewRephraser(client, DefaultPrompts(), nil).Rephrase(context.Background(), RephraseInput{Topic: "samsung", Symbols: []string{"005930"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, out.Symbols)
}

func TestRephraseFallsBack(t *testing.T) {
	cases := map[string][]llmtest.Reply{
		"malformed":  {llmtest.Text("sure thing"), llmtest.Text("still not json")},
		"degenerate": {llmtest.Text(`{"optimized_topic":"ab"}`)},
	}
	for name, replies := range cases {
		t.Run(name, func(t *testing.T) {
			client, _ := testClient(replies...)
			out, err := NewRephraser(client, DefaultPrompts(), nil).Rephrase(context.Background(), RephraseInput{Topic: "tesla deliveries"})
			require.NoError(t, err)
			assert.True(t, out.Fallback)
			assert.Equal(t, "tesla deliveries", out.Topic)
		})
	}
}

func TestRephraseReturnsModelFailures(t *testing.T) {
	client, _ := testClient(llmtest.Fail(errors.New("401 unauthorized")))
	_, err := NewRephraser(client, DefaultPrompts(), nil).Rephrase(context.Background(), RephraseInput{Topic: "tesla"})
	require.Error(t, err)
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, llm.KindAuth, e.Kind)
}

func TestDecomposeCleansAndTruncates(t *testing.T) {
	client, _ := testClient(llmtest.Text("```json\n" + `{"sub_topics":[
		{"title":"Revenue trend","overview":"growth","priority":1},
		{"title":"   ","overview":"blank"},
		{"title":"Margins","priority":9},
		{"title":"Valuation","priority":2}
	]}` + "\n```"))
	topics, fallback, err := NewDecomposer(client, DefaultPrompts(), nil).Decompose(context.Background(), DecomposeInput{
		Topic: "Apple", MaxTopics: 2, Symbols: []string{"AAPL"}, Market: "US", Tools: []string{"stock_price"},
	})
	require.NoError(t, err)
	assert.False(t, fallback)
	require.Len(t, topics, 2)
	assert.Equal(t, "Revenue trend", topics[0].Title)
	assert.Equal(t, "Margins", topics[1].Title)
	assert.Equal(t, 3, topics[1].Priority)
}

func TestDecomposeFallsBackToTopic(t *testing.T) {
	client, _ := testClient(llmtest.Text(`{"sub_topics":[]}`))
	topics, fallback, err := NewDecomposer(client, DefaultPrompts(), nil).Decompose(context.Background(), DecomposeInput{Topic: "Apple", Objective: "why", MaxTopics: 3})
	require.NoError(t, err)
	assert.True(t, fallback)
	assert.Equal(t, []SubTopic{{Title: "Apple", Overview: "why", Priority: 1}}, topics)
}

func TestResearchLoopRecordsEveryCall(t *testing.T) {
	price := &fakeAdapter{typ: tools.TypeStockPrice, fn: func(p tools.Params) (tools.Result, error) {
		return tools.Result{Data: map[string]string{"symbol": p["symbol"], "close": "190.1"}, CitationLabel: "AAPL price"}, nil
	}}
	news := &fakeAdapter{typ: tools.TypeNews, fn: func(tools.Params) (tools.Result, error) {
		return tools.Result{}, tools.NewError(tools.TypeNews, tools.ReasonNotFound, "no articles")
	}}
	client, model := testClient(
		llmtest.ToolCall("c1", "stock_price", `{"symbol":"AAPL"}`),
		llmtest.ToolCall("c2", "news_search", `{"query":"apple"}`),
		llmtest.Text("Apple closed at 190.1 [1]."),
	)
	q, block := researchingBlock(t)

	f, err := NewResearcher(client, testRouter(price, news), DefaultPrompts(), nil).Research(context.Background(), ResearchInput{
		MainTopic: "Apple", Block: block, Symbols: []string{"AAPL"}, Language: "en", MaxToolCalls: 2,
	}, recorder(q, block.ID))
	require.NoError(t, err)
	assert.Equal(t, "Apple closed at 190.1 [1].", f.Answer)
	assert.Equal(t, 2, f.ToolCalls)
	assert.Equal(t, 3, f.Rounds)

	traces := q.Traces()
	require.Len(t, traces, 2)
	assert.Equal(t, 1, traces[0].CitationID)
	assert.True(t, traces[0].OK())
	assert.Equal(t, map[string]string{"symbol": "AAPL"}, traces[0].InputParams)
	assert.Equal(t, tools.TypeNews, traces[1].ToolType)
	assert.False(t, traces[1].OK())

	calls := model.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 2, llmtest.ToolResults(calls[2]))
}

func TestResearchHonorsToolBudget(t *testing.T) {
	price := &fakeAdapter{typ: tools.TypeStockPrice, fn: func(tools.Params) (tools.Result, error) {
		return tools.Result{Data: "ok", CitationLabel: "price"}, nil
	}}
	double := llmtest.ToolCall("c1", "stock_price", `{"symbol":"AAPL"}`)
	double.ToolCalls = append(double.ToolCalls, llmtest.ToolCall("c2", "stock_price", `{"symbol":"MSFT"}`).ToolCalls...)
	client, _ := testClient(double, llmtest.Text("done"))
	q, block := researchingBlock(t)

	f, err := NewResearcher(client, testRouter(price), DefaultPrompts(), nil).Research(context.Background(), ResearchInput{
		MainTopic: "Apple", Block: block, MaxToolCalls: 1,
	}, recorder(q, block.ID))
	require.NoError(t, err)
	assert.Equal(t, "done", f.Answer)
	assert.Equal(t, 1, f.ToolCalls)
	assert.EqualValues(t, 1, price.calls.Load())
	assert.Len(t, q.Traces(), 1)
}

func TestResearchTerminatesWhenModelKeepsAskingForTools(t *testing.T) {
	model := llmtest.Func(func(context.Context, []llms.MessageContent) llmtest.Reply {
		return llmtest.ToolCall("c", "stock_price", `{"symbol":"AAPL"}`)
	})
	client := llm.New(model, llm.Config{Timeout: time.Second})
	price := &fakeAdapter{typ: tools.TypeStockPrice, fn: func(tools.Params) (tools.Result, error) {
		return tools.Result{Data: "ok"}, nil
	}}
	q, block := researchingBlock(t)

	f, err := NewResearcher(client, testRouter(price), DefaultPrompts(), nil).Research(context.Background(), ResearchInput{
		MainTopic: "Apple", Block: block, MaxToolCalls: 3,
	}, recorder(q, block.ID))
	require.NoError(t, err)
	assert.Equal(t, 3, f.ToolCalls)
	assert.Equal(t, 4, f.Rounds)
	assert.Len(t, q.Traces(), 3)
}

func TestResearchUnknownToolIsNotRecorded(t *testing.T) {
	price := &fakeAdapter{typ: tools.TypeStockPrice, fn: func(tools.Params) (tools.Result, error) {
		return tools.Result{Data: "ok"}, nil
	}}
	client, model := testClient(llmtest.ToolCall("c1", "teleport", `{}`), llmtest.Text("nothing found"))
	q, block := researchingBlock(t)

	f, err := NewResearcher(client, testRouter(price), DefaultPrompts(), nil).Research(context.Background(), ResearchInput{
		MainTopic: "Apple", Block: block, MaxToolCalls: 2,
	}, recorder(q, block.ID))
	require.NoError(t, err)
	assert.Equal(t, "nothing found", f.Answer)
	assert.Equal(t, 2, f.Rounds)
	assert.Empty(t, q.Traces())
	assert.Zero(t, price.calls.Load())

	calls := model.Calls()
	require.Len(t, calls, 2)
	last := calls[1]
	resp, ok := last[len(last)-1].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Contains(t, resp.Content, "unknown tool")
}

func TestResearchWithoutToolsAnswersDirectly(t *testing.T) {
	client, model := testClient(llmtest.ToolCall("c1", "stock_price", `{}`))
	q, block := researchingBlock(t)

	f, err := NewResearcher(client, testRouter(), DefaultPrompts(), nil).Research(context.Background(), ResearchInput{
		MainTopic: "Apple", Block: block, MaxToolCalls: 2,
	}, recorder(q, block.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, f.Rounds)
	assert.Zero(t, f.ToolCalls)
	assert.Empty(t, q.Traces())
	assert.Len(t, model.Calls(), 1)
}

func TestParseArguments(t *testing.T) {
	p, err := ParseArguments(`{"symbol":"AAPL","days":7,"deep":true,"tags":["a","b"],"skip":null}`)
	require.NoError(t, err)
	assert.Equal(t, tools.Params{"symbol": "AAPL", "days": "7", "deep": "true", "tags": "a,b"}, p)

	p, err = ParseArguments("  ")
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = ParseArguments(`["not","an","object"]`)
	assert.Error(t, err)
}
