package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	typ   Type
	calls atomic.Int32
	fn    func(ctx context.Context, n int32, p Params) (Result, error)
}

func (s *stubAdapter) Type() Type { return s.typ }

func (s *stubAdapter) Definition() Definition {
	return Definition{Name: string(s.typ), Description: "stub", Parameters: ObjectSchema(map[string]string{"query": "q"}, "query")}
}

func (s *stubAdapter) Invoke(ctx context.Context, p Params) (Result, error) {
	n := s.calls.Add(1)
	return s.fn(ctx, n, p)
}

func testRouter() *Router {
	return NewRouter(RouterConfig{Timeout: 50 * time.Millisecond, MaxRetries: 2, RetryDelay: time.Millisecond, MaxResultSize: 64})
}

func TestRouterRetriesProviderErrors(t *testing.T) {
	r := testRouter()
	a := &stubAdapter{typ: TypeNews, fn: func(_ context.Context, n int32, _ Params) (Result, error) {
		if n < 3 {
			return Result{}, NewError(TypeNews, ReasonProviderError, "flaky")
		}
		return Result{Data: map[string]string{"ok": "yes"}, CitationLabel: "News"}, nil
	}}
	r.Register(a)

	out := r.Invoke(context.Background(), TypeNews, Params{"query": "aapl"})
	require.True(t, out.OK(), "unexpected error: %v", out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, `{"ok":"yes"}`, out.Raw)
	assert.Equal(t, "News", out.Result.CitationLabel)
}

func TestRouterDoesNotRetryNotFound(t *testing.T) {
	r := testRouter()
	a := &stubAdapter{typ: TypeStockPrice, fn: func(context.Context, int32, Params) (Result, error) {
		return Result{}, NotFound(TypeStockPrice, "symbol ZZZZ not found")
	}}
	r.Register(a)

	out := r.Invoke(context.Background(), TypeStockPrice, Params{"symbol": "ZZZZ"})
	require.False(t, out.OK())
	assert.Equal(t, ReasonNotFound, out.Err.Reason)
	assert.Equal(t, 1, out.Attempts)
}

func TestRouterTimeout(t *testing.T) {
	r := NewRouter(RouterConfig{Timeout: 10 * time.Millisecond, MaxRetries: 0, RetryDelay: time.Millisecond})
	r.Register(&stubAdapter{typ: TypeWebSearch, fn: func(ctx context.Context, _ int32, _ Params) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})

	out := r.Invoke(context.Background(), TypeWebSearch, Params{"query": "x"})
	require.False(t, out.OK())
	assert.Equal(t, ReasonTimeout, out.Err.Reason)
}

func TestRouterRecoversPanics(t *testing.T) {
	r := NewRouter(RouterConfig{MaxRetries: 0, RetryDelay: time.Millisecond})
	r.Register(&stubAdapter{typ: TypeYouTube, fn: func(context.Context, int32, Params) (Result, error) {
		panic("boom")
	}})

	out := r.Invoke(context.Background(), TypeYouTube, Params{})
	require.False(t, out.OK())
	assert.Equal(t, ReasonProviderError, out.Err.Reason)
	assert.Contains(t, out.Err.Message, "boom")
}

func TestRouterTruncatesLargeResults(t *testing.T) {
	r := testRouter()
	r.Register(&stubAdapter{typ: TypeRAGSearch, fn: func(context.Context, int32, Params) (Result, error) {
		return Result{Data: strings.Repeat("가", 100)}, nil
	}})

	out := r.Invoke(context.Background(), TypeRAGSearch, Params{})
	require.True(t, out.OK())
	assert.True(t, out.Truncated)
	assert.LessOrEqual(t, len(out.Raw), 64)
	assert.True(t, strings.HasPrefix(out.Raw, `"가`))
}

func TestRouterUnknownTool(t *testing.T) {
	out := testRouter().Invoke(context.Background(), TypeFinancials, Params{})
	require.False(t, out.OK())
	assert.Equal(t, ReasonNotFound, out.Err.Reason)
}

func TestResolveAliases(t *testing.T) {
	r := testRouter()
	r.Register(&stubAdapter{typ: TypeStockPrice, fn: func(context.Context, int32, Params) (Result, error) { return Result{}, nil }})

	typ, ok := r.Resolve("stock_data")
	assert.True(t, ok)
	assert.Equal(t, TypeStockPrice, typ)

	_, ok = r.Resolve("financial_ratios") // known alias, adapter not registered
	assert.False(t, ok)
	_, ok = r.Resolve("crystal_ball")
	assert.False(t, ok)
	assert.Len(t, r.Definitions(), 1)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ReasonTimeout, Classify(TypeNews, context.DeadlineExceeded).Reason)
	assert.Equal(t, ReasonProviderError, Classify(TypeNews, errors.New("x")).Reason)
	te := Classify(TypeNews, &ToolError{Reason: ReasonRateLimited, Message: "slow down"})
	assert.Equal(t, TypeNews, te.Tool)
	assert.Equal(t, ReasonRateLimited, te.Reason)
}
