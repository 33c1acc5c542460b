package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/kataras/golog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/telemetry"
)

// RouterConfig bounds every adapter call.
type RouterConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxResultSize int
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxResultSize <= 0 {
		c.MaxResultSize = 50000
	}
	return c
}

// Outcome is what the router reports for one logical tool call.
type Outcome struct {
	Tool      Type
	Params    Params
	Result    Result
	Raw       string // JSON-encoded Result.Data, possibly truncated
	Truncated bool
	Err       *ToolError
	Attempts  int
	Duration  time.Duration
}

// OK reports whether the call produced a result.
func (o Outcome) OK() bool { return o.Err == nil }

// Router dispatches tool calls to registered adapters.
type Router struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
	order    []Type
	cfg      RouterConfig
	logger   *golog.Logger
	metrics  *telemetry.Metrics
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

func WithLogger(l *golog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

func WithMetrics(m *telemetry.Metrics) RouterOption { return func(r *Router) { r.metrics = m } }

// NewRouter creates an empty router.
func NewRouter(cfg RouterConfig, opts ...RouterOption) *Router {
	r := &Router{
		adapters: make(map[Type]Adapter),
		cfg:      cfg.withDefaults(),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the adapter for its type.
func (r *Router) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Type()]; !exists {
		r.order = append(r.order, a.Type())
	}
	r.adapters[a.Type()] = a
}

// Resolve maps a model-produced tool name onto a registered type.
func (r *Router) Resolve(name string) (Type, bool) {
	t, ok := ParseType(name)
	if !ok {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, registered := r.adapters[t]
	return t, registered
}

// Definitions returns the registered tools in registration order.
func (r *Router) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, t := range r.order {
		defs = append(defs, r.adapters[t].Definition())
	}
	return defs
}

// Invoke calls the adapter for tool with params. It never returns an error:
// failures are reported in Outcome.Err so callers can record them as traces.
func (r *Router) Invoke(ctx context.Context, tool Type, params Params) Outcome {
	start := time.Now()
	out := Outcome{Tool: tool, Params: params.Clone()}

	ctx, span := telemetry.Tracer("tools").Start(ctx, "tools.invoke")
	span.SetAttributes(attribute.String("tool", string(tool)))

	r.mu.RLock()
	adapter, ok := r.adapters[tool]
	r.mu.RUnlock()
	if !ok {
		out.Err = NewError(tool, ReasonNotFound, "tool %q is not registered", tool)
		out.Duration = time.Since(start)
		telemetry.EndSpan(span, out.Err)
		return out
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.RetryDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxRetries)), ctx)

	var result Result
	err := backoff.Retry(func() error {
		out.Attempts++
		res, err := r.call(ctx, adapter, params)
		if err == nil {
			result = res
			return nil
		}
		te := Classify(tool, err)
		r.logger.Debugf("%s attempt %d failed: %v", tool, out.Attempts, te)
		if !te.Retryable() {
			return backoff.Permanent(te)
		}
		return te
	}, policy)
	out.Duration = time.Since(start)

	if err != nil {
		out.Err = Classify(tool, err)
		r.logger.Warnf("%s failed after %d attempt(s): %v", tool, out.Attempts, out.Err)
		r.metrics.ObserveTool(string(tool), string(out.Err.Reason), out.Duration)
		span.SetAttributes(attribute.String("reason", string(out.Err.Reason)))
		telemetry.EndSpan(span, out.Err)
		return out
	}

	out.Result = result
	out.Raw, out.Truncated = encode(result.Data, r.cfg.MaxResultSize)
	r.metrics.ObserveTool(string(tool), "success", out.Duration)
	span.SetAttributes(attribute.Int("attempts", out.Attempts), attribute.Bool("truncated", out.Truncated))
	telemetry.EndSpan(span, nil)
	return out
}

// call runs one attempt with its own timeout and turns adapter panics into errors.
func (r *Router) call(ctx context.Context, adapter Adapter, params Params) (res Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = NewError(adapter.Type(), ReasonProviderError, "adapter panic: %v", p)
		}
	}()
	res, err = adapter.Invoke(ctx, params.Clone())
	if err == nil && ctx.Err() != nil {
		// an adapter that ignored cancellation still counts as timed out
		err = ctx.Err()
	}
	return res, err
}

// encode marshals data and caps it at limit bytes without splitting a rune.
func encode(data any, limit int) (string, bool) {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte(fmt.Sprintf("%q", fmt.Sprint(data)))
	}
	if len(b) <= limit {
		return string(b), false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]), true
}
