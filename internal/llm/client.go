// Package llm wraps a langchaingo model with retries, timeouts, token
// accounting and JSON-mode helpers used by the research agents.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kataras/golog"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/telemetry"
)

// Config controls every request made through a Client.
type Config struct {
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	// JSONRetries is how many times CompleteJSON re-asks after unparsable output.
	JSONRetries int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.JSONRetries <= 0 {
		c.JSONRetries = 2
	}
	return c
}

// Client is safe for concurrent use.
type Client struct {
	model   llms.Model
	cfg     Config
	logger  *golog.Logger
	metrics *telemetry.Metrics
}

type Option func(*Client)

func WithLogger(l *golog.Logger) Option { return func(c *Client) { c.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Client) { c.metrics = m } }

func New(model llms.Model, cfg Config, opts ...Option) *Client {
	c := &Client{model: model, cfg: cfg.withDefaults(), logger: logging.Discard()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Generate sends messages and returns the first choice. Transient failures
// are retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentChoice, error) {
	ctx, span := telemetry.Tracer("llm").Start(ctx, "llm.generate")
	call := []llms.CallOption{llms.WithTemperature(c.cfg.Temperature)}
	if c.cfg.MaxTokens > 0 {
		call = append(call, llms.WithMaxTokens(c.cfg.MaxTokens))
	}
	call = append(call, opts...)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryBackoff
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), ctx)

	var (
		choice   *llms.ContentChoice
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		ch, err := c.once(ctx, messages, call)
		if err == nil {
			choice = ch
			return nil
		}
		e := classify("generate", err)
		if !e.Retryable() {
			return backoff.Permanent(e)
		}
		c.logger.Debugf("model attempt %d failed: %v", attempts, e)
		return e
	}, policy)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		e := classify("generate", err)
		if ctx.Err() != nil && e.Kind != KindCanceled {
			e = &Error{Kind: KindCanceled, Op: "generate", Err: ctx.Err()}
		}
		c.metrics.ObserveLLM(string(e.Kind), 0, 0)
		c.logger.Warnf("model call failed after %d attempt(s): %v", attempts, e)
		telemetry.EndSpan(span, e)
		return nil, e
	}
	prompt, completion := usage(choice)
	c.metrics.ObserveLLM("success", prompt, completion)
	span.SetAttributes(attribute.Int("prompt_tokens", prompt), attribute.Int("completion_tokens", completion))
	telemetry.EndSpan(span, nil)
	return choice, nil
}

func (c *Client) once(ctx context.Context, messages []llms.MessageContent, opts []llms.CallOption) (*llms.ContentChoice, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindConnection, Op: "generate", Err: fmt.Errorf("timed out after %s", c.cfg.Timeout)}
		}
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, &Error{Kind: KindEmptyResponse, Op: "generate", Err: errors.New("empty response")}
	}
	return resp.Choices[0], nil
}

// Complete runs a single system+user exchange and returns the text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	choice, err := c.Generate(ctx, Messages(system, user))
	if err != nil {
		return "", err
	}
	return choice.Content, nil
}

const jsonReminder = "Your previous answer was not valid JSON. Respond with a single JSON object and nothing else."

// CompleteJSON decodes the model answer into out, re-asking when the output
// is not valid JSON. After JSONRetries failures it returns an error for
// which IsMalformed is true.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, out any) error {
	messages := Messages(system, user)
	var lastErr error
	for attempt := 0; attempt <= c.cfg.JSONRetries; attempt++ {
		choice, err := c.Generate(ctx, messages)
		if err != nil {
			return err
		}
		raw, err := ExtractJSON(choice.Content)
		if err == nil {
			if err = json.Unmarshal([]byte(raw), out); err == nil {
				return nil
			}
		}
		lastErr = err
		c.logger.Debugf("unparsable model output (attempt %d): %v", attempt+1, err)
		messages = append(messages,
			llms.TextParts(llms.ChatMessageTypeAI, choice.Content),
			llms.TextParts(llms.ChatMessageTypeHuman, jsonReminder),
		)
	}
	c.metrics.ObserveLLM(string(KindMalformed), 0, 0)
	return &Error{Kind: KindMalformed, Op: "complete_json", Err: fmt.Errorf("%w: %v", ErrMalformed, lastErr)}
}

// Messages builds the usual system+human pair, skipping an empty system prompt.
func Messages(system, user string) []llms.MessageContent {
	var out []llms.MessageContent
	if strings.TrimSpace(system) != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	return append(out, llms.TextParts(llms.ChatMessageTypeHuman, user))
}

func usage(choice *llms.ContentChoice) (prompt, completion int) {
	if choice == nil {
		return 0, 0
	}
	return intOf(choice.GenerationInfo["PromptTokens"]), intOf(choice.GenerationInfo["CompletionTokens"])
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
