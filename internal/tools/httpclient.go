package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const userAgent = "Mozilla/5.0 (compatible; stockresearch/1.0)"

// HTTPClient is the shared transport of HTTP-backed adapters. It applies a
// per-provider rate limit and maps HTTP failures onto ToolError reasons.
// Retries are left to the Router.
type HTTPClient struct {
	tool    Type
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient builds a client for tool. ratePerSecond <= 0 disables limiting.
func NewHTTPClient(tool Type, timeout time.Duration, ratePerSecond float64) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &HTTPClient{
		tool:    tool,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// DoJSON sends body (JSON-encoded when non-nil) and decodes a 2xx response into out.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return NewError(c.tool, ReasonProviderError, "encode request: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if body != nil && headers["Content-Type"] == "" {
		headers["Content-Type"] = "application/json"
	}
	if headers["Accept"] == "" {
		headers["Accept"] = "application/json"
	}
	resp, err := c.do(ctx, method, url, headers, bodyReader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(c.tool, ReasonProviderError, "malformed response from %s: %v", hostOf(url), err)
	}
	return nil
}

// GetText fetches url and returns the body, capped at maxBytes.
func (c *HTTPClient) GetText(ctx context.Context, url string, headers map[string]string, maxBytes int64) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, url, headers, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", Classify(c.tool, err)
	}
	return string(b), nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Classify(c.tool, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, NewError(c.tool, ReasonProviderError, "build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(c.tool, ctx.Err())
		}
		if isTimeout(err) {
			return nil, &ToolError{Tool: c.tool, Reason: ReasonTimeout, Message: "provider did not answer in time", Err: err}
		}
		return nil, Classify(c.tool, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	// read response body (best-effort) to include in error
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, statusError(c.tool, resp.StatusCode, resp.Status, strings.TrimSpace(string(b)))
}

func statusError(tool Type, code int, status, body string) *ToolError {
	reason := ReasonProviderError
	switch {
	case code == http.StatusNotFound:
		reason = ReasonNotFound
	case code == http.StatusTooManyRequests:
		reason = ReasonRateLimited
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		reason = ReasonTimeout
	}
	msg := status
	if body != "" {
		msg += ": " + body
	}
	return &ToolError{Tool: tool, Reason: reason, Message: msg}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

func hostOf(url string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	return s
}
