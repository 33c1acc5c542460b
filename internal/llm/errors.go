package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a model failure.
type Kind string

const (
	KindConfig        Kind = "config"
	KindConnection    Kind = "connection"
	KindRateLimit     Kind = "rate_limit"
	KindAuth          Kind = "auth"
	KindModelNotFound Kind = "model_not_found"
	KindContextLength Kind = "context_length"
	KindMalformed     Kind = "malformed_output"
	KindEmptyResponse Kind = "empty_response"
	KindToolCall      Kind = "tool_call"
	KindCanceled      Kind = "canceled"
)

// ErrMalformed marks output that could not be parsed after every retry.
var ErrMalformed = errors.New("malformed model output")

// Error is returned by every Client call.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindRateLimit, KindEmptyResponse:
		return true
	}
	return false
}

// IsMalformed reports whether err is a parse failure of model output.
func IsMalformed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindMalformed
}

// classify maps provider errors onto kinds. Providers only expose status
// codes and messages as text, so this matches on both.
func classify(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Op: op, Err: err}
	}
	msg := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	kind := KindConnection
	switch {
	case has("401", "403", "unauthorized", "invalid api key", "incorrect api key"):
		kind = KindAuth
	case has("429", "rate limit", "rate_limit"):
		kind = KindRateLimit
	case has("context length", "context_length", "maximum context"):
		kind = KindContextLength
	case has("model_not_found") || (has("model") && has("not found", "does not exist")):
		kind = KindModelNotFound
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
