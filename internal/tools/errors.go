package tools

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies an adapter failure.
type Reason string

const (
	ReasonNotFound      Reason = "not_found"
	ReasonProviderError Reason = "provider_error"
	ReasonTimeout       Reason = "timeout"
	ReasonRateLimited   Reason = "rate_limited"
)

// ToolError is the typed failure every adapter returns for expected problems.
type ToolError struct {
	Tool    Type   `json:"tool,omitempty"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Tool, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *ToolError) Retryable() bool {
	return e.Reason != ReasonNotFound
}

// NewError builds a ToolError with a formatted message.
func NewError(tool Type, reason Reason, format string, args ...any) *ToolError {
	return &ToolError{Tool: tool, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NotFound is shorthand for a not_found ToolError.
func NotFound(tool Type, format string, args ...any) *ToolError {
	return NewError(tool, ReasonNotFound, format, args...)
}

// Classify converts any error into a *ToolError for tool.
func Classify(tool Type, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		if te.Tool == "" {
			cp := *te
			cp.Tool = tool
			return &cp
		}
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ToolError{Tool: tool, Reason: ReasonTimeout, Message: "call timed out", Err: err}
	}
	return &ToolError{Tool: tool, Reason: ReasonProviderError, Message: err.Error(), Err: err}
}
