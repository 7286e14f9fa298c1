package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes attached to provider failures. Codes are stable; messages vary.
const (
	CodeRateLimit     = "rate_limit"
	CodeQuota         = "upstream_quota"
	CodeTimeout       = "timeout"
	CodeNetwork       = "network_error"
	CodeUpstream      = "ai_service_error"
	CodeToolNotCalled = "tool_not_called"
)

// Error is a typed provider failure carrying an HTTP-like status and, for
// throttling responses, a retry hint.
type Error struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// NewError builds a provider Error with the given fields.
func NewError(providerName string, statusCode int, code, message string) *Error {
	return &Error{Provider: providerName, StatusCode: statusCode, Code: code, Message: message}
}

// ErrToolNotCalled signals that a forced tool was not invoked by the model.
// This is a hard failure: downstream consumers expect a parseable result, so
// prose must never be silently substituted for the structured call.
var ErrToolNotCalled = &Error{Code: CodeToolNotCalled, Message: "model did not invoke the required tool"}

// AsError extracts a *Error from err, or nil.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// IsRateLimit reports whether err is an upstream throttling or quota error.
func IsRateLimit(err error) bool {
	pe := AsError(err)
	return pe != nil && (pe.Code == CodeRateLimit || pe.Code == CodeQuota)
}

// IsTimeout reports whether err is a wall-clock timeout, either our own
// per-call deadline or a context deadline from further up.
func IsTimeout(err error) bool {
	if pe := AsError(err); pe != nil && pe.Code == CodeTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFallbackEligible reports whether the orchestrator may retry err against
// the alternate provider. Only transient classes qualify; everything else
// propagates immediately.
func IsFallbackEligible(err error) bool {
	return IsRateLimit(err) || IsTimeout(err)
}

// RetryAfter returns the retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	if pe := AsError(err); pe != nil {
		return pe.RetryAfter
	}
	return 0
}
