// Package retry classifies execution failures and decides whether and when a failed
// attempt runs again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// FailureType categorizes an execution failure.
type FailureType string

const (
	TransientError        FailureType = "TRANSIENT_ERROR"
	RateLimit             FailureType = "RATE_LIMIT"
	Timeout               FailureType = "TIMEOUT"
	ModelLimit            FailureType = "MODEL_LIMIT"
	ContextLengthExceeded FailureType = "CONTEXT_LENGTH_EXCEEDED"
	ModelUnavailable      FailureType = "MODEL_UNAVAILABLE"
	NetworkError          FailureType = "NETWORK_ERROR"
	AuthError             FailureType = "AUTH_ERROR"
	Unknown               FailureType = "UNKNOWN"
)

// AllFailureTypes lists every failure type.
func AllFailureTypes() []FailureType {
	return []FailureType{
		TransientError, RateLimit, Timeout, ModelLimit, ContextLengthExceeded,
		ModelUnavailable, NetworkError, AuthError, Unknown,
	}
}

// ParseFailureType accepts the upper-case names used in configuration.
func ParseFailureType(s string) (FailureType, bool) {
	ft := FailureType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllFailureTypes() {
		if ft == known {
			return ft, true
		}
	}
	return "", false
}

// NeverRetryable reports failure types that no configuration can make retryable.
func (f FailureType) NeverRetryable() bool {
	return f == AuthError || f == ContextLengthExceeded
}

// Escalatable reports failures a larger model may fix.
func (f FailureType) Escalatable() bool {
	return f == ContextLengthExceeded || f == ModelLimit
}

// CountsTowardCircuit reports failures that say something about the provider's health.
// Oversized prompts and bad credentials are the caller's problem.
func (f FailureType) CountsTowardCircuit() bool {
	return f != ContextLengthExceeded && f != ModelLimit && f != AuthError
}

// Error is a classified execution error.
type Error struct {
	Err        error       // Wrapped underlying error
	Message    string      // Human-readable message
	Type       FailureType // Classified failure type
	StatusCode int         // HTTP status code if applicable
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the type may be retried at all.
func (e *Error) IsRetryable() bool { return !e.Type.NeverRetryable() }

// NewError builds a classified error.
func NewError(typ FailureType, message string, err error) *Error {
	return &Error{Type: typ, Message: message, Err: err}
}

// FromStatus classifies an HTTP-level provider failure, falling back to message
// matching when the status alone says nothing.
func FromStatus(statusCode int, message string, err error) *Error {
	e := &Error{Message: message, Err: err, StatusCode: statusCode}
	switch {
	case statusCode == 401 || statusCode == 403:
		e.Type = AuthError
	case statusCode == 429:
		e.Type = RateLimit
	case statusCode == 408 || statusCode == 504:
		e.Type = Timeout
	case statusCode == 413:
		e.Type = ContextLengthExceeded
	case statusCode == 404 || statusCode == 503 || statusCode == 529:
		e.Type = ModelUnavailable
	case statusCode >= 500:
		e.Type = TransientError
	default:
		e.Type = classifyMessage(strings.ToLower(message))
	}
	return e
}

// ClassifyFailure maps err onto a FailureType. Typed errors win over message patterns.
func ClassifyFailure(err error) FailureType {
	if err == nil {
		return Unknown
	}

	var classified *Error
	if errors.As(err, &classified) && classified.Type != "" {
		return classified.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NetworkError
	}
	return classifyMessage(strings.ToLower(err.Error()))
}

type pattern struct {
	typ     FailureType
	needles []string
}

// Order matters: the first matching group wins.
func patterns() []pattern {
	return []pattern{
		{ContextLengthExceeded, []string{
			"context length", "context_length", "context window", "maximum context",
			"prompt is too long", "too many tokens", "input is too long",
		}},
		{AuthError, []string{
			"401", "403", "unauthorized", "forbidden", "invalid api key", "invalid_api_key",
			"authentication", "permission denied",
		}},
		{RateLimit, []string{"429", "rate limit", "rate_limit", "ratelimit", "too many requests", "quota"}},
		{ModelLimit, []string{"max_tokens", "max tokens", "maximum output", "output limit", "token limit", "model limit"}},
		{Timeout, []string{"timeout", "timed out", "deadline exceeded"}},
		{ModelUnavailable, []string{
			"model not found", "model_not_found", "model unavailable", "overloaded", "503",
			"service unavailable", "does not exist",
		}},
		{NetworkError, []string{
			"connection refused", "connection reset", "no such host", "network", "broken pipe",
			"eof", "tls handshake",
		}},
		{TransientError, []string{"500", "502", "504", "internal server error", "bad gateway", "temporary", "transient"}},
	}
}

func classifyMessage(msg string) FailureType {
	for _, p := range patterns() {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.typ
			}
		}
	}
	return Unknown
}
