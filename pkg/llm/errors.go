package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuth            Kind = "auth_error"
	KindRateLimit       Kind = "rate_limit"
	KindContextOverflow Kind = "context_overflow"
	KindTimeout         Kind = "timeout"
	KindOther           Kind = "other"
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err. Errors that were never
// classified are classified now.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return Classify(err)
}

// Classify maps an error from any provider to a Kind. HTTP status codes win
// over message inspection.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindOther
	}
	if kind, ok := classifyStatus(statusCode(err)); ok {
		return kind
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "401") || strings.Contains(msg, "Incorrect API key"):
		return KindAuth
	case strings.Contains(msg, "429") || strings.Contains(lower, "rate"):
		return KindRateLimit
	case strings.Contains(lower, "context") || strings.Contains(lower, "token"):
		return KindContextOverflow
	case strings.Contains(lower, "timeout") || strings.Contains(msg, "ETIMEDOUT"):
		return KindTimeout
	}
	return KindOther
}

func classifyStatus(code int) (Kind, bool) {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth, true
	case http.StatusTooManyRequests:
		return KindRateLimit, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout, true
	}
	return "", false
}

func statusCode(err error) int {
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

func wrap(provider string, err error) error {
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Kind: Classify(err), Provider: provider, Err: err}
}
