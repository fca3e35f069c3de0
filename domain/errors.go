package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the closed taxonomy every terminal failure maps into.
type ErrorKind string

const (
	ErrKindNetwork           ErrorKind = "network"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindInvalidCredential ErrorKind = "invalid_credential"
	ErrKindRateLimited       ErrorKind = "rate_limited"
	ErrKindModelNotFound     ErrorKind = "model_not_found"
	ErrKindValidation        ErrorKind = "validation"
	ErrKindUnsupportedModel  ErrorKind = "unsupported_model"
	ErrKindNotImplemented    ErrorKind = "not_implemented"
	ErrKindUnknown           ErrorKind = "unknown"
)

// Sentinel errors raised inside the module. They classify ahead of the
// keyword rules so adapters don't have to craft matching message text.
var (
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrNotImplemented    = errors.New("streaming not implemented for this provider")
	ErrMissingCredential = errors.New("missing api credential")
	ErrModelNotFound     = errors.New("model not found")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrValidation        = errors.New("invalid request parameters")
)

// ClassifiedError is the normalized form of a raw transport or provider
// failure: a kind from the closed taxonomy, a display-safe message, and
// whether a retry may succeed.
type ClassifiedError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
}

func (e ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// userMessages are the short, stable categories surfaced to callers in place
// of raw transport errors.
var userMessages = map[ErrorKind]string{
	ErrKindNetwork:           "network connection failed",
	ErrKindTimeout:           "request timed out",
	ErrKindInvalidCredential: "api credential is invalid or missing",
	ErrKindRateLimited:       "rate limit exceeded, try again later",
	ErrKindModelNotFound:     "model does not exist or is unavailable",
	ErrKindValidation:        "request parameters are invalid",
	ErrKindUnsupportedModel:  "model is not supported",
	ErrKindNotImplemented:    "operation is not implemented for this provider",
	ErrKindUnknown:           "an unknown error occurred",
}

// UserMessage returns the display category for a kind.
func UserMessage(kind ErrorKind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[ErrKindUnknown]
}

// Retryable reports whether a kind belongs to the retryable subset.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindTimeout, ErrKindRateLimited:
		return true
	}
	return false
}

type keywordRule struct {
	kind     ErrorKind
	keywords []string
}

// Rules are evaluated in order; the first match wins.
var keywordRules = []keywordRule{
	{ErrKindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrKindNetwork, []string{"network", "connection refused", "connection reset", "no such host", "failed to fetch", "broken pipe", "eof"}},
	{ErrKindInvalidCredential, []string{"api key", "unauthorized", "status 401", "status 403", "authentication", "credential"}},
	{ErrKindRateLimited, []string{"rate limit", "quota", "status 429", "too many requests"}},
	{ErrKindModelNotFound, []string{"model not found", "unknown model", "does not exist"}},
	{ErrKindValidation, []string{"invalid request", "invalid parameter", "status 400"}},
}

// Classify maps a raw error onto the taxonomy. Typed errors are honored
// first, then substring matching over the message text; anything left is
// Unknown and non-retryable.
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{Kind: ErrKindUnknown, Message: UserMessage(ErrKindUnknown)}
	}

	var classified ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	kind := classifyKind(err)
	return ClassifiedError{
		Kind:      kind,
		Message:   UserMessage(kind),
		Retryable: kind.Retryable(),
	}
}

func classifyKind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUnsupportedModel):
		return ErrKindUnsupportedModel
	case errors.Is(err, ErrNotImplemented):
		return ErrKindNotImplemented
	case errors.Is(err, ErrMissingCredential):
		return ErrKindInvalidCredential
	case errors.Is(err, ErrModelNotFound):
		return ErrKindModelNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrKindRateLimited
	case errors.Is(err, ErrValidation):
		return ErrKindValidation
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrKindTimeout
		}
		return ErrKindNetwork
	}

	text := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.kind
			}
		}
	}
	return ErrKindUnknown
}
