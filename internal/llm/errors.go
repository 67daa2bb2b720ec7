package llm

import (
	"errors"
	"strings"
)

// Gateway-level sentinel errors.
var (
	// ErrNoProviders means no registered provider is available: every
	// breaker is open or no configs are active.
	ErrNoProviders = errors.New("no available llm providers")

	// ErrAllFailed wraps the last provider error after fallback exhausted
	// every candidate.
	ErrAllFailed = errors.New("all llm providers failed")
)

// FailureReason buckets provider errors for retry and fallback decisions.
// Providers surface raw SDK errors; classification works off message text
// because the SDKs disagree on error typing.
type FailureReason string

const (
	ReasonTimeout          FailureReason = "timeout"
	ReasonRateLimit        FailureReason = "rate_limit"
	ReasonAuth             FailureReason = "auth"
	ReasonBilling          FailureReason = "billing"
	ReasonModelUnavailable FailureReason = "model_unavailable"
	ReasonServerError      FailureReason = "server_error"
	ReasonInvalidRequest   FailureReason = "invalid_request"
	ReasonUnknown          FailureReason = "unknown"
)

// Retryable reports whether the same provider is worth retrying.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonRateLimit, ReasonServerError:
		return true
	}
	return false
}

// Classify buckets err by inspecting its message.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ReasonTimeout

	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit

	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth

	case strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "402"):
		return ReasonBilling

	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "404"):
		return ReasonModelUnavailable

	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ReasonServerError

	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "bad request"),
		strings.Contains(msg, "400"):
		return ReasonInvalidRequest
	}

	return ReasonUnknown
}
