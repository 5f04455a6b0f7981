package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorKind classifies a failed ledger API call
type ErrorKind int

const (
	// ErrorKindRetryable failures may succeed if the same request is repeated
	ErrorKindRetryable ErrorKind = iota
	// ErrorKindFatal failures are returned to the caller without another attempt
	ErrorKindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindRetryable:
		return "retryable"
	case ErrorKindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

var (
	// ErrRetriesExhausted is wrapped by the fatal error returned after the last retry fails
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidRequest is returned for requests that can never succeed
	ErrInvalidRequest = errors.New("invalid request")
)

// APIError is the error returned by every failed Client call
type APIError struct {
	Kind ErrorKind
	// Reason is a short machine-friendly cause such as "http_503" or "message_rate_limit"
	Reason string
	// Message is the upstream message, when there was one
	Message string
	Err     error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("ledger api ")
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on another attempt
func (e *APIError) Retryable() bool {
	return e.Kind == ErrorKindRetryable
}

// IsRetryable reports whether err is a retryable *APIError
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// IsFatal reports whether err is a fatal *APIError
func IsFatal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Retryable()
}

func retryable(reason, message string, err error) *APIError {
	return &APIError{Kind: ErrorKindRetryable, Reason: reason, Message: message, Err: err}
}

func fatal(reason, message string, err error) *APIError {
	return &APIError{Kind: ErrorKindFatal, Reason: reason, Message: message, Err: err}
}

var retryableMessageTokens = []string{
	"timeout",
	"timed out",
	"rate limit",
	"max rate limit reached",
	"too many requests",
	"query timeout",
	"server error",
	"temporarily unavailable",
	"busy",
}

var emptyMessageTokens = []string{
	"no transactions found",
	"no records found",
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// isEmptyMessage reports whether an upstream message means "no data in range"
func isEmptyMessage(msg string) bool {
	return containsAny(strings.ToLower(msg), emptyMessageTokens)
}

// classifyMessage classifies a non-success upstream response
func classifyMessage(msg string) *APIError {
	lower := strings.ToLower(msg)
	if containsAny(lower, retryableMessageTokens) {
		return retryable("message_transient", msg, nil)
	}
	return fatal("message_terminal", msg, nil)
}

// classifyStatus classifies a non-200 HTTP status
func classifyStatus(code int) *APIError {
	reason := fmt.Sprintf("http_%d", code)
	if code == http.StatusTooManyRequests || code >= 500 {
		return retryable(reason, http.StatusText(code), nil)
	}
	return fatal(reason, http.StatusText(code), nil)
}

// classifyTransport classifies an error returned by the HTTP transport
func classifyTransport(err error) *APIError {
	if errors.Is(err, context.Canceled) {
		return fatal("context_canceled", "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return retryable("net_timeout", "", err)
		}
		return retryable("net_error", "", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return retryable("eof", "", err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return retryable("connection", "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retryable("deadline", "", err)
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, []string{"connection reset", "connection refused", "broken pipe", "eof"}) ||
		containsAny(lower, retryableMessageTokens) {
		return retryable("transport_message", "", err)
	}
	return fatal("transport", "", err)
}
