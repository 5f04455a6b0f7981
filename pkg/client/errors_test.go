package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMessage(t *testing.T) {
	retryableMsgs := []string{
		"Max rate limit reached",
		"NOTOK: Max rate limit reached, please use API Key for higher rate limit",
		"Query Timeout occured. Please select a smaller result dataset",
		"Too Many Requests",
		"Server error, try again",
		"Service temporarily unavailable",
		"Server busy",
	}
	for _, msg := range retryableMsgs {
		assert.Equal(t, ErrorKindRetryable, classifyMessage(msg).Kind, msg)
	}

	fatalMsgs := []string{
		"Invalid API Key",
		"NOTOK: Error! Invalid address format",
		"Missing chainid parameter",
	}
	for _, msg := range fatalMsgs {
		assert.Equal(t, ErrorKindFatal, classifyMessage(msg).Kind, msg)
	}
}

func TestIsEmptyMessage(t *testing.T) {
	assert.True(t, isEmptyMessage("No transactions found"))
	assert.True(t, isEmptyMessage("no records found"))
	assert.False(t, isEmptyMessage("NOTOK"))
}

func TestClassifyStatus(t *testing.T) {
	assert.True(t, classifyStatus(http.StatusTooManyRequests).Retryable())
	assert.True(t, classifyStatus(http.StatusInternalServerError).Retryable())
	assert.True(t, classifyStatus(http.StatusGatewayTimeout).Retryable())
	assert.False(t, classifyStatus(http.StatusBadRequest).Retryable())
	assert.False(t, classifyStatus(http.StatusForbidden).Retryable())
	assert.Equal(t, "http_503", classifyStatus(http.StatusServiceUnavailable).Reason)
}

func TestClassifyTransport(t *testing.T) {
	assert.True(t, classifyTransport(io.EOF).Retryable())
	assert.True(t, classifyTransport(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)).Retryable())
	assert.True(t, classifyTransport(errors.New("read tcp: connection reset by peer")).Retryable())
	assert.False(t, classifyTransport(context.Canceled).Retryable())
	assert.False(t, classifyTransport(errors.New("unsupported protocol scheme")).Retryable())
}

func TestAPIError(t *testing.T) {
	cause := errors.New("boom")
	err := fatal("normalize", "", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fatal")
	assert.Contains(t, err.Error(), "normalize")

	wrapped := fmt.Errorf("page 3: %w", retryable("http_502", "Bad Gateway", nil))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsFatal(wrapped))
	assert.False(t, IsRetryable(cause))
}
