package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	reset := time.Unix(1700000000, 0)
	err := NewError(ErrRateLimitExceeded, "provider openai over limit").
		WithCause(root).
		WithRetryable(true).
		WithNode("n1").
		WithResetAt(reset)

	assert.Equal(t, ErrRateLimitExceeded, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Equal(t, "n1", err.NodeID)
	assert.Equal(t, reset, err.ResetAt)
	assert.Equal(t, "[RATE_LIMIT_EXCEEDED] provider openai over limit: root", err.Error())
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	t.Parallel()

	inner := Errorf(ErrRouting, "no edge from %s", "decide")
	wrapped := fmt.Errorf("execute node: %w", inner)

	assert.Equal(t, ErrRouting, GetErrorCode(wrapped))
	assert.True(t, IsErrorCode(wrapped, ErrRouting))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsClientError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsClientError(NewError(ErrAuthentication, "bad key")))
	assert.True(t, IsClientError(fmt.Errorf("wrap: %w", NewError(ErrInvalidRequest, "bad"))))
	assert.False(t, IsClientError(NewError(ErrUpstreamError, "502")))
	assert.False(t, IsClientError(nil))
}

func TestErrorChain(t *testing.T) {
	t.Parallel()

	root := errors.New("dial tcp: refused")
	err := fmt.Errorf("http_request: %w", NewError(ErrHandler, "request failed").WithCause(root))

	chain := ErrorChain(err)
	require.Len(t, chain, 3)
	assert.Equal(t, "dial tcp: refused", chain[2])
	assert.Nil(t, ErrorChain(nil))
}
