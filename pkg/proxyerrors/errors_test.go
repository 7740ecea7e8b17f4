package proxyerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NoCause(t *testing.T) {
	err := New(KindBadRequest, 400, "bad input")
	assert.Equal(t, "bad_request (400): bad input", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrap_IncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindUpstream, 502, "upstream failed", cause)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, cause, err.Unwrap())
}

func TestWithRetryAfter_DoesNotMutateOriginal(t *testing.T) {
	base := New(KindRateLimit, 429, "cooling down")
	withRetry := base.WithRetryAfter(30)

	assert.Equal(t, 0, base.RetryAfter)
	assert.Equal(t, 30, withRetry.RetryAfter)
}

func TestAs_UnwrapsWrappedProxyError(t *testing.T) {
	pe := New(KindNotFound, 404, "nope")
	wrapped := fmt.Errorf("context: %w", pe)

	got, ok := As(wrapped)
	require := assert.New(t)
	require.True(ok)
	require.Equal(pe, got)
}

func TestAs_FalseForUnrelatedError(t *testing.T) {
	_, ok := As(errors.New("plain error"))
	assert.False(t, ok)
}
