package dberr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestCodeRoundTrip verifies every sentinel survives Code/FromCode
func TestCodeRoundTrip(t *testing.T) {
	sentinels := []error{
		ErrNotFound,
		ErrCapacityExceeded,
		ErrUnauthorized,
		ErrBusy,
		ErrMalformedValue,
		ErrPartitionUnavailable,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			wrapped := errors.Wrapf(sentinel, "inner key %d", 7)

			code := Code(wrapped)
			assert.NotEqual(t, CodeInternal, code)

			rebuilt := FromCode(code, wrapped.Error())
			assert.True(t, errors.Is(rebuilt, sentinel))
			assert.Contains(t, rebuilt.Error(), "inner key 7")
		})
	}
}

// TestCodeUnknown tests errors outside the taxonomy
func TestCodeUnknown(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))

	err := FromCode("no-such-code", "boom")
	assert.EqualError(t, err, "boom")
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.Wrap(ErrBusy, "outer 1")))
	assert.True(t, IsRetryable(ErrPartitionUnavailable))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(nil))
}
