package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithCASRetry_SucceedsAfterConflicts(t *testing.T) {
	attempts := 0
	err := WithCASRetry(3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return ErrOptimisticConflict
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithCASRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithCASRetry(3, time.Millisecond, func() error {
		attempts++
		return ErrOptimisticConflict
	})
	assert.ErrorIs(t, err, ErrOptimisticConflict)
	assert.Equal(t, 3, attempts)
}

func TestWithCASRetry_OtherErrorsNotRetried(t *testing.T) {
	sentinel := errors.New("boom")
	attempts := 0
	err := WithCASRetry(3, time.Millisecond, func() error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}
