package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Policy{InitialDelay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientFailure(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Policy{InitialDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("network error")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxRetries: 2, InitialDelay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	require.Error(t, err)
	// 1 initial attempt + 2 retries
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{InitialDelay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid product type")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoCustomPredicate(t *testing.T) {
	calls := 0
	always := func(error) bool { return true }
	_, err := Do(context.Background(), Policy{MaxRetries: 1, InitialDelay: time.Millisecond, Retryable: always}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("anything")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("network unreachable"), true},
		{errors.New("request TIMEOUT"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("too many requests"), true},
		{&CodedError{StatusCode: 429, Message: "slow down"}, true},
		{&CodedError{StatusCode: 500, Message: "oops"}, true},
		{&CodedError{StatusCode: 503, Message: "maintenance"}, true},
		{&CodedError{StatusCode: 404, Message: "missing"}, false},
		{&CodedError{StatusCode: 401, Message: "denied"}, false},
		{errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		assert.Equal(t, tt.want, RetryableError(tt.err), name)
	}
}

func TestCodeOfUnwraps(t *testing.T) {
	inner := &CodedError{StatusCode: 502, Message: "bad gateway"}
	wrapped := fmt.Errorf("fetch status: %w", inner)

	assert.Equal(t, 502, CodeOf(wrapped))
	assert.Equal(t, 0, CodeOf(errors.New("plain")))
	assert.True(t, RetryableError(wrapped))
}
