package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/anonsignal/pkg/types"
)

func fastPolicy(tries uint) Policy {
	return Policy{MaxTries: tries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(5), "fetch", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustedBecomesNetworkFailure(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), "fetch members", func() (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
	assert.True(t, types.Retryable(err))
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := types.Errorf(types.KindMalformedInput, "bad request")
	_, err := Do(context.Background(), fastPolicy(5), "fetch", func() (int, error) {
		calls++
		return 0, Permanent(sentinel)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, types.ErrMalformedInput)
	assert.False(t, types.Retryable(err))
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, fastPolicy(5), "fetch", func() (int, error) {
		return 0, errors.New("unreachable")
	})
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestCheckStatus(t *testing.T) {
	assert.NoError(t, CheckStatus(&http.Response{StatusCode: 200}))

	err := CheckStatus(&http.Response{StatusCode: 503})
	var perm *permanentError
	assert.Error(t, err)
	assert.False(t, errors.As(err, &perm))

	err = CheckStatus(&http.Response{StatusCode: 404})
	assert.True(t, errors.As(err, &perm))
}
