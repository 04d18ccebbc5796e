package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetriesNetworkErrorsOnly(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "op", func() error {
		calls++
		if calls < 3 {
			return clienterrors.ErrTransport
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Do(context.Background(), fast, "op", func() error {
		calls++
		return clienterrors.ErrSubmissionConflict
	})
	assert.ErrorIs(t, err, clienterrors.ErrSubmissionConflict)
	assert.Equal(t, 1, calls)
}

func TestExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "op", func() error {
		calls++
		return clienterrors.ErrTimeout
	})
	assert.ErrorIs(t, err, clienterrors.ErrRetriesExhausted)
	assert.ErrorIs(t, err, clienterrors.ErrTimeout)
	assert.False(t, clienterrors.IsRetryable(err))
	assert.Equal(t, 4, calls)
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxRetries: 10, InitialInterval: time.Second, MaxInterval: time.Second}, "op", func() error {
		return clienterrors.ErrTransport
	})
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, clienterrors.ErrRetriesExhausted))
}
