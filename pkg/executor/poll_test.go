package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_CompletesAfterSeveralChecks(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPoll_Timeout(t *testing.T) {
	err := Poll(context.Background(), 5*time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestPoll_CheckErrorStops(t *testing.T) {
	boom := errors.New("status 500")
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestPoll_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Poll(ctx, time.Millisecond, 0, func(context.Context) (bool, error) {
		cancel()
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoll_CheckSeesTimeoutContext(t *testing.T) {
	err := Poll(context.Background(), time.Millisecond, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	assert.ErrorIs(t, err, ErrPollTimeout)
}
