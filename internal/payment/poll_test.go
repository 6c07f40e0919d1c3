package payment

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_DoneAfterSomeChecks(t *testing.T) {
	var calls atomic.Int32
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, Timeout: time.Second},
		func(context.Context) (bool, error) {
			return calls.Add(1) == 3, nil
		})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoll_TimeoutStopsChecking(t *testing.T) {
	var calls atomic.Int32
	err := Poll(context.Background(), PollConfig{Interval: 2 * time.Millisecond, Timeout: 30 * time.Millisecond},
		func(context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		})

	require.ErrorIs(t, err, ErrPollTimeout)
	after := calls.Load()
	assert.Positive(t, after)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no checks after Poll returned")
}

func TestPoll_CheckErrorAborts(t *testing.T) {
	boom := errors.New("charge expired")
	var calls atomic.Int32
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, Timeout: time.Second},
		func(context.Context) (bool, error) {
			if calls.Add(1) == 2 {
				return false, boom
			}
			return false, nil
		})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := Poll(ctx, PollConfig{Interval: time.Millisecond, Timeout: time.Minute},
		func(context.Context) (bool, error) {
			if calls.Add(1) == 2 {
				cancel()
			}
			return false, nil
		})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPoll_SlowCheckIsCutAtTimeout(t *testing.T) {
	start := time.Now()
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, Timeout: 20 * time.Millisecond},
		func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})

	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoll_InvalidInterval(t *testing.T) {
	err := Poll(context.Background(), PollConfig{}, func(context.Context) (bool, error) {
		t.Fatal("check must not run")
		return false, nil
	})
	require.Error(t, err)
}
