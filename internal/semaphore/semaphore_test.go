package semaphore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	s := New(2)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx))
	require.NoError(t, s.Acquire(ctx))
	assert.Equal(t, 2, s.InUse())
	assert.False(t, s.TryAcquire())

	require.NoError(t, s.Release())
	assert.True(t, s.TryAcquire())
}

func TestAcquireTimesOut(t *testing.T) {
	s := New(1)
	require.True(t, s.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireReportsCancellation(t *testing.T) {
	s := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 名额空闲时也不在已取消的 ctx 上占位
	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.InUse())
}

func TestReleaseWithoutAcquire(t *testing.T) {
	s := New(0)
	assert.ErrorIs(t, s.Release(), ErrNotAcquired)
}
