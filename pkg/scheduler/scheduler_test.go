package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRunsTasks(t *testing.T) {
	s := New("test")

	var count atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Spawn(func(ctx context.Context) {
			count.Add(1)
		}))
	}

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(50), count.Load())
}

func TestShutdownCancelsTasks(t *testing.T) {
	s := New("test")

	started := make(chan struct{})
	require.NoError(t, s.Spawn(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.ErrorIs(t, s.Spawn(func(context.Context) {}), ErrClosed)
}

func TestShutdownTimeout(t *testing.T) {
	s := New("test")

	release := make(chan struct{})
	require.NoError(t, s.Spawn(func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	s := New("test")

	require.NoError(t, s.Spawn(func(context.Context) { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, s.Spawn(func(context.Context) { close(done) }))
	<-done

	require.NoError(t, s.Shutdown(context.Background()))
}
