package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRuns(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2})
	var n atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(2), n.Load())
}

func TestDropWhenSaturated(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrSaturated)

	close(release)
	p.Wait()
	assert.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))
	require.NoError(t, p.Close(context.Background()))
}

func TestTaskTimeout(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, TaskTimeout: 20 * time.Millisecond})
	got := make(chan error, 1)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}))

	select {
	case err := <-got:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
	require.NoError(t, p.Close(context.Background()))
}

func TestRateLimit(t *testing.T) {
	p := New(Config{Name: "test", Workers: 10, Rate: 1})
	require.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrRateLimited)
	require.NoError(t, p.Close(context.Background()))
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrClosed)
}

func TestCloseCancelsOnDeadline(t *testing.T) {
	p := New(Config{Workers: 1})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}
