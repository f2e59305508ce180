package lane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(maxDepth int) *Queue {
	return New(Config{
		MaxDepth:       maxDepth,
		MaxActiveLanes: 8,
		Logger:         zerolog.Nop(),
	})
}

func TestQueue_BasicSubmit(t *testing.T) {
	q := newTestQueue(5)

	resultCh, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		return "hello", nil
	})
	require.NoError(t, err)

	result := <-resultCh
	assert.NoError(t, result.Err)
	assert.Equal(t, "hello", result.Value)
}

func TestQueue_TaskError(t *testing.T) {
	q := newTestQueue(5)

	expectedErr := errors.New("task failed")
	resultCh, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})
	require.NoError(t, err)

	result := <-resultCh
	assert.Equal(t, expectedErr, result.Err)
	assert.Nil(t, result.Value)
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := newTestQueue(16)

	var order []int
	var mu sync.Mutex
	block := make(chan struct{})

	// First task blocks so the rest queue up behind it in submission order
	first, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		<-block
		mu.Lock()
		order = append(order, 0)
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)

	var chans []<-chan Result
	for i := 1; i <= 5; i++ {
		ch, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	close(block)
	<-first
	for _, ch := range chans {
		<-ch
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestQueue_IndependentLanesRunConcurrently(t *testing.T) {
	q := newTestQueue(5)

	slowStarted := make(chan struct{})
	slowRelease := make(chan struct{})

	slow, err := q.Submit(context.Background(), "user-slow", func(ctx context.Context) (interface{}, error) {
		close(slowStarted)
		<-slowRelease
		return nil, nil
	})
	require.NoError(t, err)

	<-slowStarted

	// A different lane must not wait for user-slow's turn
	fast, err := q.Submit(context.Background(), "user-fast", func(ctx context.Context) (interface{}, error) {
		return "fast", nil
	})
	require.NoError(t, err)

	select {
	case result := <-fast:
		assert.Equal(t, "fast", result.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("independent lane was blocked by a busy lane")
	}

	close(slowRelease)
	<-slow
}

func TestQueue_Overflow(t *testing.T) {
	q := newTestQueue(3)

	block := make(chan struct{})
	defer close(block)

	// Occupy the worker so submissions accumulate
	_, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	// Wait for the worker to pick the first task up
	assert.Eventually(t, func() bool {
		return q.Busy("user-1") && q.Depth("user-1") == 0
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}

	_, err = q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrLaneOverflow)

	// Other lanes are unaffected by one lane's overflow
	_, err = q.Submit(context.Background(), "user-2", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestQueue_SubmitAfterClose(t *testing.T) {
	q := newTestQueue(5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	_, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestQueue_PanicDoesNotPoisonLane(t *testing.T) {
	q := newTestQueue(5)

	panicky, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.NoError(t, err)

	result := <-panicky
	assert.Error(t, result.Err)

	// The lane keeps working after the panic
	next, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	select {
	case result := <-next:
		assert.Equal(t, "ok", result.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("lane stalled after a panicking task")
	}
}

func TestQueue_CloseWaitsForInFlight(t *testing.T) {
	q := newTestQueue(5)

	var finished bool
	var mu sync.Mutex

	resultCh, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	<-resultCh
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

func TestQueue_DepthAndBusy(t *testing.T) {
	q := newTestQueue(5)

	assert.Equal(t, 0, q.Depth("unknown"))
	assert.False(t, q.Busy("unknown"))

	block := make(chan struct{})
	_, err := q.Submit(context.Background(), "user-1", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return q.Busy("user-1")
	}, time.Second, 5*time.Millisecond)

	close(block)
}
