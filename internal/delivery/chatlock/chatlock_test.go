package chatlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_SerializesSameKey(t *testing.T) {
	l := New(10)
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(t.Context(), "chat-a")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLocker_DistinctKeysRunConcurrently(t *testing.T) {
	l := New(4)
	releaseA, err := l.Acquire(t.Context(), "chat-a")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := l.Acquire(t.Context(), "chat-b")
		require.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct key should not block on chat-a's lock")
	}
}

func TestLocker_OverloadWhenQueueFull(t *testing.T) {
	l := New(1)
	release, err := l.Acquire(t.Context(), "chat-a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := l.Acquire(context.Background(), "chat-a")
		if err == nil {
			r()
		}
	}()
	time.Sleep(20 * time.Millisecond) // let the goroutine become the one waiter

	_, err = l.Acquire(t.Context(), "chat-a")
	var overload *OverloadError
	require.ErrorAs(t, err, &overload)
	assert.Equal(t, "chat-a", overload.Key)

	release()
	wg.Wait()
}

func TestLocker_AcquireRespectsContextCancellation(t *testing.T) {
	l := New(4)
	release, err := l.Acquire(t.Context(), "chat-a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "chat-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
