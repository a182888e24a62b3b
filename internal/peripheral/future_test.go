package peripheral

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureFirstResolutionWins(t *testing.T) {
	f := newFuture[int]()
	_, _, ok := f.Result()
	require.False(t, ok)

	assert.True(t, f.resolve(1, nil))
	assert.False(t, f.resolve(2, errors.New("late")), "MUST discard a second resolution")

	v, err, ok := f.Result()
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("Done MUST be closed after resolution")
	}
}

func TestFutureConcurrentResolve(t *testing.T) {
	f := newFuture[int]()
	var wg sync.WaitGroup
	var winners int64
	var mu sync.Mutex
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.resolve(i, nil) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := newFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.resolve("ok", nil)
	v, err := f.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
}
