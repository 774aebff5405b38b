package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/releaseminer/pkg/cache"
)

var errCompute = errors.New("compute failed")

func TestOnceCache_ComputesOncePerKey(t *testing.T) {
	t.Parallel()

	c := cache.NewOnceCache[string, int](nil)

	var calls atomic.Int32

	compute := func(context.Context) (int, error) {
		calls.Add(1)

		return 42, nil
	}

	for range 3 {
		v, err := c.Get(context.Background(), "a/b", compute)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}

	assert.Equal(t, int32(1), calls.Load())

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestOnceCache_ConcurrentFirstAccessSharesComputation(t *testing.T) {
	t.Parallel()

	c := cache.NewOnceCache[string, []string](nil)

	var calls atomic.Int32

	release := make(chan struct{})

	compute := func(context.Context) ([]string, error) {
		calls.Add(1)
		<-release

		return []string{"KEY-1"}, nil
	}

	const workers = 16

	var wg sync.WaitGroup

	results := make([][]string, workers)

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			v, err := c.Get(context.Background(), "owner/repo", compute)
			assert.NoError(t, err)

			results[i] = v
		}()
	}

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for _, r := range results {
		assert.Equal(t, []string{"KEY-1"}, r)
	}
}

func TestOnceCache_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	c := cache.NewOnceCache[string, int](nil)

	_, err := c.Get(context.Background(), "k", func(context.Context) (int, error) {
		return 0, errCompute
	})
	require.ErrorIs(t, err, errCompute)
	assert.Equal(t, 0, c.Len())

	v, err := c.Get(context.Background(), "k", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestOnceCache_ForgetRecomputes(t *testing.T) {
	t.Parallel()

	c := cache.NewOnceCache[int, int](nil)

	n := 0
	compute := func(context.Context) (int, error) {
		n++

		return n, nil
	}

	first, err := c.Get(context.Background(), 1, compute)
	require.NoError(t, err)

	c.Forget(1)

	_, ok := c.Peek(1)
	assert.False(t, ok)

	second, err := c.Get(context.Background(), 1, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
