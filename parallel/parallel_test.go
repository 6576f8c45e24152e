package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachVisitsAll(t *testing.T) {
	var visited [100]int32
	err := ForEach(context.Background(), len(visited), 4, func(ctx context.Context, i int) error {
		atomic.AddInt32(&visited[i], 1)
		return nil
	})
	require.NoError(t, err)
	for i, v := range visited {
		assert.Equal(t, int32(1), v, "index %d", i)
	}
}

func TestForEachPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := ForEach(context.Background(), 100, 4, func(ctx context.Context, i int) error {
		if i == 17 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestForEachSerial(t *testing.T) {
	var order []int
	err := ForEach(context.Background(), 5, 1, func(ctx context.Context, i int) error {
		order = append(order, i)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestForEachCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ForEach(ctx, 10, 1, func(ctx context.Context, i int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMapCoversRange(t *testing.T) {
	var total int64
	err := Map(context.Background(), 1000, 7, func(ctx context.Context, w Worker, lo, hi int) error {
		var sum int64
		for i := lo; i < hi; i++ {
			sum += int64(i)
		}
		atomic.AddInt64(&total, sum)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(999*1000/2), total)
}
