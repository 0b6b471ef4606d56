package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachLimit(t *testing.T) {
	var inFlight, peak, total atomic.Int32
	items := make([]int, 50)
	err := ForEach(context.Background(), items, 4, func(ctx context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		total.Add(1)
		inFlight.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(50), total.Load())
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestForEachCancelsOnError(t *testing.T) {
	boom := errors.New("boom")
	err := ForEach(context.Background(), []int{1, 2, 3}, 1, func(ctx context.Context, i int) error {
		if i == 1 {
			return boom
		}
		return ctx.Err()
	})
	assert.ErrorIs(t, err, boom)
}

func TestForEachCollectJoinsErrors(t *testing.T) {
	first, second := errors.New("first"), errors.New("second")
	var ran atomic.Int32
	err := ForEachCollect(context.Background(), []error{first, nil, second}, 0, func(_ context.Context, e error) error {
		ran.Add(1)
		return e
	})
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, int32(3), ran.Load())

	assert.NoError(t, ForEachCollect(context.Background(), []int{}, 2, func(context.Context, int) error { return nil }))
}

func TestRun(t *testing.T) {
	stop := errors.New("stop")
	err := Run(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		func(context.Context) error { return stop },
	)
	assert.ErrorIs(t, err, stop)
}

func TestMapPreservesOrder(t *testing.T) {
	out := Map([]int{1, 2, 3, 4, 5}, 2, func(i int) int { return i * i })
	assert.Equal(t, []int{1, 4, 9, 16, 25}, out)
}
