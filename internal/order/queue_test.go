package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueFillsPrimaryChannelFirst(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.Enqueue(Order{ID: "a"}))
	assert.True(t, q.Enqueue(Order{ID: "b"}))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 0, q.OverflowLen())

	metrics := q.GetMetrics()
	assert.Equal(t, int64(2), metrics.Enqueued)
	assert.Equal(t, int64(0), metrics.Overflowed)
}

func TestQueueEnqueueSpillsToOverflowThenDrops(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Enqueue(Order{ID: "a"})) // fills primary channel
	require.True(t, q.Enqueue(Order{ID: "b"})) // spills into overflow (cap 1)
	assert.Equal(t, 1, q.OverflowLen())

	accepted := q.Enqueue(Order{ID: "c"}) // overflow also full now
	assert.False(t, accepted)

	metrics := q.GetMetrics()
	assert.Equal(t, int64(1), metrics.Overflowed)
	assert.Equal(t, int64(1), metrics.Dropped)
}

func TestQueueDrainPullsFromOverflowAsChannelFreesUp(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Enqueue(Order{ID: "a"}))
	require.True(t, q.Enqueue(Order{ID: "b"})) // overflow

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		count := 0
		q.Drain(ctx, func(o Order) {
			seen = append(seen, o.ID)
			count++
			if count == 2 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not process both orders in time")
	}

	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, 0, q.OverflowLen())
	assert.Equal(t, int64(2), q.GetMetrics().Dequeued)
}

func TestQueueSatisfiesOrderQueueInterface(t *testing.T) {
	var oq OrderQueue = NewQueue(10)
	assert.True(t, oq.Enqueue(Order{ID: "x"}))
	assert.Equal(t, 1, oq.Len())
}
