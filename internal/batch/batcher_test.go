package batch

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monitorflux/internal/model"
	"monitorflux/internal/queue"
)

func fill(t *testing.T, q *queue.Ring, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		require.NoError(t, q.Enqueue(model.Gauge(fmt.Sprintf("m%04d", i), float64(i), nil, time.Unix(100, 0))))
	}
}

func TestAgeThresholdFlushesSparseTraffic(t *testing.T) {
	clk := clock.NewMock()
	q := queue.NewRing(100, queue.DropOldest)
	b := NewBatcher(q, 0, clk)

	fill(t, q, 0, 10)
	_, ok := b.DrainBatch(50, 2*time.Second)
	assert.False(t, ok, "neither threshold reached yet")

	clk.Add(3 * time.Second)
	got, ok := b.DrainBatch(50, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, 10, got.Len())

	_, ok = b.DrainBatch(50, 2*time.Second)
	assert.False(t, ok, "exactly one batch")
}

func TestCountThresholdFlushesBursts(t *testing.T) {
	clk := clock.NewMock()
	q := queue.NewRing(1000, queue.DropOldest)
	b := NewBatcher(q, 0, clk)

	fill(t, q, 0, 120)
	var sizes []int
	for {
		got, ok := b.DrainBatch(50, time.Hour)
		if !ok {
			break
		}
		sizes = append(sizes, got.Len())
	}
	assert.Equal(t, []int{50, 50}, sizes)
	assert.Equal(t, 20, b.Pending())

	got, ok := b.DrainBatch(50, 0)
	require.True(t, ok)
	assert.Equal(t, 20, got.Len())
	assert.Equal(t, 0, b.Pending())
}

func TestByteBoundSplitsBatch(t *testing.T) {
	clk := clock.NewMock()
	q := queue.NewRing(100, queue.DropOldest)
	fill(t, q, 0, 10)
	one := SampleSize(model.Gauge("m0000", 0, nil, time.Unix(100, 0)))

	b := NewBatcher(q, one*4, clk)
	got, ok := b.DrainBatch(50, time.Hour)
	require.True(t, ok)
	assert.Equal(t, 4, got.Len())
	assert.LessOrEqual(t, got.Bytes, one*4)
	assert.Equal(t, "m0004", b.carry[0].Name(), "overflow sample waits for the next batch")
}

func TestEverySampleInExactlyOneBatch(t *testing.T) {
	clk := clock.NewMock()
	q := queue.NewRing(500, queue.RejectNew)
	b := NewBatcher(q, 0, clk)

	fill(t, q, 0, 500)
	seen := map[string]int{}
	for b.Pending() > 0 || q.Len() > 0 {
		got, ok := b.DrainBatch(7, 0)
		require.True(t, ok)
		for _, s := range got.Samples {
			seen[s.Name()]++
		}
	}
	assert.Len(t, seen, 500)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}

func TestEmptyQueueYieldsNothing(t *testing.T) {
	b := NewBatcher(queue.NewRing(4, queue.DropOldest), 0, clock.NewMock())
	_, ok := b.DrainBatch(10, 0)
	assert.False(t, ok)
}

func TestFlushEmitsPartialBatch(t *testing.T) {
	clk := clock.NewMock()
	q := queue.NewRing(10, queue.RejectNew)
	b := NewBatcher(q, 0, clk)

	fill(t, q, 0, 3)
	_, ok := b.DrainBatch(50, time.Minute)
	require.False(t, ok)

	got, ok := b.Flush(50)
	require.True(t, ok)
	assert.Equal(t, 3, got.Len())
	assert.Zero(t, b.Pending())
}
