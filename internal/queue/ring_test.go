package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monitorflux/internal/model"
)

func sample(i int) model.Sample {
	return model.Gauge(fmt.Sprintf("s%03d", i), float64(i), nil, time.Unix(int64(i), 0))
}

func TestDropOldestKeepsNewest(t *testing.T) {
	r := NewRing(100, DropOldest)
	for i := 0; i < 150; i++ {
		require.NoError(t, r.Enqueue(sample(i)))
	}

	assert.Equal(t, 100, r.Len())
	assert.Equal(t, uint64(50), r.Dropped())
	assert.Equal(t, uint64(0), r.Rejected())

	got := r.Drain(0)
	require.Len(t, got, 100)
	for i, s := range got {
		assert.Equal(t, fmt.Sprintf("s%03d", i+50), s.Name())
	}
	assert.Equal(t, 0, r.Len())
}

func TestRejectNewReturnsQueueFull(t *testing.T) {
	r := NewRing(3, RejectNew)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Enqueue(sample(i)))
	}
	err := r.Enqueue(sample(3))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), r.Rejected())
	assert.Equal(t, uint64(0), r.Dropped())

	got := r.Drain(10)
	require.Len(t, got, 3)
	assert.Equal(t, "s000", got[0].Name())
}

func TestDrainRespectsMaxAndOrder(t *testing.T) {
	r := NewRing(8, DropOldest)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Enqueue(sample(i)))
	}
	first := r.Drain(2)
	second := r.Drain(10)
	require.Len(t, first, 2)
	require.Len(t, second, 3)
	assert.Equal(t, "s001", first[1].Name())
	assert.Equal(t, "s002", second[0].Name())
	assert.Nil(t, r.Drain(1))
}

func TestWrapAround(t *testing.T) {
	r := NewRing(4, RejectNew)
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, r.Enqueue(sample(round*3+i)))
		}
		got := r.Drain(0)
		require.Len(t, got, 3)
		assert.Equal(t, fmt.Sprintf("s%03d", round*3), got[0].Name())
	}
}

func TestClosedRejectsEnqueueButDrains(t *testing.T) {
	r := NewRing(4, DropOldest)
	require.NoError(t, r.Enqueue(sample(1)))
	r.Close()
	assert.ErrorIs(t, r.Enqueue(sample(2)), ErrClosed)
	assert.Len(t, r.Drain(0), 1)
}

func TestReadySignalsConsumer(t *testing.T) {
	r := NewRing(4, DropOldest)
	select {
	case <-r.Ready():
		t.Fatal("ready before any enqueue")
	default:
	}
	require.NoError(t, r.Enqueue(sample(1)))
	select {
	case <-r.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}
}

func TestConcurrentProducersNoLoss(t *testing.T) {
	const producers, perProducer = 8, 500
	r := NewRing(producers*perProducer, RejectNew)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, r.Enqueue(sample(p*perProducer+i)))
			}
		}(p)
	}

	seen := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		for _, s := range r.Drain(64) {
			assert.False(t, seen[s.Name()], "duplicate %s", s.Name())
			seen[s.Name()] = true
		}
		select {
		case <-done:
			for _, s := range r.Drain(0) {
				seen[s.Name()] = true
			}
			assert.Len(t, seen, producers*perProducer)
			return
		default:
		}
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("reject-new")
	require.NoError(t, err)
	assert.Equal(t, RejectNew, p)
	_, err = ParsePolicy("block")
	assert.Error(t, err)
}
