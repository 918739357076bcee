package bus

import (
	"sync"
	"testing"

	"livetrader/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDrainReturnsArrivalOrderOnce(t *testing.T) {
	q := NewQueue[int](4, OverflowReject)
	for i := 1; i <= 3; i++ {
		_, err := q.Push(i)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3}, q.Drain())
	assert.Empty(t, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue[int](3, OverflowDropOldest)
	for i := 1; i <= 3; i++ {
		evicted, err := q.Push(i)
		require.NoError(t, err)
		assert.False(t, evicted)
	}
	evicted, err := q.Push(4)
	require.NoError(t, err)
	assert.True(t, evicted)
	evicted, err = q.Push(5)
	require.NoError(t, err)
	assert.True(t, evicted)

	assert.Equal(t, []int{3, 4, 5}, q.Drain())
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestQueueRejectWhenFull(t *testing.T) {
	q := NewQueue[string](1, OverflowReject)
	_, err := q.Push("a")
	require.NoError(t, err)
	_, err = q.Push("b")
	require.ErrorIs(t, err, exception.ErrQueueFull)
	assert.Equal(t, []string{"a"}, q.Drain())

	_, err = q.Push("c")
	require.NoError(t, err)
}

func TestQueueWrapAround(t *testing.T) {
	q := NewQueue[int](3, OverflowReject)
	for round := 0; round < 5; round++ {
		_, _ = q.Push(round*10 + 1)
		_, _ = q.Push(round*10 + 2)
		assert.Equal(t, []int{round*10 + 1, round*10 + 2}, q.Drain())
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue[int](2, OverflowDropOldest)
	_, _ = q.Push(1)
	q.Close()
	assert.True(t, q.Closed())
	_, err := q.Push(2)
	require.ErrorIs(t, err, exception.ErrQueueClosed)
	assert.Equal(t, []int{1}, q.Drain())
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 500
	q := NewQueue[int](producers*perProducer, OverflowReject)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := q.Push(p*perProducer + i)
				assert.NoError(t, err)
			}
		}(p)
	}

	seen := make(map[int]struct{}, producers*perProducer)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		for _, v := range q.Drain() {
			_, dup := seen[v]
			require.False(t, dup, "value %d drained twice", v)
			seen[v] = struct{}{}
		}
		select {
		case <-done:
			for _, v := range q.Drain() {
				seen[v] = struct{}{}
			}
			assert.Len(t, seen, producers*perProducer)
			return
		default:
		}
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, OverflowReject, p)

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowDropOldest, p)

	_, err = ParseOverflowPolicy("block")
	require.Error(t, err)
}
