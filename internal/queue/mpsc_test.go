package queue

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMPSC_FIFO(t *testing.T) {
	q := NewMPSC[int]()

	_, ok := q.Pop()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok = q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestMPSC_DrainLimit(t *testing.T) {
	q := NewMPSC[int]()
	for i := 0; i < 10; i++ {
		q.Push(i)
	}

	var got []int
	n := q.Drain(4, func(v int) { got = append(got, v) })
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{0, 1, 2, 3}, got)

	n = q.Drain(0, func(v int) { got = append(got, v) })
	assert.Equal(t, 6, n)
	assert.Len(t, got, 10)
}

func TestMPSC_ConcurrentProducersLoseNothing(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	q := NewMPSC[int]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(base*perProducer + i)
			}
		}(p)
	}

	var got []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(got) < producers*perProducer {
			q.Drain(0, func(v int) { got = append(got, v) })
		}
	}()

	wg.Wait()
	<-done

	sort.Ints(got)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
