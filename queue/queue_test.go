package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	// Max-heap over ints, the ordering the task-kill policy uses.
	pq := New(func(a, b int) bool { return a > b })

	for _, v := range []int{10, 40, 35} {
		pq.Push(v)
	}
	require.Equal(t, 3, pq.Len())

	top, ok := pq.Peek()
	require.True(t, ok)
	assert.Equal(t, 40, top)

	var got []int
	for pq.Len() > 0 {
		v, ok := pq.Pop()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []int{40, 35, 10}, got)
}

func TestPriorityQueueEmpty(t *testing.T) {
	pq := New(func(a, b int) bool { return a < b })

	_, ok := pq.Pop()
	assert.False(t, ok)
	_, ok = pq.Peek()
	assert.False(t, ok)
	assert.Equal(t, 0, pq.Len())
}
