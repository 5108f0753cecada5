// Package queue provides a small heap-backed priority queue used by the
// task-count eviction policy.
package queue

import "container/heap"

// PriorityQueue is a priority queue over items of type T. The item for which
// less reports it sorts first is popped first.
//
// PriorityQueue is not safe for concurrent use.
type PriorityQueue[T any] struct {
	h *itemHeap[T]
}

// New creates a PriorityQueue ordered by less.
func New[T any](less func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{h: &itemHeap[T]{less: less}}
}

// Len returns the number of queued items.
func (pq *PriorityQueue[T]) Len() int { return pq.h.Len() }

// Push adds an item to the queue.
func (pq *PriorityQueue[T]) Push(item T) {
	heap.Push(pq.h, item)
}

// Pop removes and returns the highest-priority item. The second return value
// is false if the queue is empty.
func (pq *PriorityQueue[T]) Pop() (T, bool) {
	if pq.h.Len() == 0 {
		var zero T
		return zero, false
	}
	item, _ := heap.Pop(pq.h).(T)
	return item, true
}

// Peek returns the highest-priority item without removing it.
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.h.items[0], true
}

// Compile time check to ensure itemHeap satisfies the heap interface.
var _ heap.Interface = (*itemHeap[int])(nil)

type itemHeap[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (h *itemHeap[T]) Len() int           { return len(h.items) }
func (h *itemHeap[T]) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *itemHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *itemHeap[T]) Push(x any) {
	item, _ := x.(T)
	h.items = append(h.items, item)
}

func (h *itemHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero // Avoid memory leak
	h.items = old[:n-1]
	return item
}
