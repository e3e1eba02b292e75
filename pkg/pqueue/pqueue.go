// Package pqueue provides a binary min-heap priority queue with FIFO
// ordering among equal priorities. It is a single-owner data structure:
// it does no locking and is meant to be embedded behind whatever
// serialization the host already has.
package pqueue

import "container/heap"

// entry pairs an item with its priority and the monotonic sequence number
// assigned at push time. The sequence breaks ties so equal priorities pop
// in push order.
type entry[T any] struct {
	item     T
	priority float64
	sequence uint64
	index    int
}

// items is the heap.Interface container.
type items[T any] []*entry[T]

func (h items[T]) Len() int { return len(h) }

func (h items[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h items[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *items[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a priority queue ordering items by ascending priority,
// ties broken by insertion order.
type Queue[T any] struct {
	heap items[T]
	seq  uint64
}

// New creates an empty Queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push adds an item with the given priority. O(log n).
func (q *Queue[T]) Push(item T, priority float64) {
	e := &entry[T]{item: item, priority: priority, sequence: q.seq}
	q.seq++
	heap.Push(&q.heap, e)
}

// Pop removes and returns the item with the smallest (priority, sequence)
// pair. The second return is false on an empty queue. O(log n).
func (q *Queue[T]) Pop() (T, bool) {
	if len(q.heap) == 0 {
		var zero T
		return zero, false
	}
	e := heap.Pop(&q.heap).(*entry[T])
	return e.item, true
}

// Peek returns the item Pop would return, without removing it. O(1).
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.heap) == 0 {
		var zero T
		return zero, false
	}
	return q.heap[0].item, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.heap)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty() bool {
	return len(q.heap) == 0
}

// UpdatePriority locates the first item satisfying match (a linear scan)
// and re-sifts it at the new priority. Returns whether a match was found;
// the heap is untouched when nothing matches. O(n).
func (q *Queue[T]) UpdatePriority(match func(T) bool, priority float64) bool {
	for _, e := range q.heap {
		if match(e.item) {
			e.priority = priority
			heap.Fix(&q.heap, e.index)
			return true
		}
	}
	return false
}

// Remove deletes the first item satisfying match. Returns whether a match
// was found. O(n).
func (q *Queue[T]) Remove(match func(T) bool) bool {
	for _, e := range q.heap {
		if match(e.item) {
			heap.Remove(&q.heap, e.index)
			return true
		}
	}
	return false
}
