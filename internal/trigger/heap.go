package trigger

import (
	"container/heap"
	"time"
)

type item struct {
	id   int64
	gen  uint64
	at   time.Time
	kind string
	spec string
}

// fireHeap is a min-heap on at, ties broken by id.
type fireHeap []item

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fireHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *fireHeap) push(it item) { heap.Push(h, it) }

func (h *fireHeap) pop() item { return heap.Pop(h).(item) }

// remove drops every entry for id.
func (h *fireHeap) remove(id int64) {
	kept := (*h)[:0]
	for _, it := range *h {
		if it.id != id {
			kept = append(kept, it)
		}
	}
	*h = kept
	heap.Init(h)
}
