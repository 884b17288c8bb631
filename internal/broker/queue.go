package broker

import (
	"slices"
	"sort"
	"sync"
)

// queue is the single shared admission point: bounded, ordered by priority
// class then arrival. push never blocks; a full queue rejects.
type queue struct {
	mu        sync.Mutex
	items     []*Item
	maxDepth  int
	scanDepth int
}

func newQueue(maxDepth, scanDepth int) *queue {
	return &queue{maxDepth: maxDepth, scanDepth: scanDepth}
}

// push inserts after all queued items of the same class, preserving FIFO
// within a class. Returns false when the queue is at maxDepth.
func (q *queue) push(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.maxDepth {
		return false
	}
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority > it.Priority
	})
	q.items = slices.Insert(q.items, i, it)
	return true
}

// popEligible removes and returns the first item for which claim succeeds,
// scanning at most scanDepth items past the head (0 scans everything).
// claim runs under the queue lock so claiming and removal are atomic; it
// must be fast and must not call back into the queue.
func (q *queue) popEligible(claim func(*Item) bool) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := len(q.items)
	if q.scanDepth > 0 && q.scanDepth < limit {
		limit = q.scanDepth
	}
	for i := 0; i < limit; i++ {
		if claim(q.items[i]) {
			it := q.items[i]
			q.items = slices.Delete(q.items, i, i+1)
			return it
		}
	}
	return nil
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
