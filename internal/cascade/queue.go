// Package cascade is the sync pipeline's heart: a deduplicating FIFO of
// per-model work items, a cycle-detecting visited set, and the worker pool
// that drives records from the source into the store.
package cascade

import (
	"sync"
)

// WorkItem is one unit of sync work: a set of record ids of a single model
// at a cascade depth. An empty RecordIDs slice means "the whole model".
type WorkItem struct {
	Model            string
	ModelID          int64
	RecordIDs        []int64
	Depth            int
	TriggeredByModel string
	TriggeredByField string
}

// Queue is the scheduler's FIFO. Enqueueing a model that is already queued
// merges the record-id sets instead of adding a second item.
type Queue struct {
	mu    sync.Mutex
	items []*WorkItem
	byKey map[string]*WorkItem
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{byKey: make(map[string]*WorkItem)}
}

// Enqueue adds the item, or merges it into the queued item for the same
// model: record ids union, the shallower depth wins. Returns true when the
// item was merged rather than added.
func (q *Queue) Enqueue(item WorkItem) (merged bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[item.Model]; ok {
		// An empty id set means the whole model; it absorbs any id list.
		if len(existing.RecordIDs) == 0 || len(item.RecordIDs) == 0 {
			existing.RecordIDs = nil
		} else {
			existing.RecordIDs = unionIDs(existing.RecordIDs, item.RecordIDs)
		}
		if item.Depth < existing.Depth {
			existing.Depth = item.Depth
			existing.TriggeredByModel = item.TriggeredByModel
			existing.TriggeredByField = item.TriggeredByField
		}
		return true
	}
	it := item
	it.RecordIDs = unionIDs(nil, item.RecordIDs)
	q.items = append(q.items, &it)
	q.byKey[item.Model] = &it
	return false
}

// Dequeue removes the head item.
func (q *Queue) Dequeue() (WorkItem, bool) {
	batch := q.DequeueBatch(1)
	if len(batch) == 0 {
		return WorkItem{}, false
	}
	return batch[0], true
}

// DequeueBatch removes up to n items for parallel execution.
func (q *Queue) DequeueBatch(n int) []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]WorkItem, 0, n)
	for _, it := range q.items[:n] {
		delete(q.byKey, it.Model)
		out = append(out, *it)
	}
	q.items = q.items[n:]
	return out
}

// Len reports queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// unionIDs merges two id sets preserving first-seen order.
func unionIDs(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
