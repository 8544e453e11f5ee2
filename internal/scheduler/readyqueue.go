package scheduler

import (
	"iter"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
)

// readyKey is the sort position of a ready node. Ordinals are unique, so two
// live keys never compare equal.
type readyKey struct {
	priority float64
	ordinal  int64
}

func compareReadyKeys(a, b readyKey) int {
	switch {
	case a.priority > b.priority:
		return -1
	case a.priority < b.priority:
		return 1
	case a.ordinal < b.ordinal:
		return -1
	case a.ordinal > b.ordinal:
		return 1
	}
	return 0
}

// readyQueue holds every ready node of a TreeScheduler in scheduling order.
type readyQueue struct {
	tree *rbt.Tree[readyKey, handle]
}

func newReadyQueue() *readyQueue {
	return &readyQueue{tree: rbt.NewWith[readyKey, handle](compareReadyKeys)}
}

func (q *readyQueue) push(k readyKey, h handle) {
	q.tree.Put(k, h)
}

func (q *readyQueue) remove(k readyKey) {
	q.tree.Remove(k)
}

func (q *readyQueue) lookup(k readyKey) (handle, bool) {
	return q.tree.Get(k)
}

func (q *readyQueue) len() int {
	return q.tree.Size()
}

// all yields handles in scheduling order. The queue must not be modified
// while iterating.
func (q *readyQueue) all() iter.Seq[handle] {
	return func(yield func(handle) bool) {
		it := q.tree.Iterator()
		for it.Next() {
			if !yield(it.Value()) {
				return
			}
		}
	}
}
