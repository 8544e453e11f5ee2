package scheduler

import (
	"slices"
	"time"
)

// handle addresses a treeNode in the arena. Handles are reused after a
// stream is unregistered and never leave the package.
type handle int32

const (
	rootHandle handle = 0
	noHandle   handle = -1
)

type treeNode struct {
	id     StreamID
	parent handle
	// children keeps insertion order; it decides nothing about scheduling
	// but makes StreamChildren and debug output stable.
	children         []handle
	weight           int
	totalChildWeight int
	ready            bool
	priority         float64
	ordinal          int64
	lastEvent        time.Time
	live             bool
}

func (n *treeNode) key() readyKey {
	return readyKey{priority: n.priority, ordinal: n.ordinal}
}

// schedulesBefore orders by priority, highest first, then by ordinal.
func (n *treeNode) schedulesBefore(other *treeNode) bool {
	if n.priority != other.priority {
		return n.priority > other.priority
	}
	return n.ordinal < other.ordinal
}

// arena owns every node of one TreeScheduler. Pointers returned by at are
// only valid until the next alloc.
type arena struct {
	nodes []treeNode
	free  []handle
}

func (a *arena) alloc() handle {
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		return h
	}
	a.nodes = append(a.nodes, treeNode{})
	return handle(len(a.nodes) - 1)
}

func (a *arena) release(h handle) {
	a.nodes[h] = treeNode{parent: noHandle}
	a.free = append(a.free, h)
}

func (a *arena) at(h handle) *treeNode {
	return &a.nodes[h]
}

func removeHandle(hs []handle, h handle) []handle {
	if i := slices.Index(hs, h); i >= 0 {
		return slices.Delete(hs, i, i+1)
	}
	return hs
}
