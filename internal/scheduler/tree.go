package scheduler

import (
	"math"
	"time"
)

// TreeScheduler implements weighted dependency-tree scheduling. Every stream
// hangs below the implicit root (RootStreamID) and receives a share of its
// parent's priority proportional to its weight among its siblings. Ready
// streams are served highest priority first, ties in the order they became
// ready, and a ready stream is skipped while any of its ancestors is ready.
type TreeScheduler struct {
	guard

	arena arena
	index map[StreamID]handle
	queue *readyQueue

	// headOrdinal counts down for front insertions, tailOrdinal counts up for
	// back insertions, so both ends of a priority level stay O(log n).
	headOrdinal int64
	tailOrdinal int64
}

var _ Scheduler = (*TreeScheduler)(nil)

func NewTreeScheduler(opts Options) *TreeScheduler {
	s := &TreeScheduler{
		guard:       newGuard(KindHTTP2, opts),
		index:       make(map[StreamID]handle),
		queue:       newReadyQueue(),
		headOrdinal: -1,
	}
	h := s.arena.alloc()
	*s.arena.at(h) = treeNode{
		id:       RootStreamID,
		parent:   noHandle,
		weight:   DefaultWeight,
		priority: 1.0,
		live:     true,
	}
	s.index[RootStreamID] = h
	return s
}

func (s *TreeScheduler) node(h handle) *treeNode {
	return s.arena.at(h)
}

func (s *TreeScheduler) lookup(op string, id StreamID) (handle, bool) {
	h, ok := s.index[id]
	if !ok {
		s.violation(op, id, "not registered")
	}
	return h, ok
}

// resolveParent maps a parent ID to a handle, falling back to the root for
// streams that are not registered (yet).
func (s *TreeScheduler) resolveParent(id, parent StreamID) handle {
	if h, ok := s.index[parent]; ok {
		return h
	}
	s.unknownParent(id, parent)
	return rootHandle
}

func (s *TreeScheduler) RegisterStream(id StreamID, p Precedence) {
	if _, ok := s.index[id]; ok {
		s.violation("RegisterStream", id, "already registered")
		return
	}
	ph := s.resolveParent(id, p.ParentID())
	h := s.arena.alloc()
	s.index[id] = h

	n := s.node(h)
	*n = treeNode{id: id, parent: ph, weight: p.Weight(), live: true}
	parent := s.node(ph)
	if p.Exclusive() {
		n.children = parent.children
		n.totalChildWeight = parent.totalChildWeight
		for _, c := range n.children {
			s.node(c).parent = h
		}
		parent.children = []handle{h}
		parent.totalChildWeight = n.weight
	} else {
		parent.children = append(parent.children, h)
		parent.totalChildWeight += n.weight
	}
	s.updatePrioritiesUnder(ph)
}

// UnregisterStream removes id and hands its children to its parent. The
// removed stream's weight is split among them in proportion to their weights.
func (s *TreeScheduler) UnregisterStream(id StreamID) {
	if id == RootStreamID {
		s.violation("UnregisterStream", id, "cannot unregister root")
		return
	}
	h, ok := s.lookup("UnregisterStream", id)
	if !ok {
		return
	}
	n := s.node(h)
	if n.ready {
		s.queue.remove(n.key())
	}
	ph := n.parent
	parent := s.node(ph)
	parent.children = removeHandle(parent.children, h)
	parent.totalChildWeight -= n.weight

	for _, c := range n.children {
		child := s.node(c)
		share := float64(n.weight) * float64(child.weight) / float64(n.totalChildWeight)
		child.weight = max(MinWeight, int(math.Round(share)))
		child.parent = ph
		parent.children = append(parent.children, c)
		parent.totalChildWeight += child.weight
	}

	delete(s.index, id)
	s.arena.release(h)
	s.updatePrioritiesUnder(ph)
}

func (s *TreeScheduler) StreamRegistered(id StreamID) bool {
	_, ok := s.index[id]
	return ok
}

// StreamPrecedence reports exclusive when the stream is currently its
// parent's only child.
func (s *TreeScheduler) StreamPrecedence(id StreamID) Precedence {
	h, ok := s.lookup("StreamPrecedence", id)
	if !ok {
		return TreePrecedence(RootStreamID, MinWeight, false)
	}
	n := s.node(h)
	if n.parent == noHandle {
		return TreePrecedence(RootStreamID, n.weight, false)
	}
	parent := s.node(n.parent)
	return TreePrecedence(parent.id, n.weight, len(parent.children) == 1)
}

func (s *TreeScheduler) UpdateStreamPrecedence(id StreamID, p Precedence) {
	if id == RootStreamID {
		s.violation("UpdateStreamPrecedence", id, "cannot reprioritize root")
		return
	}
	h, ok := s.lookup("UpdateStreamPrecedence", id)
	if !ok {
		return
	}
	s.updateParent(h, p.ParentID(), p.Exclusive())
	s.updateWeight(h, p.Weight())
}

func (s *TreeScheduler) updateWeight(h handle, weight int) {
	weight = ClampWeight(weight)
	n := s.node(h)
	if n.weight == weight {
		return
	}
	parent := s.node(n.parent)
	parent.totalChildWeight += weight - n.weight
	n.weight = weight
	s.updatePrioritiesUnder(n.parent)
}

func (s *TreeScheduler) updateParent(h handle, parentID StreamID, exclusive bool) {
	n := s.node(h)
	if parentID == n.id {
		s.violation("UpdateStreamPrecedence", n.id, "stream cannot depend on itself")
		return
	}
	nph := s.resolveParent(n.id, parentID)
	if n.parent == nph && (!exclusive || len(s.node(nph).children) == 1) {
		return
	}

	// Moving below one of our own descendants: lift that descendant up to
	// our current parent first so no cycle forms.
	if s.isDescendant(nph, h) {
		s.detach(nph)
		s.attach(nph, n.parent)
	}

	old := n.parent
	s.detach(h)
	s.updatePrioritiesUnder(old)

	if exclusive {
		np := s.node(nph)
		for _, c := range np.children {
			s.node(c).parent = h
		}
		n.children = append(n.children, np.children...)
		n.totalChildWeight += np.totalChildWeight
		np.children = nil
		np.totalChildWeight = 0
	}
	s.attach(h, nph)
	s.updatePrioritiesUnder(nph)
}

func (s *TreeScheduler) detach(h handle) {
	n := s.node(h)
	parent := s.node(n.parent)
	parent.children = removeHandle(parent.children, h)
	parent.totalChildWeight -= n.weight
	n.parent = noHandle
}

func (s *TreeScheduler) attach(h, ph handle) {
	n := s.node(h)
	parent := s.node(ph)
	n.parent = ph
	parent.children = append(parent.children, h)
	parent.totalChildWeight += n.weight
}

// isDescendant reports whether h lies strictly below ancestor.
func (s *TreeScheduler) isDescendant(h, ancestor handle) bool {
	for p := s.node(h).parent; p != noHandle; p = s.node(p).parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func (s *TreeScheduler) hasReadyAncestor(h handle) bool {
	for p := s.node(h).parent; p != noHandle; p = s.node(p).parent {
		if s.node(p).ready {
			return true
		}
	}
	return false
}

// updatePrioritiesUnder recomputes priorities below h, top-down, so each
// parent is final before its children derive from it. Ready nodes whose
// priority moves are re-sorted in the queue.
func (s *TreeScheduler) updatePrioritiesUnder(h handle) {
	stack := []handle{h}
	for len(stack) > 0 {
		ph := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parent := s.node(ph)
		for _, c := range parent.children {
			child := s.node(c)
			priority := parent.priority * float64(child.weight) / float64(parent.totalChildWeight)
			if priority != child.priority {
				if child.ready {
					s.queue.remove(child.key())
					child.priority = priority
					s.queue.push(child.key(), c)
				} else {
					child.priority = priority
				}
			}
			if len(child.children) > 0 {
				stack = append(stack, c)
			}
		}
	}
}

func (s *TreeScheduler) StreamChildren(id StreamID) []StreamID {
	h, ok := s.lookup("StreamChildren", id)
	if !ok {
		return nil
	}
	children := s.node(h).children
	ids := make([]StreamID, 0, len(children))
	for _, c := range children {
		ids = append(ids, s.node(c).id)
	}
	return ids
}

func (s *TreeScheduler) RecordStreamEventTime(id StreamID, t time.Time) {
	h, ok := s.lookup("RecordStreamEventTime", id)
	if !ok {
		return
	}
	s.node(h).lastEvent = t
}

// LatestEventWithPrecedence returns the latest event among streams with a
// strictly higher priority than id.
func (s *TreeScheduler) LatestEventWithPrecedence(id StreamID) time.Time {
	h, ok := s.lookup("LatestEventWithPrecedence", id)
	if !ok {
		return time.Time{}
	}
	priority := s.node(h).priority
	var latest time.Time
	for other, oh := range s.index {
		if other == RootStreamID {
			continue
		}
		if n := s.node(oh); n.priority > priority {
			latest = laterOf(latest, n.lastEvent)
		}
	}
	return latest
}

func (s *TreeScheduler) MarkStreamReady(id StreamID, addToFront bool) {
	if id == RootStreamID {
		s.violation("MarkStreamReady", id, "root cannot be ready")
		return
	}
	h, ok := s.lookup("MarkStreamReady", id)
	if !ok {
		return
	}
	n := s.node(h)
	if n.ready {
		return
	}
	if addToFront {
		n.ordinal = s.headOrdinal
		s.headOrdinal--
	} else {
		n.ordinal = s.tailOrdinal
		s.tailOrdinal++
	}
	n.ready = true
	s.queue.push(n.key(), h)
}

func (s *TreeScheduler) MarkStreamNotReady(id StreamID) {
	h, ok := s.lookup("MarkStreamNotReady", id)
	if !ok {
		return
	}
	n := s.node(h)
	if !n.ready {
		return
	}
	s.queue.remove(n.key())
	n.ready = false
}

func (s *TreeScheduler) HasReadyStreams() bool {
	return s.queue.len() > 0
}

func (s *TreeScheduler) PopNextReadyStream() StreamID {
	id, _ := s.PopNextReadyStreamAndPrecedence()
	return id
}

func (s *TreeScheduler) PopNextReadyStreamAndPrecedence() (StreamID, Precedence) {
	next := noHandle
	for h := range s.queue.all() {
		if !s.hasReadyAncestor(h) {
			next = h
			break
		}
	}
	if next == noHandle {
		s.violation("PopNextReadyStream", RootStreamID, "no ready streams")
		return RootStreamID, TreePrecedence(RootStreamID, MinWeight, false)
	}
	n := s.node(next)
	s.queue.remove(n.key())
	n.ready = false
	return n.id, s.StreamPrecedence(n.id)
}

// ShouldYield compares id against the first ready stream that is not
// waiting on a ready ancestor. Descendants of id never make it yield.
func (s *TreeScheduler) ShouldYield(id StreamID) bool {
	h, ok := s.lookup("ShouldYield", id)
	if !ok {
		return false
	}
	if s.hasReadyAncestor(h) {
		return true
	}
	n := s.node(h)
	for qh := range s.queue.all() {
		if s.hasReadyAncestor(qh) {
			continue
		}
		if qh == h || s.isDescendant(qh, h) {
			return false
		}
		return s.node(qh).schedulesBefore(n)
	}
	return false
}

func (s *TreeScheduler) NumReadyStreams() int {
	return s.queue.len()
}

func (s *TreeScheduler) IsStreamReady(id StreamID) bool {
	h, ok := s.lookup("IsStreamReady", id)
	if !ok {
		return false
	}
	return s.node(h).ready
}

// NumRegisteredStreams excludes the implicit root.
func (s *TreeScheduler) NumRegisteredStreams() int {
	return len(s.index) - 1
}
