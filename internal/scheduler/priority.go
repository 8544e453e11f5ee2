package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/emirpasic/gods/v2/lists/doublylinkedlist"
)

const numPriorities = LowestPriority + 1

type priorityStream struct {
	priority   int
	precedence Precedence
	ready      bool
}

// priorityBucket is the FIFO of ready streams at one level.
type priorityBucket struct {
	ready     *doublylinkedlist.List[StreamID]
	lastEvent time.Time
}

// PriorityScheduler buckets streams into eight levels. Level 0 drains first;
// within a level streams are served in the order they became ready.
type PriorityScheduler struct {
	guard

	streams  map[StreamID]*priorityStream
	buckets  [numPriorities]priorityBucket
	numReady int
}

var _ Scheduler = (*PriorityScheduler)(nil)

func NewPriorityScheduler(opts Options) *PriorityScheduler {
	s := &PriorityScheduler{
		guard:   newGuard(KindPriority, opts),
		streams: make(map[StreamID]*priorityStream),
	}
	for i := range s.buckets {
		s.buckets[i].ready = doublylinkedlist.New[StreamID]()
	}
	return s
}

func (s *PriorityScheduler) RegisterStream(id StreamID, p Precedence) {
	if _, ok := s.streams[id]; ok {
		s.violation("RegisterStream", id, "already registered")
		return
	}
	s.streams[id] = &priorityStream{priority: p.Priority(), precedence: p}
}

func (s *PriorityScheduler) UnregisterStream(id StreamID) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("UnregisterStream", id, "not registered")
		return
	}
	if st.ready {
		s.removeReady(id, st.priority)
	}
	delete(s.streams, id)
}

func (s *PriorityScheduler) StreamRegistered(id StreamID) bool {
	_, ok := s.streams[id]
	return ok
}

func (s *PriorityScheduler) StreamPrecedence(id StreamID) Precedence {
	st, ok := s.streams[id]
	if !ok {
		s.violation("StreamPrecedence", id, "not registered")
		return FlatPrecedence(LowestPriority)
	}
	return st.precedence
}

// UpdateStreamPrecedence moves a ready stream to the back of its new level.
func (s *PriorityScheduler) UpdateStreamPrecedence(id StreamID, p Precedence) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("UpdateStreamPrecedence", id, "not registered")
		return
	}
	st.precedence = p
	priority := p.Priority()
	if priority == st.priority {
		return
	}
	if st.ready {
		s.removeReady(id, st.priority)
		s.buckets[priority].ready.Append(id)
		s.numReady++
	}
	st.priority = priority
}

func (s *PriorityScheduler) StreamChildren(id StreamID) []StreamID {
	if _, ok := s.streams[id]; !ok {
		s.violation("StreamChildren", id, "not registered")
	}
	return nil
}

func (s *PriorityScheduler) RecordStreamEventTime(id StreamID, t time.Time) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("RecordStreamEventTime", id, "not registered")
		return
	}
	b := &s.buckets[st.priority]
	b.lastEvent = laterOf(b.lastEvent, t)
}

func (s *PriorityScheduler) LatestEventWithPrecedence(id StreamID) time.Time {
	st, ok := s.streams[id]
	if !ok {
		s.violation("LatestEventWithPrecedence", id, "not registered")
		return time.Time{}
	}
	var latest time.Time
	for p := HighestPriority; p < st.priority; p++ {
		latest = laterOf(latest, s.buckets[p].lastEvent)
	}
	return latest
}

func (s *PriorityScheduler) MarkStreamReady(id StreamID, addToFront bool) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("MarkStreamReady", id, "not registered")
		return
	}
	if st.ready {
		return
	}
	if addToFront {
		s.buckets[st.priority].ready.Prepend(id)
	} else {
		s.buckets[st.priority].ready.Append(id)
	}
	st.ready = true
	s.numReady++
}

func (s *PriorityScheduler) MarkStreamNotReady(id StreamID) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("MarkStreamNotReady", id, "not registered")
		return
	}
	if !st.ready {
		return
	}
	s.removeReady(id, st.priority)
	st.ready = false
}

func (s *PriorityScheduler) removeReady(id StreamID, priority int) {
	list := s.buckets[priority].ready
	if i := list.IndexOf(id); i >= 0 {
		list.Remove(i)
		s.numReady--
	}
}

func (s *PriorityScheduler) HasReadyStreams() bool {
	return s.numReady > 0
}

func (s *PriorityScheduler) PopNextReadyStream() StreamID {
	id, _ := s.PopNextReadyStreamAndPrecedence()
	return id
}

func (s *PriorityScheduler) PopNextReadyStreamAndPrecedence() (StreamID, Precedence) {
	for p := range s.buckets {
		list := s.buckets[p].ready
		id, ok := list.Get(0)
		if !ok {
			continue
		}
		list.Remove(0)
		s.numReady--
		st := s.streams[id]
		st.ready = false
		return id, st.precedence
	}
	s.violation("PopNextReadyStream", 0, "no ready streams")
	return 0, FlatPrecedence(LowestPriority)
}

// ShouldYield is true when a higher level has ready streams, or when another
// stream is at the front of id's own level.
func (s *PriorityScheduler) ShouldYield(id StreamID) bool {
	st, ok := s.streams[id]
	if !ok {
		s.violation("ShouldYield", id, "not registered")
		return false
	}
	for p := HighestPriority; p < st.priority; p++ {
		if !s.buckets[p].ready.Empty() {
			return true
		}
	}
	front, ok := s.buckets[st.priority].ready.Get(0)
	return ok && front != id
}

func (s *PriorityScheduler) NumReadyStreams() int {
	return s.numReady
}

func (s *PriorityScheduler) IsStreamReady(id StreamID) bool {
	st, ok := s.streams[id]
	if !ok {
		s.violation("IsStreamReady", id, "not registered")
		return false
	}
	return st.ready
}

func (s *PriorityScheduler) NumRegisteredStreams() int {
	return len(s.streams)
}

func (s *PriorityScheduler) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "priority scheduler: %d registered, %d ready", len(s.streams), s.numReady)
	for p := range s.buckets {
		list := s.buckets[p].ready
		if list.Empty() {
			continue
		}
		fmt.Fprintf(&b, "\n  %d: %v", p, list.Values())
	}
	return b.String()
}
