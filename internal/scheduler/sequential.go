package scheduler

import (
	"fmt"
	"strings"
	"time"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
)

type sequentialStream struct {
	precedence Precedence
	lastEvent  time.Time
	ready      bool
}

// SequentialScheduler orders ready streams purely by stream ID. In ascending
// mode (FIFO) the lowest ID writes first, in descending mode (LIFO) the highest.
// Precedences are stored and reported but never consulted.
type SequentialScheduler struct {
	guard

	descending bool
	streams    map[StreamID]*sequentialStream
	ready      *rbt.Tree[StreamID, struct{}]
}

var _ Scheduler = (*SequentialScheduler)(nil)

// NewFIFOScheduler returns a scheduler that always selects the lowest ready ID.
func NewFIFOScheduler(opts Options) *SequentialScheduler {
	return newSequentialScheduler(KindFIFO, false, opts)
}

// NewLIFOScheduler returns a scheduler that always selects the highest ready ID.
func NewLIFOScheduler(opts Options) *SequentialScheduler {
	return newSequentialScheduler(KindLIFO, true, opts)
}

func newSequentialScheduler(kind Kind, descending bool, opts Options) *SequentialScheduler {
	return &SequentialScheduler{
		guard:      newGuard(kind, opts),
		descending: descending,
		streams:    make(map[StreamID]*sequentialStream),
		ready:      rbt.New[StreamID, struct{}](),
	}
}

// ahead reports whether other is selected before id.
func (s *SequentialScheduler) ahead(other, id StreamID) bool {
	if s.descending {
		return other > id
	}
	return other < id
}

// next returns the ready stream that would be popped.
func (s *SequentialScheduler) next() (StreamID, bool) {
	var n *rbt.Node[StreamID, struct{}]
	if s.descending {
		n = s.ready.Right()
	} else {
		n = s.ready.Left()
	}
	if n == nil {
		return 0, false
	}
	return n.Key, true
}

func (s *SequentialScheduler) RegisterStream(id StreamID, p Precedence) {
	if _, ok := s.streams[id]; ok {
		s.violation("RegisterStream", id, "already registered")
		return
	}
	s.streams[id] = &sequentialStream{precedence: p}
}

func (s *SequentialScheduler) UnregisterStream(id StreamID) {
	if _, ok := s.streams[id]; !ok {
		s.violation("UnregisterStream", id, "not registered")
		return
	}
	delete(s.streams, id)
	s.ready.Remove(id)
}

func (s *SequentialScheduler) StreamRegistered(id StreamID) bool {
	_, ok := s.streams[id]
	return ok
}

func (s *SequentialScheduler) StreamPrecedence(id StreamID) Precedence {
	st, ok := s.streams[id]
	if !ok {
		s.violation("StreamPrecedence", id, "not registered")
		return FlatPrecedence(LowestPriority)
	}
	return st.precedence
}

func (s *SequentialScheduler) UpdateStreamPrecedence(id StreamID, p Precedence) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("UpdateStreamPrecedence", id, "not registered")
		return
	}
	st.precedence = p
}

func (s *SequentialScheduler) StreamChildren(id StreamID) []StreamID {
	if _, ok := s.streams[id]; !ok {
		s.violation("StreamChildren", id, "not registered")
	}
	return nil
}

func (s *SequentialScheduler) RecordStreamEventTime(id StreamID, t time.Time) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("RecordStreamEventTime", id, "not registered")
		return
	}
	st.lastEvent = t
}

func (s *SequentialScheduler) LatestEventWithPrecedence(id StreamID) time.Time {
	if _, ok := s.streams[id]; !ok {
		s.violation("LatestEventWithPrecedence", id, "not registered")
		return time.Time{}
	}
	var latest time.Time
	for other, st := range s.streams {
		if s.ahead(other, id) {
			latest = laterOf(latest, st.lastEvent)
		}
	}
	return latest
}

// MarkStreamReady ignores addToFront: ID order alone decides.
func (s *SequentialScheduler) MarkStreamReady(id StreamID, addToFront bool) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("MarkStreamReady", id, "not registered")
		return
	}
	if st.ready {
		return
	}
	st.ready = true
	s.ready.Put(id, struct{}{})
}

func (s *SequentialScheduler) MarkStreamNotReady(id StreamID) {
	st, ok := s.streams[id]
	if !ok {
		s.violation("MarkStreamNotReady", id, "not registered")
		return
	}
	if !st.ready {
		return
	}
	st.ready = false
	s.ready.Remove(id)
}

func (s *SequentialScheduler) HasReadyStreams() bool {
	return !s.ready.Empty()
}

func (s *SequentialScheduler) PopNextReadyStream() StreamID {
	id, _ := s.PopNextReadyStreamAndPrecedence()
	return id
}

func (s *SequentialScheduler) PopNextReadyStreamAndPrecedence() (StreamID, Precedence) {
	id, ok := s.next()
	if !ok {
		s.violation("PopNextReadyStream", 0, "no ready streams")
		return 0, FlatPrecedence(LowestPriority)
	}
	s.ready.Remove(id)
	st := s.streams[id]
	st.ready = false
	return id, st.precedence
}

func (s *SequentialScheduler) ShouldYield(id StreamID) bool {
	if _, ok := s.streams[id]; !ok {
		s.violation("ShouldYield", id, "not registered")
		return false
	}
	first, ok := s.next()
	return ok && s.ahead(first, id)
}

func (s *SequentialScheduler) NumReadyStreams() int {
	return s.ready.Size()
}

func (s *SequentialScheduler) IsStreamReady(id StreamID) bool {
	st, ok := s.streams[id]
	if !ok {
		s.violation("IsStreamReady", id, "not registered")
		return false
	}
	return st.ready
}

func (s *SequentialScheduler) NumRegisteredStreams() int {
	return len(s.streams)
}

func (s *SequentialScheduler) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s scheduler: %d registered, %d ready", s.kind, len(s.streams), s.ready.Size())
	if !s.ready.Empty() {
		b.WriteString(" [")
		it := s.ready.Iterator()
		first := true
		for it.Next() {
			if !first {
				b.WriteString(" ")
			}
			first = false
			fmt.Fprintf(&b, "%d", it.Key())
		}
		b.WriteString("]")
	}
	return b.String()
}
