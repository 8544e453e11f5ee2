package mux

import (
	"time"

	"github.com/sheerbytes/muxsched/internal/scheduler"
)

// Stream is one logical stream of a Session. Writes are buffered and handed
// to the wire by Session.Run as the scheduler allows.
type Stream struct {
	s  *Session
	id scheduler.StreamID

	// Guarded by s.mu.
	buf       []byte
	written   int64
	preempted int
	lastWrite time.Time
	closing   bool
	finished  bool
}

func (st *Stream) ID() scheduler.StreamID {
	return st.id
}

// Write buffers p and marks the stream ready. It never blocks on the wire.
func (st *Stream) Write(p []byte) (int, error) {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, ErrSessionClosed
	}
	if st.closing {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	st.buf = append(st.buf, p...)
	s.buffered += len(p)
	if s.current != st && !s.sched.IsStreamReady(st.id) {
		s.sched.MarkStreamReady(st.id, false)
	}
	s.signal()
	return len(p), nil
}

// SetPrecedence changes the stream's precedence locally and tells the peer
// with a PRIORITY frame.
func (st *Stream) SetPrecedence(p scheduler.Precedence) error {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ErrSessionClosed
	}
	if st.closing {
		return ErrStreamClosed
	}
	s.sched.UpdateStreamPrecedence(st.id, p)
	s.queueControlLocked(FramePriority, st.id, p)
	return nil
}

// Precedence returns the precedence the scheduler currently holds for the
// stream. Exclusivity is reported as the stream being its parent's only child.
func (st *Stream) Precedence() scheduler.Precedence {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.finished {
		return scheduler.Precedence{}
	}
	return s.sched.StreamPrecedence(st.id)
}

// Close sends CLOSE once buffered data has been written. Further writes fail
// with ErrStreamClosed.
func (st *Stream) Close() error {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.closing {
		return nil
	}
	st.closeLocked()
	return nil
}

func (st *Stream) closeLocked() {
	st.closing = true
	if len(st.buf) == 0 {
		st.s.finishLocked(st)
	}
}

// Written returns the payload bytes already handed to the wire.
func (st *Stream) Written() int64 {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.written
}

// Buffered returns the bytes waiting to be written.
func (st *Stream) Buffered() int {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return len(st.buf)
}

// Preempted counts the times a stream with higher precedence wrote between
// two of this stream's frames.
func (st *Stream) Preempted() int {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.preempted
}
