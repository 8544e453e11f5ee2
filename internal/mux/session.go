package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/muxsched/internal/bufpool"
	"github.com/sheerbytes/muxsched/internal/scheduler"
)

const (
	DefaultFrameSize = 16 * 1024
	minFrameSize     = 256
	defaultMaxBurst  = 4
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("mux session closed")
	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = errors.New("mux stream closed")
)

// Options configure a sending Session.
type Options struct {
	Scheduler scheduler.Kind // Defaults to http2
	Strict    bool           // Panic on scheduler contract violations
	FrameSize int            // Max DATA payload per frame
	MaxBurst  int            // Frames a stream may write back to back before re-queueing
	RateBytes int            // Outbound bytes per second, 0 disables pacing
	Logger    *slog.Logger
}

// Session multiplexes logical streams over one ordered byte stream. Streams
// buffer their writes and Run interleaves them on the wire in the order the
// configured scheduler picks.
type Session struct {
	id      string
	w       io.Writer
	logger  *slog.Logger
	sched   scheduler.Scheduler
	pool    *bufpool.Pool
	limiter *rate.Limiter

	frameSize int
	maxBurst  int

	mu       sync.Mutex
	streams  map[scheduler.StreamID]*Stream
	control  [][]byte
	buffered int
	nextID   scheduler.StreamID
	current  *Stream
	burst    int
	inflight bool
	closed   bool
	err      error
	progress chan struct{}

	wake    chan struct{}
	done    chan struct{}
	started bool
}

// NewSession creates a session writing to w. Run must be called to move
// data onto the wire.
func NewSession(w io.Writer, opts Options) (*Session, error) {
	if opts.Scheduler == "" {
		opts.Scheduler = scheduler.KindHTTP2
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("session", id)

	sched, err := scheduler.New(opts.Scheduler, scheduler.Options{Logger: logger, Strict: opts.Strict})
	if err != nil {
		return nil, err
	}

	frameSize := opts.FrameSize
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	frameSize = min(max(frameSize, minFrameSize), MaxFrameSize)
	maxBurst := opts.MaxBurst
	if maxBurst <= 0 {
		maxBurst = defaultMaxBurst
	}

	s := &Session{
		id:        id,
		w:         w,
		logger:    logger,
		sched:     sched,
		pool:      bufpool.New(HeaderLen + frameSize),
		frameSize: frameSize,
		maxBurst:  maxBurst,
		streams:   make(map[scheduler.StreamID]*Stream),
		nextID:    1,
		progress:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if opts.RateBytes > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateBytes), max(opts.RateBytes, HeaderLen+frameSize))
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// SchedulerKind reports the strategy ordering this session's writes.
func (s *Session) SchedulerKind() scheduler.Kind {
	return s.sched.Kind()
}

// SchedulerStats returns the scheduler's diagnostic counters.
func (s *Session) SchedulerStats() scheduler.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.Stats()
}

// DebugString dumps the scheduler state.
func (s *Session) DebugString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.String()
}

// OpenStream allocates the next stream id, registers it with the scheduler
// and queues its OPEN frame. Tree precedences naming an unknown parent are
// attached to the root.
func (s *Session) OpenStream(p scheduler.Precedence) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	id := s.nextID
	s.nextID += 2

	s.sched.RegisterStream(id, p)
	st := &Stream{s: s, id: id}
	s.streams[id] = st
	s.queueControlLocked(FrameOpen, id, p)
	s.logger.Debug("stream opened", "stream_id", id, "precedence", p.String())
	return st, nil
}

// Close closes every open stream once its buffered data is written. Run
// returns after the last frame is on the wire.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, st := range s.streams {
		st.closeLocked()
	}
	s.closed = true
	s.signal()
	s.notifyLocked()
	return nil
}

// Run writes the preface and then frames until the session is closed and
// drained, ctx is cancelled, or a write fails. It must be called once.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("mux session %s already running", s.id)
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	if err := writePreface(s.w); err != nil {
		return s.fail(err)
	}
	for {
		frame, err := s.take(ctx)
		if err != nil {
			return s.fail(err)
		}
		if frame == nil {
			s.logger.Debug("session drained")
			return nil
		}
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, len(frame)); err != nil {
				s.pool.Put(frame)
				return s.fail(err)
			}
		}
		_, err = s.w.Write(frame)
		s.pool.Put(frame)

		s.mu.Lock()
		s.inflight = false
		s.notifyLocked()
		s.mu.Unlock()
		if err != nil {
			return s.fail(fmt.Errorf("failed to write frame: %w", err))
		}
	}
}

// Flush blocks until every queued control frame and buffered byte has been
// written.
func (s *Session) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if len(s.control) == 0 && s.buffered == 0 && !s.inflight {
			s.mu.Unlock()
			return nil
		}
		ch := s.progress
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-s.done:
			s.mu.Lock()
			err := s.err
			idle := len(s.control) == 0 && s.buffered == 0
			s.mu.Unlock()
			if err != nil {
				return err
			}
			if !idle {
				return ErrSessionClosed
			}
			return nil
		}
	}
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.closed = true
	s.notifyLocked()
	s.logger.Warn("session stopped", "error", err)
	return err
}

// take blocks until a frame is available. It returns a nil frame once the
// session is closed and nothing is left to write.
func (s *Session) take(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		frame := s.nextFrameLocked()
		if frame != nil {
			s.inflight = true
			s.mu.Unlock()
			return frame, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		}
	}
}

// nextFrameLocked encodes the next frame to write. Control frames go first so
// OPEN always precedes a stream's data and CLOSE always follows it.
func (s *Session) nextFrameLocked() []byte {
	if len(s.control) > 0 {
		frame := s.control[0]
		s.control[0] = nil
		s.control = s.control[1:]
		return frame
	}

	st := s.current
	if st != nil && (s.burst >= s.maxBurst || len(st.buf) == 0 || s.sched.ShouldYield(st.id)) {
		if len(st.buf) > 0 && !s.sched.IsStreamReady(st.id) {
			s.sched.MarkStreamReady(st.id, false)
		}
		st = nil
	}
	if st == nil {
		s.current = nil
		if !s.sched.HasReadyStreams() {
			return nil
		}
		st = s.streams[s.sched.PopNextReadyStream()]
		if st == nil {
			return nil
		}
		s.current = st
		s.burst = 0
	}

	now := time.Now()
	if latest := s.sched.LatestEventWithPrecedence(st.id); !st.lastWrite.IsZero() && latest.After(st.lastWrite) {
		st.preempted++
	}
	s.sched.RecordStreamEventTime(st.id, now)
	st.lastWrite = now

	n := min(len(st.buf), s.frameSize)
	frame := s.pool.Get(HeaderLen + n)
	putHeader(frame, FrameData, st.id, n)
	copy(frame[HeaderLen:], st.buf[:n])
	st.buf = st.buf[n:]
	if len(st.buf) == 0 {
		st.buf = nil
	}
	st.written += int64(n)
	s.buffered -= n
	s.burst++

	if len(st.buf) == 0 {
		s.current = nil
		if st.closing {
			s.finishLocked(st)
		}
	}
	return frame
}

func (s *Session) queueControlLocked(t FrameType, id scheduler.StreamID, p scheduler.Precedence) {
	n := 0
	if t == FrameOpen || t == FramePriority {
		n = precedenceLen(p)
	}
	frame := s.pool.Get(HeaderLen + n)
	putHeader(frame, t, id, n)
	if n > 0 {
		putPrecedence(frame[HeaderLen:], p)
	}
	s.control = append(s.control, frame)
	s.signal()
}

// finishLocked queues CLOSE and drops the stream from the scheduler.
func (s *Session) finishLocked(st *Stream) {
	if st.finished {
		return
	}
	st.finished = true
	s.queueControlLocked(FrameClose, st.id, scheduler.Precedence{})
	if s.current == st {
		s.current = nil
	}
	s.sched.UnregisterStream(st.id)
	delete(s.streams, st.id)
	s.logger.Debug("stream closed", "stream_id", st.id, "bytes", st.written, "preempted", st.preempted)
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) notifyLocked() {
	close(s.progress)
	s.progress = make(chan struct{})
}
