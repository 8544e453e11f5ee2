package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/muxsched/internal/bench"
	"github.com/sheerbytes/muxsched/internal/scheduler"
)

// Handler receives decoded frames. Payloads must not be retained after the
// call returns.
type Handler interface {
	OpenStream(id scheduler.StreamID, p scheduler.Precedence) error
	Data(id scheduler.StreamID, payload []byte) error
	UpdatePrecedence(id scheduler.StreamID, p scheduler.Precedence) error
	CloseStream(id scheduler.StreamID) error
}

// ReadFrames checks the preface and dispatches frames from r to h until r
// reports EOF, h returns an error, or ctx is done. A blocked read is only
// interrupted by closing r.
func ReadFrames(ctx context.Context, r io.Reader, h Handler) error {
	br := bufio.NewReaderSize(r, 64*1024)
	if err := readPreface(br); err != nil {
		return err
	}
	fr := NewFrameReader(br)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := dispatch(h, f); err != nil {
			return err
		}
	}
}

func dispatch(h Handler, f Frame) error {
	switch f.Type {
	case FrameOpen:
		p, err := ParsePrecedence(f.Payload)
		if err != nil {
			return err
		}
		return h.OpenStream(f.StreamID, p)
	case FrameData:
		return h.Data(f.StreamID, f.Payload)
	case FramePriority:
		p, err := ParsePrecedence(f.Payload)
		if err != nil {
			return err
		}
		return h.UpdatePrecedence(f.StreamID, p)
	case FrameClose:
		if len(f.Payload) != 0 {
			return fmt.Errorf("%w: CLOSE with %d byte payload", ErrInvalidFrame, len(f.Payload))
		}
		return h.CloseStream(f.StreamID)
	default:
		return fmt.Errorf("%w: unknown type %s", ErrInvalidFrame, f.Type)
	}
}

// StreamReport is the receiver's summary of a closed stream.
type StreamReport struct {
	ID         scheduler.StreamID
	Precedence scheduler.Precedence // As last known before close
	Summary    bench.Summary
}

// Receiver is a Handler that mirrors the peer's streams into a local
// scheduler and meters every stream's throughput.
type Receiver struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	sched   scheduler.Scheduler
	meters  map[scheduler.StreamID]*bench.Meter
	reports []StreamReport
}

// NewReceiver builds a receiver whose mirror scheduler uses kind.
func NewReceiver(kind scheduler.Kind, logger *slog.Logger) (*Receiver, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sched, err := scheduler.New(kind, scheduler.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Receiver{
		logger: logger,
		now:    time.Now,
		sched:  sched,
		meters: make(map[scheduler.StreamID]*bench.Meter),
	}, nil
}

func (r *Receiver) OpenStream(id scheduler.StreamID, p scheduler.Precedence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meters[id]; ok {
		return fmt.Errorf("%w: stream %d opened twice", ErrInvalidFrame, id)
	}
	r.sched.RegisterStream(id, p)
	r.meters[id] = bench.NewMeter(r.now())
	r.logger.Debug("peer opened stream", "stream_id", id, "precedence", p.String())
	return nil
}

func (r *Receiver) Data(id scheduler.StreamID, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meters[id]
	if !ok {
		return fmt.Errorf("%w: DATA on unknown stream %d", ErrInvalidFrame, id)
	}
	now := r.now()
	m.Add(now, len(payload))
	r.sched.RecordStreamEventTime(id, now)
	return nil
}

func (r *Receiver) UpdatePrecedence(id scheduler.StreamID, p scheduler.Precedence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meters[id]; !ok {
		return fmt.Errorf("%w: PRIORITY on unknown stream %d", ErrInvalidFrame, id)
	}
	r.sched.UpdateStreamPrecedence(id, p)
	return nil
}

func (r *Receiver) CloseStream(id scheduler.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meters[id]
	if !ok {
		return fmt.Errorf("%w: CLOSE on unknown stream %d", ErrInvalidFrame, id)
	}
	report := StreamReport{
		ID:         id,
		Precedence: r.sched.StreamPrecedence(id),
		Summary:    m.Final(r.now()),
	}
	r.sched.UnregisterStream(id)
	delete(r.meters, id)
	r.reports = append(r.reports, report)
	r.logger.Info("stream complete",
		"stream_id", id,
		"precedence", report.Precedence.String(),
		"bytes", report.Summary.Bytes,
		"avg_mbps", report.Summary.AvgMBps,
		"first_byte", report.Summary.FirstByte,
	)
	return nil
}

// Reports returns summaries of closed streams in close order.
func (r *Receiver) Reports() []StreamReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamReport(nil), r.reports...)
}

// Summaries returns the closed streams' summaries keyed by stream id.
func (r *Receiver) Summaries() map[uint64]bench.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]bench.Summary, len(r.reports))
	for _, rep := range r.reports {
		out[uint64(rep.ID)] = rep.Summary
	}
	return out
}

// OpenStreams returns the number of streams the peer has open.
func (r *Receiver) OpenStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.NumRegisteredStreams()
}

// Children returns the mirrored dependents of id.
func (r *Receiver) Children(id scheduler.StreamID) []scheduler.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.StreamChildren(id)
}

// SchedulerStats returns the mirror scheduler's counters.
func (r *Receiver) SchedulerStats() scheduler.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.Stats()
}

// DebugString dumps the mirrored scheduler state.
func (r *Receiver) DebugString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.String()
}
