package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrContractViolation is wrapped by every panic raised in strict mode.
var ErrContractViolation = errors.New("scheduler contract violation")

// Scheduler selects which ready stream writes next on a multiplexed connection.
//
// Implementations are not safe for concurrent use; the owning session must
// serialize calls. Operations on unregistered streams are contract
// violations: they panic in strict mode and otherwise log and return a
// harmless default.
type Scheduler interface {
	// RegisterStream adds a stream with the given precedence.
	RegisterStream(id StreamID, p Precedence)
	// UnregisterStream removes a stream and any readiness it had.
	UnregisterStream(id StreamID)
	// StreamRegistered reports whether id is registered.
	StreamRegistered(id StreamID) bool
	// StreamPrecedence returns the current precedence of id.
	StreamPrecedence(id StreamID) Precedence
	// UpdateStreamPrecedence replaces the precedence of id.
	UpdateStreamPrecedence(id StreamID, p Precedence)
	// StreamChildren returns the direct dependents of id. Only the
	// dependency tree strategy has any.
	StreamChildren(id StreamID) []StreamID
	// RecordStreamEventTime records the time of the latest read or write on id.
	RecordStreamEventTime(id StreamID, t time.Time)
	// LatestEventWithPrecedence returns the latest event time recorded on any
	// stream that schedules ahead of id.
	LatestEventWithPrecedence(id StreamID) time.Time
	// MarkStreamReady makes id eligible for selection.
	MarkStreamReady(id StreamID, addToFront bool)
	// MarkStreamNotReady removes id from selection.
	MarkStreamNotReady(id StreamID)
	HasReadyStreams() bool
	// PopNextReadyStream removes and returns the stream that writes next.
	PopNextReadyStream() StreamID
	// PopNextReadyStreamAndPrecedence is PopNextReadyStream that also
	// reports the selected stream's precedence.
	PopNextReadyStreamAndPrecedence() (StreamID, Precedence)
	// ShouldYield reports whether id should stop writing because another
	// ready stream takes precedence.
	ShouldYield(id StreamID) bool
	NumReadyStreams() int
	IsStreamReady(id StreamID) bool
	NumRegisteredStreams() int

	Kind() Kind
	Stats() Stats
	String() string
}

// Kind names a scheduling strategy.
type Kind string

const (
	KindFIFO     Kind = "fifo"
	KindLIFO     Kind = "lifo"
	KindPriority Kind = "priority"
	KindHTTP2    Kind = "http2"
)

// Kinds lists every supported strategy.
func Kinds() []Kind {
	return []Kind{KindFIFO, KindLIFO, KindPriority, KindHTTP2}
}

// ParseKind parses a strategy name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown scheduler kind %q", s)
}

// UsesTree reports whether k expects dependency-tree precedences.
func (k Kind) UsesTree() bool {
	return k == KindHTTP2
}

// Options configures a scheduler.
type Options struct {
	// Logger receives contract violations and diagnostics. Nil discards them.
	Logger *slog.Logger
	// Strict turns contract violations into panics.
	Strict bool
}

// Stats are diagnostic counters kept by every scheduler.
type Stats struct {
	// Violations counts contract violations absorbed in non-strict mode.
	Violations uint64
	// UnknownParents counts registrations and updates that named an
	// unregistered parent and fell back to the root.
	UnknownParents uint64
}

// New constructs the scheduler for kind.
func New(kind Kind, opts Options) (Scheduler, error) {
	switch kind {
	case KindFIFO:
		return NewFIFOScheduler(opts), nil
	case KindLIFO:
		return NewLIFOScheduler(opts), nil
	case KindPriority:
		return NewPriorityScheduler(opts), nil
	case KindHTTP2:
		return NewTreeScheduler(opts), nil
	default:
		return nil, fmt.Errorf("unknown scheduler kind %q", kind)
	}
}

// guard carries the options and counters shared by all strategies.
type guard struct {
	kind   Kind
	logger *slog.Logger
	strict bool
	stats  Stats
}

func newGuard(kind Kind, opts Options) guard {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return guard{
		kind:   kind,
		logger: logger.With("scheduler", string(kind)),
		strict: opts.Strict,
	}
}

// violation reports a contract violation. In strict mode it panics.
func (g *guard) violation(op string, id StreamID, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if g.strict {
		panic(fmt.Errorf("%w: %s stream %d: %s", ErrContractViolation, op, id, msg))
	}
	g.stats.Violations++
	g.logger.Error("scheduler contract violation", "op", op, "stream_id", id, "reason", msg)
}

func (g *guard) unknownParent(id, parent StreamID) {
	g.stats.UnknownParents++
	g.logger.Debug("unknown parent, using root", "stream_id", id, "parent_id", parent)
}

func (g *guard) Kind() Kind {
	return g.kind
}

func (g *guard) Stats() Stats {
	return g.stats
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
