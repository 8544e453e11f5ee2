package scheduler

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStrictTree(t *testing.T) *TreeScheduler {
	t.Helper()
	s := NewTreeScheduler(Options{Strict: true})
	t.Cleanup(func() {
		require.NoError(t, s.Validate(), s.String())
	})
	return s
}

func requireChildren(t *testing.T, s *TreeScheduler, id StreamID, want ...StreamID) {
	t.Helper()
	if want == nil {
		want = []StreamID{}
	}
	if diff := cmp.Diff(want, s.StreamChildren(id)); diff != "" {
		t.Fatalf("children of %d mismatch (-want +got):\n%s\n%s", id, diff, s)
	}
}

func TestTreeRootIsRegistered(t *testing.T) {
	s := newStrictTree(t)
	assert.True(t, s.StreamRegistered(RootStreamID))
	assert.Equal(t, 0, s.NumRegisteredStreams())
	assert.False(t, s.HasReadyStreams())
	requireChildren(t, s, RootStreamID)
}

func TestTreeRoundRobinAmongEqualSiblings(t *testing.T) {
	s := newStrictTree(t)
	for _, id := range []StreamID{1, 2, 3} {
		s.RegisterStream(id, TreePrecedence(RootStreamID, DefaultWeight, false))
	}
	for _, id := range []StreamID{1, 2, 3} {
		s.MarkStreamReady(id, false)
	}
	if diff := cmp.Diff([]StreamID{1, 2, 3}, drain(s)); diff != "" {
		t.Fatalf("pop order mismatch (-want +got):\n%s", diff)
	}

	for _, id := range []StreamID{1, 2, 3} {
		s.MarkStreamReady(id, false)
	}
	require.Equal(t, StreamID(1), s.PopNextReadyStream())
	s.MarkStreamReady(1, false)
	if diff := cmp.Diff([]StreamID{2, 3, 1}, drain(s)); diff != "" {
		t.Fatalf("re-marked stream should cycle to the back (-want +got):\n%s", diff)
	}
}

func TestTreeAddToFront(t *testing.T) {
	s := newStrictTree(t)
	for _, id := range []StreamID{1, 2, 3, 4} {
		s.RegisterStream(id, TreePrecedence(RootStreamID, DefaultWeight, false))
	}
	s.MarkStreamReady(1, false)
	s.MarkStreamReady(2, false)
	s.MarkStreamReady(3, true)
	s.MarkStreamReady(4, true)
	if diff := cmp.Diff([]StreamID{4, 3, 1, 2}, drain(s)); diff != "" {
		t.Fatalf("pop order mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeHigherWeightFirst(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 100, false))
	s.RegisterStream(2, TreePrecedence(RootStreamID, 200, false))
	s.MarkStreamReady(1, false)
	s.MarkStreamReady(2, false)

	assert.True(t, s.ShouldYield(1))
	assert.False(t, s.ShouldYield(2))
	assert.Equal(t, StreamID(2), s.PopNextReadyStream())
}

func TestTreeWeightChangeReordersReadyStreams(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(3, TreePrecedence(2, 16, false))
	s.MarkStreamReady(1, false)
	s.MarkStreamReady(3, false)

	s.UpdateStreamPrecedence(2, TreePrecedence(RootStreamID, 48, false))
	assert.Equal(t, 48, s.StreamPrecedence(2).Weight())
	assert.True(t, s.ShouldYield(1), "stream 3 inherits its parent's larger share")
	assert.Equal(t, StreamID(3), s.PopNextReadyStream())
}

func TestTreeExclusiveRegistration(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(3, TreePrecedence(RootStreamID, 32, true))

	requireChildren(t, s, RootStreamID, 3)
	requireChildren(t, s, 3, 1, 2)
	assert.Equal(t, TreePrecedence(RootStreamID, 32, true), s.StreamPrecedence(3))
	assert.Equal(t, TreePrecedence(3, 16, false), s.StreamPrecedence(1))
}

func TestTreeUnregisterSplitsWeight(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 100, false))
	s.RegisterStream(2, TreePrecedence(1, 50, false))
	s.RegisterStream(3, TreePrecedence(1, 50, false))

	s.UnregisterStream(1)

	requireChildren(t, s, RootStreamID, 2, 3)
	assert.Equal(t, TreePrecedence(RootStreamID, 50, false), s.StreamPrecedence(2))
	assert.Equal(t, TreePrecedence(RootStreamID, 50, false), s.StreamPrecedence(3))
	assert.False(t, s.StreamRegistered(1))
	assert.Equal(t, 2, s.NumRegisteredStreams())
}

func TestTreeUnregisterRoundsAndClampsWeights(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 10, false))
	s.RegisterStream(2, TreePrecedence(1, 1, false))
	s.RegisterStream(3, TreePrecedence(1, 2, false))
	s.RegisterStream(4, TreePrecedence(RootStreamID, 1, false))
	s.RegisterStream(5, TreePrecedence(4, 1, false))
	s.RegisterStream(6, TreePrecedence(4, 100, false))

	s.UnregisterStream(1)
	assert.Equal(t, 3, s.StreamPrecedence(2).Weight())
	assert.Equal(t, 7, s.StreamPrecedence(3).Weight())

	s.UnregisterStream(4)
	assert.Equal(t, MinWeight, s.StreamPrecedence(5).Weight())
	assert.Equal(t, 1, s.StreamPrecedence(6).Weight())
	requireChildren(t, s, RootStreamID, 2, 3, 5, 6)
}

func TestTreeUnregisterReadyStream(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(1, 16, false))
	s.MarkStreamReady(1, false)
	s.MarkStreamReady(2, false)
	require.True(t, s.ShouldYield(2))

	s.UnregisterStream(1)
	assert.Equal(t, 1, s.NumReadyStreams())
	assert.False(t, s.ShouldYield(2))
	assert.Equal(t, StreamID(2), s.PopNextReadyStream())
}

func TestTreeExclusiveReparent(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(3, TreePrecedence(2, 16, false))
	s.RegisterStream(4, TreePrecedence(2, 16, false))

	s.UpdateStreamPrecedence(1, TreePrecedence(2, 16, true))

	requireChildren(t, s, RootStreamID, 2)
	requireChildren(t, s, 2, 1)
	requireChildren(t, s, 1, 3, 4)
	assert.True(t, s.StreamPrecedence(1).Exclusive())
}

func TestTreeExclusiveReparentUnderCurrentParent(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(3, TreePrecedence(RootStreamID, 16, false))

	s.UpdateStreamPrecedence(2, TreePrecedence(RootStreamID, 16, true))

	requireChildren(t, s, RootStreamID, 2)
	requireChildren(t, s, 2, 1, 3)
}

func TestTreeReparentBreaksCycle(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(1, 16, false))
	s.RegisterStream(3, TreePrecedence(2, 16, false))

	s.UpdateStreamPrecedence(1, TreePrecedence(3, 16, false))

	requireChildren(t, s, RootStreamID, 3)
	requireChildren(t, s, 3, 1)
	requireChildren(t, s, 1, 2)
	requireChildren(t, s, 2)
}

func TestTreeReparentUnderDirectChild(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(1, 16, false))
	s.RegisterStream(3, TreePrecedence(1, 16, false))

	s.UpdateStreamPrecedence(1, TreePrecedence(2, 16, true))

	requireChildren(t, s, RootStreamID, 2)
	requireChildren(t, s, 2, 1)
	requireChildren(t, s, 1, 3)
}

func TestTreeUpdateWithCurrentPrecedenceIsNoop(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 20, false))
	s.RegisterStream(2, TreePrecedence(1, 7, false))
	s.RegisterStream(3, TreePrecedence(1, 9, false))
	s.RegisterStream(4, TreePrecedence(RootStreamID, 30, false))
	s.MarkStreamReady(3, false)
	s.MarkStreamReady(2, false)
	s.MarkStreamReady(4, false)

	before := s.String()
	for _, id := range []StreamID{1, 2, 3, 4} {
		s.UpdateStreamPrecedence(id, s.StreamPrecedence(id))
	}
	assert.Equal(t, before, s.String())
}

func TestTreeOccludedStreamsAreSkipped(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(1, 16, false))
	s.MarkStreamReady(2, false)
	s.MarkStreamReady(1, false)

	assert.True(t, s.ShouldYield(2))
	assert.False(t, s.ShouldYield(1))
	assert.Equal(t, StreamID(1), s.PopNextReadyStream())
	assert.False(t, s.ShouldYield(2))
	assert.Equal(t, StreamID(2), s.PopNextReadyStream())
}

func TestTreeShouldYieldIgnoresDescendants(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(1, 16, false))
	s.MarkStreamReady(2, false)

	assert.False(t, s.ShouldYield(1))
	assert.False(t, s.ShouldYield(2))
}

func TestTreeShouldYieldToEarlierSibling(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(2, TreePrecedence(RootStreamID, 16, false))
	s.MarkStreamReady(1, false)
	s.MarkStreamReady(2, false)

	assert.False(t, s.ShouldYield(1))
	assert.True(t, s.ShouldYield(2))
}

func TestTreeUnknownParentFallsBackToRoot(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(5, TreePrecedence(99, 16, false))
	s.RegisterStream(7, TreePrecedence(5, 16, false))
	s.UpdateStreamPrecedence(7, TreePrecedence(123, 16, false))

	requireChildren(t, s, RootStreamID, 5, 7)
	assert.Equal(t, uint64(2), s.Stats().UnknownParents)
	assert.Zero(t, s.Stats().Violations)
}

func TestTreeFlatPrecedenceMapsToRootChild(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, FlatPrecedence(0))
	s.RegisterStream(2, FlatPrecedence(7))
	assert.Equal(t, TreePrecedence(RootStreamID, MaxWeight, false), s.StreamPrecedence(1))
	assert.Equal(t, TreePrecedence(RootStreamID, MinWeight, false), s.StreamPrecedence(2))
}

func TestTreeLatestEventWithPrecedence(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 200, false))
	s.RegisterStream(2, TreePrecedence(RootStreamID, 50, false))
	s.RegisterStream(3, TreePrecedence(RootStreamID, 50, false))
	base := time.Unix(1700000000, 0)
	s.RecordStreamEventTime(1, base.Add(time.Second))
	s.RecordStreamEventTime(3, base.Add(5*time.Second))

	assert.True(t, s.LatestEventWithPrecedence(1).IsZero())
	assert.Equal(t, base.Add(time.Second), s.LatestEventWithPrecedence(2))
}

func TestTreePopReturnsPrecedence(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 42, false))
	s.MarkStreamReady(1, false)
	id, p := s.PopNextReadyStreamAndPrecedence()
	assert.Equal(t, StreamID(1), id)
	assert.Equal(t, TreePrecedence(RootStreamID, 42, true), p)
}

func TestTreeRootContractViolations(t *testing.T) {
	s := newStrictTree(t)
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))

	requireViolation(t, func() { s.UnregisterStream(RootStreamID) })
	requireViolation(t, func() { s.MarkStreamReady(RootStreamID, false) })
	requireViolation(t, func() { s.UpdateStreamPrecedence(RootStreamID, TreePrecedence(1, 16, false)) })
	requireViolation(t, func() { s.UpdateStreamPrecedence(1, TreePrecedence(1, 16, false)) })
	requireViolation(t, func() { s.RegisterStream(RootStreamID, TreePrecedence(1, 16, false)) })
}

func TestTreeStringShowsHierarchy(t *testing.T) {
	s := NewTreeScheduler(Options{})
	s.RegisterStream(1, TreePrecedence(RootStreamID, 16, false))
	s.RegisterStream(3, TreePrecedence(1, 8, false))
	s.MarkStreamReady(3, false)

	want := "http2 scheduler: 2 registered, 1 ready\n" +
		"0 weight=16 priority=1.0000\n" +
		"  1 weight=16 priority=1.0000\n" +
		"    3 weight=8 priority=1.0000 ready ordinal=0"
	assert.Equal(t, want, s.String())
}

// TestTreeRandomOperationsKeepInvariants drives the tree with a long random
// sequence of valid operations and validates the structure after each one.
func TestTreeRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := NewTreeScheduler(Options{Strict: true})
	var live []StreamID
	next := StreamID(1)

	pick := func() StreamID { return live[rng.IntN(len(live))] }
	parentFor := func(self StreamID) StreamID {
		switch r := rng.IntN(10); {
		case r == 0 || len(live) == 0:
			return RootStreamID
		case r == 1:
			return StreamID(100000 + rng.IntN(10))
		default:
			p := pick()
			if p == self {
				return RootStreamID
			}
			return p
		}
	}

	for step := 0; step < 3000; step++ {
		switch op := rng.IntN(10); {
		case op < 3 || len(live) == 0:
			id := next
			next++
			s.RegisterStream(id, TreePrecedence(parentFor(id), 1+rng.IntN(MaxWeight), rng.IntN(4) == 0))
			live = append(live, id)
		case op == 3:
			i := rng.IntN(len(live))
			s.UnregisterStream(live[i])
			live = append(live[:i], live[i+1:]...)
		case op == 4:
			id := pick()
			s.UpdateStreamPrecedence(id, TreePrecedence(parentFor(id), 1+rng.IntN(MaxWeight), rng.IntN(3) == 0))
		case op == 5 || op == 6:
			s.MarkStreamReady(pick(), rng.IntN(2) == 0)
		case op == 7:
			s.MarkStreamNotReady(pick())
		case op == 8:
			if s.HasReadyStreams() {
				id := s.PopNextReadyStream()
				require.False(t, s.IsStreamReady(id))
			}
		default:
			id := pick()
			if s.ShouldYield(id) {
				require.True(t, s.HasReadyStreams())
			}
		}

		require.NoError(t, s.Validate(), "step %d\n%s", step, s)
		require.Equal(t, len(live), s.NumRegisteredStreams())
	}
}
