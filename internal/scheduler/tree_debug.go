package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const priorityEpsilon = 1e-9

// Validate checks the structural invariants of the tree: every stream has
// exactly one parent, the tree is acyclic and fully reachable from the root,
// child weight totals are exact, priorities match their parents, and the
// ready queue holds exactly the ready streams.
func (s *TreeScheduler) Validate() error {
	var errs []error
	seen := make(map[handle]bool, len(s.index))
	ready := 0

	stack := []handle{rootHandle}
	seen[rootHandle] = true
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := s.node(h)
		if !n.live {
			errs = append(errs, fmt.Errorf("stream %d: reachable but released", n.id))
			continue
		}
		if got, ok := s.index[n.id]; !ok || got != h {
			errs = append(errs, fmt.Errorf("stream %d: index does not point at its node", n.id))
		}
		if n.ready {
			ready++
			if qh, ok := s.queue.lookup(n.key()); !ok || qh != h {
				errs = append(errs, fmt.Errorf("stream %d: ready but not queued at its priority", n.id))
			}
		}

		total := 0
		for _, c := range n.children {
			child := s.node(c)
			if seen[c] {
				errs = append(errs, fmt.Errorf("stream %d: reached twice (cycle or shared child)", child.id))
				continue
			}
			seen[c] = true
			if child.parent != h {
				errs = append(errs, fmt.Errorf("stream %d: parent link does not match stream %d", child.id, n.id))
			}
			total += child.weight
			if child.weight < MinWeight || child.weight > MaxWeight {
				errs = append(errs, fmt.Errorf("stream %d: weight %d out of range", child.id, child.weight))
			}
			if n.totalChildWeight > 0 {
				want := n.priority * float64(child.weight) / float64(n.totalChildWeight)
				if math.Abs(child.priority-want) > priorityEpsilon {
					errs = append(errs, fmt.Errorf("stream %d: priority %g, want %g", child.id, child.priority, want))
				}
			}
			stack = append(stack, c)
		}
		if total != n.totalChildWeight {
			errs = append(errs, fmt.Errorf("stream %d: total child weight %d, children sum to %d", n.id, n.totalChildWeight, total))
		}
	}

	if len(seen) != len(s.index) {
		errs = append(errs, fmt.Errorf("%d streams registered, %d reachable from root", len(s.index), len(seen)))
	}
	if ready != s.queue.len() {
		errs = append(errs, fmt.Errorf("%d ready streams, %d queued", ready, s.queue.len()))
	}
	return errors.Join(errs...)
}

// String renders the tree, one stream per line, indented by depth.
func (s *TreeScheduler) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "http2 scheduler: %d registered, %d ready\n", s.NumRegisteredStreams(), s.queue.len())
	var walk func(h handle, depth int)
	walk = func(h handle, depth int) {
		n := s.node(h)
		fmt.Fprintf(&b, "%s%d weight=%d priority=%.4f", strings.Repeat("  ", depth), n.id, n.weight, n.priority)
		if n.ready {
			fmt.Fprintf(&b, " ready ordinal=%d", n.ordinal)
		}
		b.WriteByte('\n')
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(rootHandle, 0)
	return strings.TrimSuffix(b.String(), "\n")
}
