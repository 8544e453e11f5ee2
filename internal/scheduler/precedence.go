package scheduler

import "fmt"

// StreamID identifies a logical stream multiplexed over one connection.
type StreamID uint64

const (
	// RootStreamID is the implicit root of the dependency tree.
	RootStreamID StreamID = 0

	// HighestPriority and LowestPriority bound the flat priority levels.
	HighestPriority = 0
	LowestPriority  = 7

	// MinWeight, MaxWeight and DefaultWeight bound dependency tree weights.
	MinWeight     = 1
	MaxWeight     = 256
	DefaultWeight = 16
)

// Precedence is either a flat priority level or a position in the dependency
// tree. The zero value is the highest flat priority.
type Precedence struct {
	tree      bool
	priority  uint8
	parent    StreamID
	weight    int
	exclusive bool
}

// FlatPrecedence returns a flat precedence, clamping priority to
// [HighestPriority, LowestPriority].
func FlatPrecedence(priority int) Precedence {
	return Precedence{priority: uint8(ClampPriority(priority))}
}

// TreePrecedence returns a dependency-tree precedence, clamping weight to
// [MinWeight, MaxWeight].
func TreePrecedence(parent StreamID, weight int, exclusive bool) Precedence {
	return Precedence{
		tree:      true,
		parent:    parent,
		weight:    ClampWeight(weight),
		exclusive: exclusive,
	}
}

// IsFlat reports whether p carries a flat priority level.
func (p Precedence) IsFlat() bool {
	return !p.tree
}

// Priority returns the flat level. Tree precedences are converted from their weight.
func (p Precedence) Priority() int {
	if p.tree {
		return WeightToPriority(p.weight)
	}
	return int(p.priority)
}

// ParentID returns the parent stream, or RootStreamID for flat precedences.
func (p Precedence) ParentID() StreamID {
	if p.tree {
		return p.parent
	}
	return RootStreamID
}

// Weight returns the tree weight. Flat precedences are converted from their level.
func (p Precedence) Weight() int {
	if p.tree {
		return p.weight
	}
	return PriorityToWeight(int(p.priority))
}

// Exclusive reports the exclusive dependency flag. Always false for flat precedences.
func (p Precedence) Exclusive() bool {
	return p.tree && p.exclusive
}

func (p Precedence) String() string {
	if p.tree {
		return fmt.Sprintf("tree(parent=%d weight=%d exclusive=%t)", p.parent, p.weight, p.exclusive)
	}
	return fmt.Sprintf("flat(%d)", p.priority)
}

// ClampPriority bounds a flat priority level to [HighestPriority, LowestPriority].
func ClampPriority(priority int) int {
	if priority < HighestPriority {
		return HighestPriority
	}
	if priority > LowestPriority {
		return LowestPriority
	}
	return priority
}

// ClampWeight bounds a tree weight to [MinWeight, MaxWeight].
func ClampWeight(weight int) int {
	if weight < MinWeight {
		return MinWeight
	}
	if weight > MaxWeight {
		return MaxWeight
	}
	return weight
}

// weightStep spreads the 8 flat levels over the weight range. 255.9 keeps the
// highest level at MaxWeight after truncation.
const weightStep = 255.9 / 7.0

// PriorityToWeight maps a flat level onto the weight range: level 0 becomes
// MaxWeight and level 7 becomes MinWeight.
func PriorityToWeight(priority int) int {
	priority = ClampPriority(priority)
	return int(weightStep*float64(LowestPriority-priority)) + 1
}

// WeightToPriority is the inverse of PriorityToWeight.
func WeightToPriority(weight int) int {
	weight = ClampWeight(weight)
	return ClampPriority(int(float64(LowestPriority) - float64(weight-1)/weightStep))
}
