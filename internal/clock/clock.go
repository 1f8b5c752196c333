package clock

import (
	"fmt"
	"sort"
	"strings"
)

// Node is the token that owns one counter of a VectorClock.
type Node string

// VectorClock represents a vector clock as a map from node token to counter.
// A VectorClock is never modified after construction.
type VectorClock map[Node]int64

// New creates a new empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	// Same indicates both clocks hold identical counters.
	Same Ordering = iota
	// Before indicates this clock happened before the other.
	Before
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates neither clock dominates the other.
	Concurrent
)

// String returns the string representation of the ordering.
func (o Ordering) String() string {
	switch o {
	case Same:
		return "Same"
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Increment returns a copy of the clock with the counter of node bumped by one.
// A node not present yet starts at 1.
func (vc VectorClock) Increment(node Node) VectorClock {
	next := vc.Copy()
	next[node]++
	return next
}

// Get returns the counter value for the given node, or 0 if not present.
func (vc VectorClock) Get(node Node) int64 {
	return vc[node]
}

// Merge returns the pointwise maximum of both clocks.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for node, counter := range other {
		if merged[node] < counter {
			merged[node] = counter
		}
	}
	return merged
}

// Prune returns a copy of the clock without the entry of node. Used once the
// node has left the cluster for good so clocks do not grow without bound.
func (vc VectorClock) Prune(node Node) VectorClock {
	if _, ok := vc[node]; !ok {
		return vc
	}
	pruned := make(VectorClock, len(vc)-1)
	for k, v := range vc {
		if k != node {
			pruned[k] = v
		}
	}
	return pruned
}

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	copy := make(VectorClock, len(vc)+1)
	for k, v := range vc {
		copy[k] = v
	}
	return copy
}

// Compare compares two vector clocks and returns their relationship.
//
// Both clocks are walked in sorted node order at the same time. A node missing
// on one side counts as 0 there. The running verdict only narrows, from Same
// to Before or After and from there to Concurrent, so the walk stops as soon
// as Concurrent is reached.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	ours, theirs := vc.sortedNodes(), other.sortedNodes()
	verdict := Same

	i, j := 0, 0
	for i < len(ours) || j < len(theirs) {
		var a, b int64
		switch {
		case j >= len(theirs) || (i < len(ours) && ours[i] < theirs[j]):
			a = vc[ours[i]]
			i++
		case i >= len(ours) || theirs[j] < ours[i]:
			b = other[theirs[j]]
			j++
		default:
			a, b = vc[ours[i]], other[theirs[j]]
			i++
			j++
		}

		verdict = narrow(verdict, a, b)
		if verdict == Concurrent {
			return Concurrent
		}
	}
	return verdict
}

func narrow(verdict Ordering, a, b int64) Ordering {
	switch {
	case a == b:
		return verdict
	case a < b:
		if verdict == After {
			return Concurrent
		}
		return Before
	default:
		if verdict == Before {
			return Concurrent
		}
		return After
	}
}

// IsBefore reports whether this clock happened strictly before other.
func (vc VectorClock) IsBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// IsAfter reports whether this clock happened strictly after other.
func (vc VectorClock) IsAfter(other VectorClock) bool {
	return vc.Compare(other) == After
}

// IsSameAs reports whether both clocks hold the same counters.
func (vc VectorClock) IsSameAs(other VectorClock) bool {
	return vc.Compare(other) == Same
}

// IsConcurrentWith reports whether neither clock dominates the other.
func (vc VectorClock) IsConcurrentWith(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Equal checks if two vector clocks hold exactly the same mapping.
func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for node, counter := range vc {
		c, ok := other[node]
		if !ok || c != counter {
			return false
		}
	}
	return true
}

// String returns a string representation of the vector clock.
func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}

	var parts []string
	for _, k := range vc.sortedNodes() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (vc VectorClock) sortedNodes() []Node {
	keys := make([]Node, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
