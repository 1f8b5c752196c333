package heartbeat

import (
	"cmp"
	"hash/fnv"
	"slices"

	"membership/internal/member"
)

// Ring decides which nodes each node sends heartbeats to. Nodes are placed on
// a hash ring so that a node's receivers are spread over the cluster instead
// of being its address neighbours.
//
// A Ring is immutable; Add, Remove, Unreachable and Reachable return a new one.
type Ring struct {
	self        member.UniqueAddress
	nodes       map[member.UniqueAddress]struct{}
	unreachable map[member.UniqueAddress]struct{}
	monitoredBy int

	// order holds nodes sorted by position on the ring.
	order       []member.UniqueAddress
	myReceivers []member.UniqueAddress
}

type position struct {
	hash uint32
	node member.UniqueAddress
}

// NewRing builds the ring of nodes plus self. monitoredBy is the number of
// reachable nodes that should monitor each node.
func NewRing(self member.UniqueAddress, nodes, unreachable []member.UniqueAddress, monitoredBy int) *Ring {
	ns := make(map[member.UniqueAddress]struct{}, len(nodes)+1)
	for _, n := range nodes {
		ns[n] = struct{}{}
	}
	ns[self] = struct{}{}
	us := make(map[member.UniqueAddress]struct{}, len(unreachable))
	for _, n := range unreachable {
		us[n] = struct{}{}
	}
	return build(self, ns, us, monitoredBy)
}

func build(self member.UniqueAddress, nodes, unreachable map[member.UniqueAddress]struct{}, monitoredBy int) *Ring {
	positions := make([]position, 0, len(nodes))
	for n := range nodes {
		positions = append(positions, position{hash: hashString(n.String()), node: n})
	}
	// Sort by hash; equal hashes fall back to address order.
	slices.SortFunc(positions, func(a, b position) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return a.node.Compare(b.node)
	})
	order := make([]member.UniqueAddress, len(positions))
	for i, p := range positions {
		order[i] = p.node
	}

	r := &Ring{
		self:        self,
		nodes:       nodes,
		unreachable: unreachable,
		monitoredBy: monitoredBy,
		order:       order,
	}
	r.myReceivers = r.Receivers(self)
	return r
}

// Self returns the node the ring was built for.
func (r *Ring) Self() member.UniqueAddress { return r.self }

// Nodes returns every node on the ring in ring order.
func (r *Ring) Nodes() []member.UniqueAddress {
	return slices.Clone(r.order)
}

// Contains reports whether node is on the ring.
func (r *Ring) Contains(node member.UniqueAddress) bool {
	_, ok := r.nodes[node]
	return ok
}

// IsUnreachable reports whether node is marked unreachable.
func (r *Ring) IsUnreachable(node member.UniqueAddress) bool {
	_, ok := r.unreachable[node]
	return ok
}

// MyReceivers returns the receivers of self.
func (r *Ring) MyReceivers() []member.UniqueAddress {
	return slices.Clone(r.myReceivers)
}

// Receivers returns the nodes that sender heartbeats, in ring order.
//
// The walk starts right after sender and wraps around. It stops once
// monitoredBy reachable nodes were taken. Unreachable nodes passed on the
// way are included without counting, as long as fewer than monitoredBy nodes
// were collected; this keeps some monitoring on nodes that went down together.
// When monitoredBy covers every other node, all of them are receivers.
func (r *Ring) Receivers(sender member.UniqueAddress) []member.UniqueAddress {
	if r.monitoredBy >= len(r.order)-1 {
		out := make([]member.UniqueAddress, 0, len(r.order))
		for _, n := range r.order {
			if n != sender {
				out = append(out, n)
			}
		}
		return out
	}
	if len(r.order) == 0 || r.monitoredBy <= 0 {
		return nil
	}

	start, found := r.indexOf(sender)
	if found {
		start++
	}

	result := make([]member.UniqueAddress, 0, r.monitoredBy)
	remaining := r.monitoredBy

	// Walk forward from sender and wrap around
	for i := 0; i < len(r.order) && remaining > 0; i++ {
		next := r.order[(start+i)%len(r.order)]
		if next == sender {
			continue
		}
		_, unreachable := r.unreachable[next]
		switch {
		case unreachable && len(result) >= r.monitoredBy:
			// enough nodes collected, skip
		case unreachable:
			result = append(result, next)
		default:
			result = append(result, next)
			remaining--
		}
	}
	return result
}

// indexOf returns the ring position of node, or the position it would take.
func (r *Ring) indexOf(node member.UniqueAddress) (int, bool) {
	target := position{hash: hashString(node.String()), node: node}
	return slices.BinarySearchFunc(r.order, target, func(n member.UniqueAddress, t position) int {
		if c := cmp.Compare(hashString(n.String()), t.hash); c != 0 {
			return c
		}
		return n.Compare(t.node)
	})
}

// Add returns the ring with node added.
func (r *Ring) Add(node member.UniqueAddress) *Ring {
	if r.Contains(node) {
		return r
	}
	nodes := copySet(r.nodes)
	nodes[node] = struct{}{}
	return build(r.self, nodes, r.unreachable, r.monitoredBy)
}

// Remove returns the ring without node, also forgetting that it was unreachable.
func (r *Ring) Remove(node member.UniqueAddress) *Ring {
	if !r.Contains(node) && !r.IsUnreachable(node) {
		return r
	}
	nodes := copySet(r.nodes)
	delete(nodes, node)
	unreachable := copySet(r.unreachable)
	delete(unreachable, node)
	return build(r.self, nodes, unreachable, r.monitoredBy)
}

// Unreachable returns the ring with node marked unreachable.
func (r *Ring) Unreachable(node member.UniqueAddress) *Ring {
	if r.IsUnreachable(node) {
		return r
	}
	unreachable := copySet(r.unreachable)
	unreachable[node] = struct{}{}
	return build(r.self, r.nodes, unreachable, r.monitoredBy)
}

// Reachable returns the ring with node no longer marked unreachable.
func (r *Ring) Reachable(node member.UniqueAddress) *Ring {
	if !r.IsUnreachable(node) {
		return r
	}
	unreachable := copySet(r.unreachable)
	delete(unreachable, node)
	return build(r.self, r.nodes, unreachable, r.monitoredBy)
}

func copySet(s map[member.UniqueAddress]struct{}) map[member.UniqueAddress]struct{} {
	out := make(map[member.UniqueAddress]struct{}, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// hashString computes a 32-bit FNV-1a hash of the string.
func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
