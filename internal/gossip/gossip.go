package gossip

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"membership/internal/clock"
	"membership/internal/member"
	"membership/internal/reachability"
)

// ErrInvariant is wrapped by every consistency violation found by
// CheckInvariants.
var ErrInvariant = errors.New("gossip invariant violated")

// Gossip is an immutable membership snapshot versioned by a vector clock.
//
// Members are kept in a flat table keyed by UniqueAddress; order holds the
// same keys in address order for stable iteration. No member in the table has
// status Removed, and every node referenced by seen or the reachability
// ledger is a member.
type Gossip struct {
	members map[member.UniqueAddress]member.Member
	order   []member.UniqueAddress
	seen    map[member.UniqueAddress]struct{}
	reach   *reachability.Reachability
	version clock.VectorClock
}

var empty = &Gossip{
	members: map[member.UniqueAddress]member.Member{},
	seen:    map[member.UniqueAddress]struct{}{},
	reach:   reachability.Empty(),
	version: clock.New(),
}

// Empty returns the snapshot a node starts with.
func Empty() *Gossip {
	return empty
}

// New assembles a snapshot from its parts, e.g. after decoding it from the wire.
func New(members []member.Member, seen []member.UniqueAddress, reach *reachability.Reachability, version clock.VectorClock) *Gossip {
	if reach == nil {
		reach = reachability.Empty()
	}
	if version == nil {
		version = clock.New()
	}
	table := make(map[member.UniqueAddress]member.Member, len(members))
	for _, m := range members {
		table[m.UniqueAddress] = m
	}
	seenSet := make(map[member.UniqueAddress]struct{}, len(seen))
	for _, n := range seen {
		seenSet[n] = struct{}{}
	}
	return build(table, seenSet, reach, version)
}

// build takes ownership of its arguments.
func build(members map[member.UniqueAddress]member.Member, seen map[member.UniqueAddress]struct{}, reach *reachability.Reachability, version clock.VectorClock) *Gossip {
	order := make([]member.UniqueAddress, 0, len(members))
	for n := range members {
		order = append(order, n)
	}
	slices.SortFunc(order, member.UniqueAddress.Compare)
	return &Gossip{members: members, order: order, seen: seen, reach: reach, version: version}
}

func (g *Gossip) with(members map[member.UniqueAddress]member.Member, seen map[member.UniqueAddress]struct{}, reach *reachability.Reachability, version clock.VectorClock) *Gossip {
	if members == nil {
		return &Gossip{members: g.members, order: g.order, seen: seen, reach: reach, version: version}
	}
	return build(members, seen, reach, version)
}

func (g *Gossip) copyMembers() map[member.UniqueAddress]member.Member {
	out := make(map[member.UniqueAddress]member.Member, len(g.members)+1)
	for k, v := range g.members {
		out[k] = v
	}
	return out
}

func (g *Gossip) copySeen() map[member.UniqueAddress]struct{} {
	out := make(map[member.UniqueAddress]struct{}, len(g.seen)+1)
	for k := range g.seen {
		out[k] = struct{}{}
	}
	return out
}

// Members returns the members in address order.
func (g *Gossip) Members() []member.Member {
	out := make([]member.Member, 0, len(g.order))
	for _, n := range g.order {
		out = append(out, g.members[n])
	}
	return out
}

// Member looks up a member by its unique address.
func (g *Gossip) Member(node member.UniqueAddress) (member.Member, bool) {
	m, ok := g.members[node]
	return m, ok
}

// MemberByAddress finds the member bound to addr, ignoring the incarnation.
func (g *Gossip) MemberByAddress(addr member.Address) (member.Member, bool) {
	for _, n := range g.order {
		if n.Address == addr {
			return g.members[n], true
		}
	}
	return member.Member{}, false
}

// HasMember reports whether node is part of the snapshot.
func (g *Gossip) HasMember(node member.UniqueAddress) bool {
	_, ok := g.members[node]
	return ok
}

// IsEmpty reports whether the snapshot has no members.
func (g *Gossip) IsEmpty() bool {
	return len(g.members) == 0
}

// IsSingletonCluster reports whether the snapshot has exactly one member.
func (g *Gossip) IsSingletonCluster() bool {
	return len(g.members) == 1
}

// Version returns the snapshot's vector clock.
func (g *Gossip) Version() clock.VectorClock {
	return g.version
}

// Reachability returns the failure ledger.
func (g *Gossip) Reachability() *reachability.Reachability {
	return g.reach
}

// Overview returns the seen set and the reachability ledger.
func (g *Gossip) Overview() Overview {
	return Overview{Seen: g.SeenBy(), Reachability: g.reach}
}

// Increment stamps a local change with node's clock token.
func (g *Gossip) Increment(node clock.Node) *Gossip {
	return g.with(nil, g.seen, g.reach, g.version.Increment(node))
}

// Prune drops node's entry from the vector clock.
func (g *Gossip) Prune(node clock.Node) *Gossip {
	pruned := g.version.Prune(node)
	if len(pruned) == len(g.version) {
		return g
	}
	return g.with(nil, g.seen, g.reach, pruned)
}

// Seen marks the current version as observed by node.
func (g *Gossip) Seen(node member.UniqueAddress) *Gossip {
	if g.SeenByNode(node) {
		return g
	}
	seen := g.copySeen()
	seen[node] = struct{}{}
	return g.with(nil, seen, g.reach, g.version)
}

// OnlySeen resets the seen set to node alone.
func (g *Gossip) OnlySeen(node member.UniqueAddress) *Gossip {
	return g.with(nil, map[member.UniqueAddress]struct{}{node: {}}, g.reach, g.version)
}

// ClearSeen empties the seen set.
func (g *Gossip) ClearSeen() *Gossip {
	return g.with(nil, map[member.UniqueAddress]struct{}{}, g.reach, g.version)
}

// SeenByNode reports whether node has observed the current version.
func (g *Gossip) SeenByNode(node member.UniqueAddress) bool {
	_, ok := g.seen[node]
	return ok
}

// SeenBy returns the nodes that observed the current version, in address order.
func (g *Gossip) SeenBy() []member.UniqueAddress {
	out := make([]member.UniqueAddress, 0, len(g.seen))
	for n := range g.seen {
		out = append(out, n)
	}
	slices.SortFunc(out, member.UniqueAddress.Compare)
	return out
}

// MergeSeen unions the seen sets of two snapshots of the same version.
func (g *Gossip) MergeSeen(that *Gossip) *Gossip {
	seen := g.copySeen()
	for n := range that.seen {
		seen[n] = struct{}{}
	}
	return g.with(nil, seen, g.reach, g.version)
}

// WithReachability replaces the failure ledger.
func (g *Gossip) WithReachability(r *reachability.Reachability) *Gossip {
	return g.with(nil, g.seen, r, g.version)
}

// Update adds members or replaces the existing view of them.
func (g *Gossip) Update(updated ...member.Member) *Gossip {
	if len(updated) == 0 {
		return g
	}
	members := g.copyMembers()
	for _, m := range updated {
		members[m.UniqueAddress] = m
	}
	return g.with(members, g.seen, g.reach, g.version)
}

// Remove drops node from members, seen, reachability and the vector clock.
func (g *Gossip) Remove(node member.UniqueAddress) *Gossip {
	members := g.copyMembers()
	delete(members, node)
	seen := g.copySeen()
	delete(seen, node)
	return g.with(members, seen, g.reach.Remove(node), g.version.Prune(node.VClockNode()))
}

// MarkAsDown moves m to Down and forgets that it has seen this version.
func (g *Gossip) MarkAsDown(m member.Member) (*Gossip, error) {
	down, err := m.Copy(member.Down)
	if err != nil {
		return g, err
	}
	seen := g.copySeen()
	delete(seen, m.UniqueAddress)
	members := g.copyMembers()
	members[m.UniqueAddress] = down
	return g.with(members, seen, g.reach, g.version), nil
}

// Merge reconciles two concurrent snapshots: clocks take the pointwise max,
// members the highest priority view, reachability the newer row set per
// observer among surviving members, and nobody has seen the result yet.
func (g *Gossip) Merge(that *Gossip) *Gossip {
	version := g.version.Merge(that.version)

	merged := member.PickHighestPriority(g.Members(), that.Members())
	members := make(map[member.UniqueAddress]member.Member, len(merged))
	allowed := make(map[member.UniqueAddress]struct{}, len(merged))
	for _, m := range merged {
		members[m.UniqueAddress] = m
		allowed[m.UniqueAddress] = struct{}{}
	}

	reach := g.reach.Merge(allowed, that.reach)
	return build(members, map[member.UniqueAddress]struct{}{}, reach, version)
}

// ReachabilityExcludingDownedObservers ignores observations made by Down members.
func (g *Gossip) ReachabilityExcludingDownedObservers() *reachability.Reachability {
	var downed []member.UniqueAddress
	for _, n := range g.order {
		if g.members[n].Status == member.Down {
			downed = append(downed, n)
		}
	}
	return g.reach.RemoveObservers(downed...)
}

// AllRoles returns every role carried by some member, sorted.
func (g *Gossip) AllRoles() []string {
	set := make(map[string]struct{})
	for _, m := range g.members {
		for _, r := range m.Roles {
			set[r] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// AllDataCenters returns the data centers of all members, sorted.
func (g *Gossip) AllDataCenters() []string {
	set := make(map[string]struct{})
	for _, m := range g.members {
		set[m.DataCenter()] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for dc := range set {
		out = append(out, dc)
	}
	slices.Sort(out)
	return out
}

// CheckInvariants verifies the structural invariants of the snapshot.
func (g *Gossip) CheckInvariants() error {
	for _, n := range g.order {
		if m := g.members[n]; m.Status == member.Removed {
			return fmt.Errorf("%w: live member %s has status Removed", ErrInvariant, n)
		}
	}
	for _, n := range g.reach.AllObservers() {
		if !g.HasMember(n) {
			return fmt.Errorf("%w: observer %s in reachability is not a member", ErrInvariant, n)
		}
	}
	for n := range g.reach.Versions() {
		if !g.HasMember(n) {
			return fmt.Errorf("%w: reachability version of %s who is not a member", ErrInvariant, n)
		}
	}
	for _, rec := range g.reach.Records() {
		if !g.HasMember(rec.Subject) {
			return fmt.Errorf("%w: subject %s in reachability is not a member", ErrInvariant, rec.Subject)
		}
	}
	for n := range g.seen {
		if !g.HasMember(n) {
			return fmt.Errorf("%w: %s has seen the gossip but is not a member", ErrInvariant, n)
		}
	}
	return nil
}

// SameContent reports whether both snapshots hold the same members (with
// status, upNumber and roles), reachability, seen set and version.
func (g *Gossip) SameContent(that *Gossip) bool {
	if g == that {
		return true
	}
	if len(g.members) != len(that.members) || len(g.seen) != len(that.seen) {
		return false
	}
	for n, m := range g.members {
		o, ok := that.members[n]
		if !ok || o.Status != m.Status || o.UpNumber != m.UpNumber || !slices.Equal(o.Roles, m.Roles) {
			return false
		}
	}
	for n := range g.seen {
		if !that.SeenByNode(n) {
			return false
		}
	}
	return g.reach.Equal(that.reach) && g.version.Equal(that.version)
}

func (g *Gossip) String() string {
	parts := make([]string, 0, len(g.order))
	for _, n := range g.order {
		m := g.members[n]
		parts = append(parts, fmt.Sprintf("%s:%s", n, m.Status))
	}
	return fmt.Sprintf("Gossip(members=[%s], seen=%d, version=%s)", strings.Join(parts, ", "), len(g.seen), g.version)
}

// Overview is the part of the snapshot that describes who observed what.
type Overview struct {
	Seen         []member.UniqueAddress
	Reachability *reachability.Reachability
}
