package gossip

import (
	"slices"
	"sync"

	"membership/internal/member"
	"membership/internal/reachability"
)

// MembershipState is a Gossip seen from one node in one data center. Derived
// views are computed on first use and cached; a new Gossip requires a new
// MembershipState.
type MembershipState struct {
	gossip *Gossip
	self   member.UniqueAddress
	selfDC string

	dcReachOnce sync.Once
	dcReach     *reachability.Reachability

	dcReachExclOnce sync.Once
	dcReachExcl     *reachability.Reachability

	dcReachNoOutsideOnce sync.Once
	dcReachNoOutside     *reachability.Reachability

	leaderOnce sync.Once
	leader     member.UniqueAddress
	hasLeader  bool

	convergenceOnce sync.Once
	convergence     bool
}

// NewMembershipState binds g to the perspective of self in selfDC.
func NewMembershipState(g *Gossip, self member.UniqueAddress, selfDC string) *MembershipState {
	if g == nil {
		g = Empty()
	}
	if selfDC == "" {
		selfDC = member.DefaultDataCenter
	}
	return &MembershipState{gossip: g, self: self, selfDC: selfDC}
}

// WithGossip returns a fresh state for the same node over g.
func (s *MembershipState) WithGossip(g *Gossip) *MembershipState {
	return NewMembershipState(g, s.self, s.selfDC)
}

func (s *MembershipState) Gossip() *Gossip { return s.gossip }

func (s *MembershipState) Self() member.UniqueAddress { return s.self }

func (s *MembershipState) SelfDC() string { return s.selfDC }

// SelfMember returns the local node's view of itself.
func (s *MembershipState) SelfMember() (member.Member, bool) {
	return s.gossip.Member(s.self)
}

// Members returns all members in address order.
func (s *MembershipState) Members() []member.Member {
	return s.gossip.Members()
}

// DCMembers returns the members of the local data center in address order.
func (s *MembershipState) DCMembers() []member.Member {
	return s.membersWhere(func(m member.Member) bool { return m.DataCenter() == s.selfDC })
}

func (s *MembershipState) membersWhere(keep func(member.Member) bool) []member.Member {
	var out []member.Member
	for _, m := range s.gossip.Members() {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func addresses(members []member.Member) []member.UniqueAddress {
	out := make([]member.UniqueAddress, len(members))
	for i, m := range members {
		out[i] = m.UniqueAddress
	}
	return out
}

// DCReachability only takes observations made inside the local data center.
func (s *MembershipState) DCReachability() *reachability.Reachability {
	s.dcReachOnce.Do(func() {
		outside := s.membersWhere(func(m member.Member) bool { return m.DataCenter() != s.selfDC })
		s.dcReach = s.gossip.Reachability().RemoveObservers(addresses(outside)...)
	})
	return s.dcReach
}

// DCReachabilityExcludingDownedObservers only covers members of the local
// data center observed by members of the local data center that are not Down.
func (s *MembershipState) DCReachabilityExcludingDownedObservers() *reachability.Reachability {
	s.dcReachExclOnce.Do(func() {
		outside := addresses(s.membersWhere(func(m member.Member) bool { return m.DataCenter() != s.selfDC }))
		downInside := addresses(s.membersWhere(func(m member.Member) bool {
			return m.DataCenter() == s.selfDC && m.Status == member.Down
		}))
		observers := append(slices.Clone(outside), downInside...)
		s.dcReachExcl = s.gossip.Reachability().RemoveObservers(observers...).Remove(outside...)
	})
	return s.dcReachExcl
}

// DCReachabilityNoOutsideNodes drops every record that involves a member of
// another data center, as observer or as subject.
func (s *MembershipState) DCReachabilityNoOutsideNodes() *reachability.Reachability {
	s.dcReachNoOutsideOnce.Do(func() {
		outside := s.membersWhere(func(m member.Member) bool { return m.DataCenter() != s.selfDC })
		s.dcReachNoOutside = s.gossip.Reachability().Remove(addresses(outside)...)
	})
	return s.dcReachNoOutside
}

// Leader returns the leader of the local data center, if there is one.
func (s *MembershipState) Leader() (member.UniqueAddress, bool) {
	s.leaderOnce.Do(func() {
		s.leader, s.hasLeader = s.leaderOf(s.gossip.Members())
	})
	return s.leader, s.hasLeader
}

// IsLeader reports whether node leads the local data center.
func (s *MembershipState) IsLeader(node member.UniqueAddress) bool {
	l, ok := s.Leader()
	return ok && l == node
}

// RoleLeader returns the leader among members with role.
func (s *MembershipState) RoleLeader(role string) (member.UniqueAddress, bool) {
	return s.leaderOf(s.membersWhere(func(m member.Member) bool { return m.HasRole(role) }))
}

// leaderOf picks, among the reachable non-Down members of the local data
// center (self always counts as reachable), the first Up or Leaving member in
// address order, or else the first member in leader-status order.
func (s *MembershipState) leaderOf(members []member.Member) (member.UniqueAddress, bool) {
	reach := s.DCReachability()
	allReachable := reach.IsAllReachable()

	candidates := make([]member.Member, 0, len(members))
	for _, m := range members {
		if m.DataCenter() != s.selfDC || m.Status == member.Down {
			continue
		}
		if allReachable || m.UniqueAddress == s.self || reach.IsReachable(m.UniqueAddress) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return member.UniqueAddress{}, false
	}
	for _, m := range candidates {
		if m.Status == member.Up || m.Status == member.Leaving {
			return m.UniqueAddress, true
		}
	}
	return slices.MinFunc(candidates, member.CompareLeaderStatus).UniqueAddress, true
}

// Convergence reports whether every Up or Leaving member of the local data
// center has seen the current version and every member that some in-DC
// observer reports unreachable (other than self) is already Down or Exiting.
func (s *MembershipState) Convergence() bool {
	s.convergenceOnce.Do(func() {
		s.convergence = s.computeConvergence()
	})
	return s.convergence
}

func (s *MembershipState) computeConvergence() bool {
	for _, m := range s.DCMembers() {
		if (m.Status == member.Up || m.Status == member.Leaving) && !s.gossip.SeenByNode(m.UniqueAddress) {
			return false
		}
	}
	for _, n := range s.DCReachabilityExcludingDownedObservers().AllUnreachableOrTerminated() {
		if n == s.self {
			continue
		}
		m, ok := s.gossip.Member(n)
		if ok && !member.RemovedByPeer(m.Status) {
			return false
		}
	}
	return true
}

// IsReachableExcludingDownedObservers reports whether node is a member that
// no live member considers unreachable.
func (s *MembershipState) IsReachableExcludingDownedObservers(node member.UniqueAddress) bool {
	if !s.gossip.HasMember(node) {
		return false
	}
	return s.gossip.ReachabilityExcludingDownedObservers().IsReachable(node)
}

// ValidNodeForGossip reports whether gossip may be sent to node: it is not
// self, and either it is an in-DC member nobody alive marks unreachable or
// self has not marked it unreachable.
func (s *MembershipState) ValidNodeForGossip(node member.UniqueAddress) bool {
	if node == s.self {
		return false
	}
	m, ok := s.gossip.Member(node)
	if !ok {
		return false
	}
	if m.DataCenter() == s.selfDC && s.IsReachableExcludingDownedObservers(node) {
		return true
	}
	return s.gossip.Reachability().IsReachableFrom(s.self, node)
}

// UnreachableMembers returns in-DC members that some in-DC observer reports
// unreachable or terminated, in address order. Self is never included.
func (s *MembershipState) UnreachableMembers() []member.Member {
	unreachable := s.DCReachabilityNoOutsideNodes().AllUnreachableOrTerminated()
	out := make([]member.Member, 0, len(unreachable))
	for _, n := range unreachable {
		if n == s.self {
			continue
		}
		if m, ok := s.gossip.Member(n); ok {
			out = append(out, m)
		}
	}
	return out
}

// YoungestUpNumber returns the highest upNumber in use, treating the
// placeholder for members that never reached Up as zero.
func (s *MembershipState) YoungestUpNumber() int {
	youngest := 0
	for _, m := range s.gossip.Members() {
		if m.UpNumber == member.NotUp {
			continue
		}
		if m.UpNumber > youngest {
			youngest = m.UpNumber
		}
	}
	return youngest
}
