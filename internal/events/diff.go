package events

import (
	"slices"

	"membership/internal/gossip"
	"membership/internal/member"
)

// Diff returns every event between two views of the same node. Each group is
// computed independently; equal snapshots produce no events.
func Diff(oldState, newState *gossip.MembershipState) []ClusterEvent {
	var out []ClusterEvent
	for _, e := range DiffMemberEvents(oldState, newState) {
		out = append(out, e)
	}
	for _, e := range DiffUnreachable(oldState, newState) {
		out = append(out, e)
	}
	for _, e := range DiffReachable(oldState, newState) {
		out = append(out, e)
	}
	if e, ok := DiffLeader(oldState, newState); ok {
		out = append(out, e)
	}
	for _, e := range DiffRolesLeader(oldState, newState) {
		out = append(out, e)
	}
	if e, ok := DiffSeen(oldState, newState); ok {
		out = append(out, e)
	}
	if e, ok := DiffReachability(oldState, newState); ok {
		out = append(out, e)
	}
	return out
}

// DiffMemberEvents reports new members, members whose status or upNumber
// changed, and members that were removed, in address order.
func DiffMemberEvents(oldState, newState *gossip.MembershipState) []MemberEvent {
	oldGossip, newGossip := oldState.Gossip(), newState.Gossip()
	if oldGossip == newGossip {
		return nil
	}

	var out []MemberEvent
	for _, m := range newGossip.Members() {
		prev, existed := oldGossip.Member(m.UniqueAddress)
		if existed && prev.Status == m.Status && prev.UpNumber == m.UpNumber {
			continue
		}
		if e, ok := memberEvent(m); ok {
			out = append(out, e)
		}
	}

	var removed []MemberEvent
	for _, m := range oldGossip.Members() {
		if newGossip.HasMember(m.UniqueAddress) {
			continue
		}
		gone := m
		gone.Status = member.Removed
		removed = append(removed, MemberRemoved{Member: gone, PreviousStatus: m.Status})
	}

	out = append(out, removed...)
	slices.SortStableFunc(out, func(a, b MemberEvent) int {
		return a.EventMember().UniqueAddress.Compare(b.EventMember().UniqueAddress)
	})
	return out
}

func unreachableSet(s *gossip.MembershipState) map[member.UniqueAddress]struct{} {
	nodes := s.DCReachabilityNoOutsideNodes().AllUnreachableOrTerminated()
	set := make(map[member.UniqueAddress]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return set
}

// DiffUnreachable reports members of the local data center that became
// unreachable. The local node never reports itself.
func DiffUnreachable(oldState, newState *gossip.MembershipState) []UnreachableMember {
	if oldState.Gossip() == newState.Gossip() {
		return nil
	}
	was := unreachableSet(oldState)
	var out []UnreachableMember
	for _, n := range newState.DCReachabilityNoOutsideNodes().AllUnreachableOrTerminated() {
		if _, ok := was[n]; ok || n == newState.Self() {
			continue
		}
		if m, ok := newState.Gossip().Member(n); ok {
			out = append(out, UnreachableMember{Member: m})
		}
	}
	return out
}

// DiffReachable reports members of the local data center that are reachable
// again and still members.
func DiffReachable(oldState, newState *gossip.MembershipState) []ReachableMember {
	if oldState.Gossip() == newState.Gossip() {
		return nil
	}
	now := unreachableSet(newState)
	var out []ReachableMember
	for _, n := range oldState.DCReachabilityNoOutsideNodes().AllUnreachableOrTerminated() {
		if _, ok := now[n]; ok || n == newState.Self() {
			continue
		}
		if m, ok := newState.Gossip().Member(n); ok {
			out = append(out, ReachableMember{Member: m})
		}
	}
	return out
}

// DiffLeader reports a change of the data center leader.
func DiffLeader(oldState, newState *gossip.MembershipState) (LeaderChanged, bool) {
	oldLeader, _ := oldState.Leader()
	newLeader, _ := newState.Leader()
	if oldLeader == newLeader {
		return LeaderChanged{}, false
	}
	return LeaderChanged{Leader: newLeader}, true
}

// DiffRolesLeader reports every role whose leader changed, sorted by role.
func DiffRolesLeader(oldState, newState *gossip.MembershipState) []RoleLeaderChanged {
	roles := append(oldState.Gossip().AllRoles(), newState.Gossip().AllRoles()...)
	slices.Sort(roles)
	roles = slices.Compact(roles)

	var out []RoleLeaderChanged
	for _, role := range roles {
		oldLeader, _ := oldState.RoleLeader(role)
		newLeader, _ := newState.RoleLeader(role)
		if oldLeader != newLeader {
			out = append(out, RoleLeaderChanged{Role: role, Leader: newLeader})
		}
	}
	return out
}

// DiffSeen reports a change of the seen set or of convergence.
func DiffSeen(oldState, newState *gossip.MembershipState) (SeenChanged, bool) {
	if oldState.Gossip() == newState.Gossip() {
		return SeenChanged{}, false
	}
	oldSeen, newSeen := oldState.Gossip().SeenBy(), newState.Gossip().SeenBy()
	if oldState.Convergence() == newState.Convergence() && slices.Equal(oldSeen, newSeen) {
		return SeenChanged{}, false
	}
	return SeenChanged{Convergence: newState.Convergence(), SeenBy: newSeen}, true
}

// DiffReachability reports a change of the reachability ledger.
func DiffReachability(oldState, newState *gossip.MembershipState) (ReachabilityChanged, bool) {
	oldReach, newReach := oldState.Gossip().Reachability(), newState.Gossip().Reachability()
	if oldReach.Equal(newReach) {
		return ReachabilityChanged{}, false
	}
	return ReachabilityChanged{Reachability: newReach}, true
}
