package events

import (
	"fmt"

	"membership/internal/member"
	"membership/internal/reachability"
)

// ClusterEvent is published whenever the local view of the cluster changes.
type ClusterEvent interface {
	isClusterEvent()
}

// MemberEvent is a change of one member's status.
type MemberEvent interface {
	ClusterEvent
	EventMember() member.Member
}

// MemberJoined is published when a member is first seen Joining.
type MemberJoined struct{ Member member.Member }

// MemberWeaklyUp is published when a member becomes WeaklyUp.
type MemberWeaklyUp struct{ Member member.Member }

// MemberUp is published when a member becomes Up.
type MemberUp struct{ Member member.Member }

// MemberLeft is published when a member starts Leaving.
type MemberLeft struct{ Member member.Member }

// MemberExited is published when a member becomes Exiting.
type MemberExited struct{ Member member.Member }

// MemberDowned is published when a member is marked Down.
type MemberDowned struct{ Member member.Member }

// MemberRemoved is published when a member disappears from the snapshot.
// Member carries status Removed; PreviousStatus is the last status seen.
type MemberRemoved struct {
	Member         member.Member
	PreviousStatus member.Status
}

func (e MemberJoined) EventMember() member.Member   { return e.Member }
func (e MemberWeaklyUp) EventMember() member.Member { return e.Member }
func (e MemberUp) EventMember() member.Member       { return e.Member }
func (e MemberLeft) EventMember() member.Member     { return e.Member }
func (e MemberExited) EventMember() member.Member   { return e.Member }
func (e MemberDowned) EventMember() member.Member   { return e.Member }
func (e MemberRemoved) EventMember() member.Member  { return e.Member }

// UnreachableMember is published when some observer in the local data center
// starts reporting the member unreachable.
type UnreachableMember struct{ Member member.Member }

// ReachableMember is published when no observer reports the member
// unreachable any more.
type ReachableMember struct{ Member member.Member }

// LeaderChanged is published when the data center leader changes. Leader is
// the zero address when there is no leader.
type LeaderChanged struct{ Leader member.UniqueAddress }

// RoleLeaderChanged is published when the leader among members with Role changes.
type RoleLeaderChanged struct {
	Role   string
	Leader member.UniqueAddress
}

// SeenChanged is published when the seen set or the convergence flag changes.
type SeenChanged struct {
	Convergence bool
	SeenBy      []member.UniqueAddress
}

// ReachabilityChanged carries the new reachability ledger.
type ReachabilityChanged struct{ Reachability *reachability.Reachability }

// GossipStats counts how incoming gossip compared to the local version.
type GossipStats struct {
	Received  int64 `json:"received"`
	Merged    int64 `json:"merged"`
	Same      int64 `json:"same"`
	Newer     int64 `json:"newer"`
	Older     int64 `json:"older"`
	Discarded int64 `json:"discarded"`
}

// CurrentInternalStats is published periodically by the node when enabled.
type CurrentInternalStats struct {
	Gossip GossipStats
	SeenBy []member.UniqueAddress
}

// CurrentClusterState is the snapshot handed to late subscribers and to
// state queries.
type CurrentClusterState struct {
	Members     []member.Member                 `json:"members"`
	Unreachable []member.Member                 `json:"unreachable"`
	SeenBy      []member.UniqueAddress          `json:"seen_by"`
	Leader      member.UniqueAddress            `json:"leader"`
	RoleLeaders map[string]member.UniqueAddress `json:"role_leaders"`
	Convergence bool                            `json:"convergence"`
}

// HasLeader reports whether the snapshot names a leader.
func (s CurrentClusterState) HasLeader() bool {
	return !s.Leader.IsZero()
}

func (MemberJoined) isClusterEvent()         {}
func (MemberWeaklyUp) isClusterEvent()       {}
func (MemberUp) isClusterEvent()             {}
func (MemberLeft) isClusterEvent()           {}
func (MemberExited) isClusterEvent()         {}
func (MemberDowned) isClusterEvent()         {}
func (MemberRemoved) isClusterEvent()        {}
func (UnreachableMember) isClusterEvent()    {}
func (ReachableMember) isClusterEvent()      {}
func (LeaderChanged) isClusterEvent()        {}
func (RoleLeaderChanged) isClusterEvent()    {}
func (SeenChanged) isClusterEvent()          {}
func (ReachabilityChanged) isClusterEvent()  {}
func (CurrentInternalStats) isClusterEvent() {}
func (CurrentClusterState) isClusterEvent()  {}

// Ensure event types satisfy the interfaces.
var (
	_ MemberEvent  = MemberJoined{}
	_ MemberEvent  = MemberRemoved{}
	_ ClusterEvent = UnreachableMember{}
	_ ClusterEvent = CurrentClusterState{}
)

// Kind selects groups of events for a subscription.
type Kind uint

const (
	KindMember Kind = 1 << iota
	KindReachability
	KindLeader
	KindRoleLeader
	KindSeen
	KindReachabilityTable
	KindStats

	KindAll = KindMember | KindReachability | KindLeader | KindRoleLeader | KindSeen | KindReachabilityTable | KindStats
)

// KindOf returns the subscription group of e. CurrentClusterState belongs to
// every group.
func KindOf(e ClusterEvent) Kind {
	switch e.(type) {
	case MemberEvent:
		return KindMember
	case UnreachableMember, ReachableMember:
		return KindReachability
	case LeaderChanged:
		return KindLeader
	case RoleLeaderChanged:
		return KindRoleLeader
	case SeenChanged:
		return KindSeen
	case ReachabilityChanged:
		return KindReachabilityTable
	case CurrentInternalStats:
		return KindStats
	case CurrentClusterState:
		return KindAll
	default:
		panic(fmt.Sprintf("unknown cluster event %T", e))
	}
}

// memberEvent maps a member to the event announcing its current status.
func memberEvent(m member.Member) (MemberEvent, bool) {
	switch m.Status {
	case member.Joining:
		return MemberJoined{Member: m}, true
	case member.WeaklyUp:
		return MemberWeaklyUp{Member: m}, true
	case member.Up:
		return MemberUp{Member: m}, true
	case member.Leaving:
		return MemberLeft{Member: m}, true
	case member.Exiting:
		return MemberExited{Member: m}, true
	case member.Down:
		return MemberDowned{Member: m}, true
	default:
		return nil, false
	}
}
