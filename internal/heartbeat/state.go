package heartbeat

import (
	"slices"

	"membership/internal/member"
)

// FailureDetector is the address-keyed registry the heartbeat components feed.
type FailureDetector interface {
	Heartbeat(addr member.Address)
	IsAvailable(addr member.Address) bool
	IsMonitoring(addr member.Address) bool
	Remove(addr member.Address)
}

// SenderState is the ring plus the receivers that dropped out of it while
// their detector reported them unavailable. Those keep receiving heartbeats
// until they answer or are removed, so the unreachable verdict is not lost.
type SenderState struct {
	ring                       *Ring
	oldReceiversNowUnreachable map[member.UniqueAddress]struct{}
	fd                         FailureDetector
}

// NewSenderState starts with a ring holding only self.
func NewSenderState(self member.UniqueAddress, monitoredBy int, fd FailureDetector) *SenderState {
	return &SenderState{
		ring:                       NewRing(self, nil, nil, monitoredBy),
		oldReceiversNowUnreachable: make(map[member.UniqueAddress]struct{}),
		fd:                         fd,
	}
}

// Ring returns the current ring.
func (s *SenderState) Ring() *Ring { return s.ring }

// Init replaces the ring contents with a membership snapshot.
func (s *SenderState) Init(nodes, unreachable []member.UniqueAddress) {
	s.ring = NewRing(s.ring.self, nodes, unreachable, s.ring.monitoredBy)
}

// Contains reports whether node is on the ring.
func (s *SenderState) Contains(node member.UniqueAddress) bool {
	return s.ring.Contains(node)
}

// ActiveReceivers returns the ring receivers of self plus the old receivers
// that are still unreachable, in address order.
func (s *SenderState) ActiveReceivers() []member.UniqueAddress {
	out := s.ring.MyReceivers()
	for n := range s.oldReceiversNowUnreachable {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, member.UniqueAddress.Compare)
	return out
}

// IsActiveReceiver reports whether node currently gets heartbeats from self.
func (s *SenderState) IsActiveReceiver(node member.UniqueAddress) bool {
	if _, ok := s.oldReceiversNowUnreachable[node]; ok {
		return true
	}
	return s.isMyReceiver(node)
}

func (s *SenderState) isMyReceiver(node member.UniqueAddress) bool {
	return slices.Contains(s.ring.myReceivers, node)
}

// AddMember puts node on the ring.
func (s *SenderState) AddMember(node member.UniqueAddress) {
	s.membershipChange(s.ring.Add(node))
}

// RemoveMember takes node off the ring and forgets its detector.
func (s *SenderState) RemoveMember(node member.UniqueAddress) {
	s.membershipChange(s.ring.Remove(node))
	s.fd.Remove(node.Address)
	delete(s.oldReceiversNowUnreachable, node)
}

// UnreachableMember marks node unreachable on the ring.
func (s *SenderState) UnreachableMember(node member.UniqueAddress) {
	s.membershipChange(s.ring.Unreachable(node))
}

// ReachableMember clears the unreachable mark of node.
func (s *SenderState) ReachableMember(node member.UniqueAddress) {
	s.membershipChange(s.ring.Reachable(node))
}

// membershipChange swaps in newRing. Receivers that are no longer ours are
// forgotten when available and kept as old receivers otherwise.
func (s *SenderState) membershipChange(newRing *Ring) {
	for _, r := range s.ring.myReceivers {
		if slices.Contains(newRing.myReceivers, r) {
			continue
		}
		if s.fd.IsAvailable(r.Address) {
			s.fd.Remove(r.Address)
		} else {
			s.oldReceiversNowUnreachable[r] = struct{}{}
		}
	}
	s.ring = newRing
}

// HeartbeatRsp records a response from an active receiver. An old receiver
// that answers is released, and its detector dropped unless the ring picked
// it again.
func (s *SenderState) HeartbeatRsp(from member.UniqueAddress) {
	if !s.IsActiveReceiver(from) {
		return
	}
	s.fd.Heartbeat(from.Address)
	if _, old := s.oldReceiversNowUnreachable[from]; old {
		if !s.isMyReceiver(from) {
			s.fd.Remove(from.Address)
		}
		delete(s.oldReceiversNowUnreachable, from)
	}
}

// OldReceiversNowUnreachable returns the retained receivers in address order.
func (s *SenderState) OldReceiversNowUnreachable() []member.UniqueAddress {
	out := make([]member.UniqueAddress, 0, len(s.oldReceiversNowUnreachable))
	for n := range s.oldReceiversNowUnreachable {
		out = append(out, n)
	}
	slices.SortFunc(out, member.UniqueAddress.Compare)
	return out
}
