package crossdc

import (
	"slices"

	"membership/internal/heartbeat"
	"membership/internal/member"
)

// State groups Up-or-later members by data center, oldest first, and derives
// who probes whom across data centers.
type State struct {
	selfDC string
	n      int
	fd     heartbeat.FailureDetector
	byDC   map[string][]member.Member
}

// NewState creates an empty state. n is the number of oldest members per data
// center that take part in cross data center heartbeating.
func NewState(selfDC string, n int, fd heartbeat.FailureDetector) *State {
	return &State{selfDC: selfDC, n: n, fd: fd, byDC: make(map[string][]member.Member)}
}

func atLeastUp(m member.Member) bool {
	return m.Status != member.Joining && m.Status != member.WeaklyUp && m.Status != member.Removed
}

// Init replaces the state with the members of a snapshot.
func (s *State) Init(members []member.Member) {
	s.byDC = make(map[string][]member.Member)
	for _, m := range members {
		if atLeastUp(m) {
			s.byDC[m.DataCenter()] = append(s.byDC[m.DataCenter()], m)
		}
	}
	for _, ms := range s.byDC {
		slices.SortFunc(ms, member.CompareAge)
	}
}

// AddMember inserts or updates m. Receivers that are no longer among the
// oldest of their data center after the change stop being monitored.
func (s *State) AddMember(m member.Member) {
	if !atLeastUp(m) {
		return
	}
	dc := m.DataCenter()
	before := s.receiversIn(dc)

	ms := slices.DeleteFunc(slices.Clone(s.byDC[dc]), func(o member.Member) bool { return o.Is(m) })
	ms = append(ms, m)
	slices.SortFunc(ms, member.CompareAge)
	s.byDC[dc] = ms

	after := s.receiversIn(dc)
	for _, r := range before {
		if !slices.Contains(after, r) {
			s.fd.Remove(r.Address)
		}
	}
}

// RemoveMember drops m and its detector.
func (s *State) RemoveMember(m member.Member) {
	dc := m.DataCenter()
	ms := slices.DeleteFunc(slices.Clone(s.byDC[dc]), func(o member.Member) bool { return o.Is(m) })
	if len(ms) == 0 {
		delete(s.byDC, dc)
	} else {
		s.byDC[dc] = ms
	}
	s.fd.Remove(m.Address())
}

// Oldest returns the n oldest members of dc.
func (s *State) Oldest(dc string) []member.Member {
	ms := s.byDC[dc]
	if len(ms) > s.n {
		ms = ms[:s.n]
	}
	return slices.Clone(ms)
}

func (s *State) receiversIn(dc string) []member.UniqueAddress {
	if dc == s.selfDC {
		return nil
	}
	oldest := s.Oldest(dc)
	out := make([]member.UniqueAddress, len(oldest))
	for i, m := range oldest {
		out[i] = m.UniqueAddress
	}
	return out
}

// ActiveReceivers returns the oldest members of every other data center, in
// address order.
func (s *State) ActiveReceivers() []member.UniqueAddress {
	var out []member.UniqueAddress
	for dc := range s.byDC {
		out = append(out, s.receiversIn(dc)...)
	}
	slices.SortFunc(out, member.UniqueAddress.Compare)
	return out
}

// IsActiveReceiver reports whether node is probed from this data center.
func (s *State) IsActiveReceiver(node member.UniqueAddress) bool {
	for dc, ms := range s.byDC {
		if dc == s.selfDC {
			continue
		}
		for _, m := range ms[:min(s.n, len(ms))] {
			if m.UniqueAddress == node {
				return true
			}
		}
	}
	return false
}

// ShouldActivate reports whether self is among the oldest members of its own
// data center.
func (s *State) ShouldActivate(self member.UniqueAddress) bool {
	for _, m := range s.Oldest(s.selfDC) {
		if m.UniqueAddress == self {
			return true
		}
	}
	return false
}

// DataCenters returns the known data centers in name order.
func (s *State) DataCenters() []string {
	out := make([]string, 0, len(s.byDC))
	for dc := range s.byDC {
		out = append(out, dc)
	}
	slices.Sort(out)
	return out
}
