package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership/internal/member"
)

func unreachable(g *Gossip, observer, subject member.UniqueAddress) *Gossip {
	return g.WithReachability(g.Reachability().Unreachable(observer, subject))
}

func TestMembershipState_Convergence(t *testing.T) {
	base := seenByAll(Empty().Update(up(t, addrA, 1), up(t, addrB, 2), up(t, addrC, 3)))

	tests := []struct {
		name string
		g    *Gossip
		want bool
	}{
		{name: "all seen", g: base, want: true},
		{name: "unseen up member", g: base.Update(up(t, addrD, 4)), want: false},
		{name: "unseen leaving member", g: base.Update(moved(t, up(t, addrD, 4), member.Leaving)), want: false},
		{name: "unseen joining member", g: base.Update(joining(addrD)), want: true},
		{name: "unseen member in other data center", g: base.Update(up(t, addrD, 4, "dc-east")), want: true},
		{name: "unreachable up member", g: unreachable(base, addrA, addrC), want: false},
		{name: "unreachable down member", g: unreachable(base.Update(moved(t, up(t, addrC, 3), member.Down)), addrA, addrC), want: true},
		{name: "unreachable exiting member", g: unreachable(base.Update(moved(t, up(t, addrC, 3), member.Leaving, member.Exiting)), addrA, addrC), want: true},
		{name: "observer is down", g: unreachable(base.Update(moved(t, up(t, addrB, 2), member.Down)), addrB, addrC), want: true},
		{name: "self unreachable", g: unreachable(base, addrB, addrA), want: true},
		{name: "observed from other data center", g: unreachable(seenByAll(base.Update(up(t, addrD, 4, "dc-east"))), addrD, addrC), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMembershipState(tt.g, addrA, member.DefaultDataCenter)
			assert.Equal(t, tt.want, s.Convergence())
		})
	}
}

func TestMembershipState_Leader(t *testing.T) {
	ups := Empty().Update(up(t, addrA, 1), up(t, addrB, 2), up(t, addrC, 3))

	tests := []struct {
		name string
		g    *Gossip
		self member.UniqueAddress
		want member.UniqueAddress
	}{
		{name: "lowest address up member", g: ups, self: addrC, want: addrA},
		{name: "unreachable member skipped", g: unreachable(ups, addrB, addrA), self: addrC, want: addrB},
		{name: "self always counts as reachable", g: unreachable(ups, addrB, addrA), self: addrA, want: addrA},
		{name: "down member never leads", g: ups.Update(moved(t, up(t, addrA, 1), member.Down)), self: addrC, want: addrB},
		{name: "leaving member may lead", g: ups.Update(moved(t, up(t, addrA, 1), member.Leaving)), self: addrC, want: addrA},
		{name: "exiting member pushed back", g: ups.Update(moved(t, up(t, addrA, 1), member.Leaving, member.Exiting)), self: addrC, want: addrB},
		{name: "bootstrap with joining members", g: Empty().Update(joining(addrB), joining(addrC)), self: addrC, want: addrB},
		{name: "weakly up before joining", g: Empty().Update(joining(addrA), moved(t, joining(addrB), member.WeaklyUp)), self: addrA, want: addrB},
		{name: "other data center ignored", g: Empty().Update(up(t, addrA, 1, "dc-east"), up(t, addrB, 2)), self: addrB, want: addrB},
		{name: "observations from other data center ignored", g: unreachable(ups.Update(up(t, addrD, 4, "dc-east")), addrD, addrA), self: addrC, want: addrA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMembershipState(tt.g, tt.self, member.DefaultDataCenter)
			leader, ok := s.Leader()
			require.True(t, ok)
			assert.Equal(t, tt.want, leader)
			assert.True(t, s.IsLeader(tt.want))
		})
	}
}

func TestMembershipState_NoLeader(t *testing.T) {
	s := NewMembershipState(Empty(), addrA, "")
	_, ok := s.Leader()
	assert.False(t, ok)
	assert.False(t, s.IsLeader(addrA))
	assert.Equal(t, member.DefaultDataCenter, s.SelfDC())

	down := Empty().Update(moved(t, up(t, addrA, 1), member.Down))
	_, ok = NewMembershipState(down, addrA, "").Leader()
	assert.False(t, ok)
}

func TestMembershipState_RoleLeader(t *testing.T) {
	g := Empty().Update(
		up(t, addrA, 1, "frontend"),
		up(t, addrB, 2, "backend"),
		up(t, addrC, 3, "backend"),
	)
	s := NewMembershipState(g, addrA, member.DefaultDataCenter)

	l, ok := s.RoleLeader("backend")
	require.True(t, ok)
	assert.Equal(t, addrB, l)

	l, ok = s.RoleLeader("frontend")
	require.True(t, ok)
	assert.Equal(t, addrA, l)

	_, ok = s.RoleLeader("storage")
	assert.False(t, ok)

	s = s.WithGossip(unreachable(g, addrA, addrB))
	l, _ = s.RoleLeader("backend")
	assert.Equal(t, addrC, l)
}

func TestMembershipState_ValidNodeForGossip(t *testing.T) {
	g := Empty().Update(up(t, addrA, 1), up(t, addrB, 2), up(t, addrC, 3))
	g = unreachable(g, addrA, addrC)

	fromB := NewMembershipState(g, addrB, member.DefaultDataCenter)
	assert.False(t, fromB.ValidNodeForGossip(addrB), "never gossip to self")
	assert.False(t, fromB.ValidNodeForGossip(addrD), "not a member")
	assert.True(t, fromB.ValidNodeForGossip(addrA))
	assert.True(t, fromB.ValidNodeForGossip(addrC), "b itself still reaches c")

	fromA := NewMembershipState(g, addrA, member.DefaultDataCenter)
	assert.False(t, fromA.ValidNodeForGossip(addrC))
}

func TestMembershipState_DCReachabilityViews(t *testing.T) {
	g := Empty().Update(up(t, addrA, 1), up(t, addrB, 2), up(t, addrC, 3, "dc-east"), moved(t, up(t, addrD, 4), member.Down))
	g = unreachable(g, addrC, addrA)
	g = unreachable(g, addrA, addrC)
	g = unreachable(g, addrD, addrB)
	s := NewMembershipState(g, addrA, member.DefaultDataCenter)

	assert.Equal(t, []member.UniqueAddress{addrB, addrC}, s.DCReachability().AllUnreachable())
	assert.Empty(t, s.DCReachabilityExcludingDownedObservers().AllUnreachable())
	assert.Equal(t, []member.UniqueAddress{addrB}, s.DCReachabilityNoOutsideNodes().AllUnreachable())

	unreachableMembers := s.UnreachableMembers()
	require.Len(t, unreachableMembers, 1)
	assert.Equal(t, addrB, unreachableMembers[0].UniqueAddress)
}

func TestMembershipState_YoungestUpNumber(t *testing.T) {
	g := Empty().Update(up(t, addrA, 1), up(t, addrB, 5), joining(addrC))
	assert.Equal(t, 5, NewMembershipState(g, addrA, "").YoungestUpNumber())
	assert.Zero(t, NewMembershipState(Empty().Update(joining(addrA)), addrA, "").YoungestUpNumber())
}
