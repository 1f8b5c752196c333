package gossip

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership/internal/clock"
	"membership/internal/member"
	"membership/internal/reachability"
)

func ua(host string) member.UniqueAddress {
	return member.UniqueAddress{Address: member.Address{Host: host, Port: 2552}, UID: 1}
}

var (
	addrA = ua("a")
	addrB = ua("b")
	addrC = ua("c")
	addrD = ua("d")
	addrE = ua("e")
)

func joining(node member.UniqueAddress, roles ...string) member.Member {
	return member.New(node, roles)
}

func up(t testing.TB, node member.UniqueAddress, upNumber int, roles ...string) member.Member {
	t.Helper()
	m, err := member.New(node, roles).CopyUp(upNumber)
	require.NoError(t, err)
	return m
}

func moved(t testing.TB, m member.Member, path ...member.Status) member.Member {
	t.Helper()
	for _, s := range path {
		var err error
		m, err = m.Copy(s)
		require.NoError(t, err)
	}
	return m
}

func seenByAll(g *Gossip) *Gossip {
	for _, m := range g.Members() {
		g = g.Seen(m.UniqueAddress)
	}
	return g
}

func TestGossip_EmptyAndUpdate(t *testing.T) {
	g := Empty()
	assert.True(t, g.IsEmpty())

	g = g.Update(joining(addrB), joining(addrA))
	assert.False(t, g.IsEmpty())
	assert.True(t, g.HasMember(addrA))
	assert.Equal(t, []member.UniqueAddress{addrA, addrB}, []member.UniqueAddress{g.Members()[0].UniqueAddress, g.Members()[1].UniqueAddress})
	assert.True(t, Empty().IsEmpty(), "empty snapshot is never modified")

	g2 := g.Update(up(t, addrA, 1))
	m, ok := g2.Member(addrA)
	require.True(t, ok)
	assert.Equal(t, member.Up, m.Status)
	m, _ = g.Member(addrA)
	assert.Equal(t, member.Joining, m.Status, "previous snapshot unchanged")
}

func TestGossip_SeenOperations(t *testing.T) {
	g := Empty().Update(up(t, addrA, 1), up(t, addrB, 2), up(t, addrC, 3))

	g = g.Seen(addrA).Seen(addrB)
	assert.True(t, g.SeenByNode(addrA))
	assert.False(t, g.SeenByNode(addrC))
	assert.Equal(t, []member.UniqueAddress{addrA, addrB}, g.SeenBy())

	assert.Equal(t, []member.UniqueAddress{addrC}, g.OnlySeen(addrC).SeenBy())
	assert.Empty(t, g.ClearSeen().SeenBy())

	other := g.OnlySeen(addrC)
	assert.Equal(t, []member.UniqueAddress{addrA, addrB, addrC}, g.MergeSeen(other).SeenBy())
}

func TestGossip_RemovePrunesEverything(t *testing.T) {
	g := Empty().Update(up(t, addrA, 1), up(t, addrB, 2), up(t, addrC, 3))
	g = g.Increment(addrA.VClockNode()).Increment(addrB.VClockNode())
	g = g.WithReachability(g.Reachability().Unreachable(addrA, addrB).Unreachable(addrB, addrC))
	g = g.Seen(addrA).Seen(addrB)

	removed := g.Remove(addrB)

	assert.False(t, removed.HasMember(addrB))
	assert.False(t, removed.SeenByNode(addrB))
	assert.Empty(t, removed.Reachability().Records())
	assert.NotContains(t, removed.Reachability().Versions(), addrB)
	assert.Zero(t, removed.Version().Get(addrB.VClockNode()))
	assert.Equal(t, int64(1), removed.Version().Get(addrA.VClockNode()))
	require.NoError(t, removed.CheckInvariants())
}

func TestGossip_MarkAsDown(t *testing.T) {
	b := up(t, addrB, 2)
	g := Empty().Update(up(t, addrA, 1), b).Seen(addrA).Seen(addrB)

	g, err := g.MarkAsDown(b)
	require.NoError(t, err)
	m, _ := g.Member(addrB)
	assert.Equal(t, member.Down, m.Status)
	assert.False(t, g.SeenByNode(addrB))
	assert.True(t, g.SeenByNode(addrA))

	_, err = g.MarkAsDown(member.Member{UniqueAddress: addrC, Status: member.Removed})
	assert.ErrorIs(t, err, member.ErrInvalidTransition)
}

func TestGossip_CheckInvariants(t *testing.T) {
	base := Empty().Update(up(t, addrA, 1), up(t, addrB, 2))
	require.NoError(t, base.CheckInvariants())

	tests := []struct {
		name string
		g    *Gossip
	}{
		{name: "removed member", g: base.Update(member.Member{UniqueAddress: addrC, Status: member.Removed})},
		{name: "seen by stranger", g: base.Seen(addrC)},
		{name: "stranger observer", g: base.WithReachability(reachability.Empty().Unreachable(addrC, addrA))},
		{name: "stranger subject", g: base.WithReachability(reachability.Empty().Unreachable(addrA, addrC))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.g.CheckInvariants(), ErrInvariant)
		})
	}
}

func TestGossip_MergeResolvesConflicts(t *testing.T) {
	a := up(t, addrA, 1)
	b := up(t, addrB, 2)
	c := up(t, addrC, 3)

	left := Empty().Update(a, b, c).Increment(addrA.VClockNode()).Seen(addrA)
	right := Empty().Update(moved(t, a, member.Leaving), moved(t, b, member.Down)).Increment(addrB.VClockNode()).Seen(addrB)
	right = right.WithReachability(right.Reachability().Unreachable(addrA, addrB))

	merged := left.Merge(right)

	require.Len(t, merged.Members(), 3)
	ma, _ := merged.Member(addrA)
	mb, _ := merged.Member(addrB)
	assert.Equal(t, member.Leaving, ma.Status)
	assert.Equal(t, member.Down, mb.Status)
	assert.Empty(t, merged.SeenBy(), "nobody has seen a merged snapshot")
	assert.Equal(t, clock.After, merged.Version().Compare(left.Version()))
	assert.Equal(t, clock.After, merged.Version().Compare(right.Version()))
	assert.Equal(t, reachability.Unreachable, merged.Reachability().Status(addrB))
	require.NoError(t, merged.CheckInvariants())
}

func TestGossip_MergeDropsRemovedMemberRows(t *testing.T) {
	left := Empty().Update(up(t, addrA, 1), up(t, addrB, 2))
	right := Empty().Update(up(t, addrA, 1), up(t, addrB, 2), moved(t, up(t, addrC, 3), member.Down))
	right = right.WithReachability(right.Reachability().Unreachable(addrA, addrC))

	merged := right.Merge(left)

	assert.False(t, merged.HasMember(addrC), "down member unknown to the other side is dropped")
	assert.True(t, merged.Reachability().IsAllReachable())
	require.NoError(t, merged.CheckInvariants())
}

// history is one linear evolution of the cluster. Every generated view takes
// a prefix of each member's status path and each observer's reachability
// changes, so two views never disagree about the same version of a row.
//
// Removable members end in Down or Exiting and never appear in reachability.
// A view may leave them out, as if it had already removed them or had not
// heard of them yet.
type history struct {
	nodes     []member.UniqueAddress
	statuses  map[member.UniqueAddress][]member.Member
	changes   map[member.UniqueAddress][]change
	removable map[member.UniqueAddress]bool
}

type change struct {
	subject     member.UniqueAddress
	unreachable bool
}

var statusPaths = [][]member.Status{
	{member.Up, member.Leaving, member.Exiting, member.Down},
	{member.WeaklyUp, member.Up, member.Down},
	{member.Up, member.Leaving},
	{member.WeaklyUp},
}

var removedPaths = [][]member.Status{
	{member.Up, member.Leaving, member.Exiting},
	{member.Up, member.Leaving, member.Exiting, member.Down},
	{member.WeaklyUp, member.Up, member.Down},
	{member.Down},
}

func newHistory(t testing.TB, rng *rand.Rand, withRemovals bool) history {
	h := history{
		nodes:     []member.UniqueAddress{addrA, addrB, addrC, addrD, addrE},
		statuses:  make(map[member.UniqueAddress][]member.Member),
		changes:   make(map[member.UniqueAddress][]change),
		removable: make(map[member.UniqueAddress]bool),
	}
	var observed []member.UniqueAddress
	for i, n := range h.nodes {
		if withRemovals && i >= 2 && rng.Intn(2) == 0 {
			h.removable[n] = true
			continue
		}
		observed = append(observed, n)
	}

	for i, n := range h.nodes {
		paths := statusPaths
		if h.removable[n] {
			paths = removedPaths
		}
		m := joining(n)
		views := []member.Member{m}
		for _, s := range paths[rng.Intn(len(paths))] {
			var err error
			if s == member.Up {
				m, err = m.CopyUp(i + 1)
			} else {
				m, err = m.Copy(s)
			}
			require.NoError(t, err)
			views = append(views, m)
		}
		h.statuses[n] = views

		if h.removable[n] {
			continue
		}
		for j, count := 0, rng.Intn(5); j < count; j++ {
			subject := observed[rng.Intn(len(observed))]
			if subject == n {
				continue
			}
			h.changes[n] = append(h.changes[n], change{subject: subject, unreachable: rng.Intn(2) == 0})
		}
	}
	return h
}

func (h history) view(rng *rand.Rand) *Gossip {
	var members []member.Member
	var present []member.UniqueAddress
	r := reachability.Empty()
	version := clock.New()
	for _, n := range h.nodes {
		for k := rng.Intn(3); k > 0; k-- {
			version = version.Increment(n.VClockNode())
		}
		if h.removable[n] && rng.Intn(3) == 0 {
			continue
		}
		path := h.statuses[n]
		members = append(members, path[rng.Intn(len(path))])
		present = append(present, n)

		changes := h.changes[n]
		for _, c := range changes[:rng.Intn(len(changes)+1)] {
			if c.unreachable {
				r = r.Unreachable(n, c.subject)
			} else {
				r = r.Reachable(n, c.subject)
			}
		}
	}
	g := New(members, nil, r, version)
	if rng.Intn(2) == 0 {
		g = g.Seen(present[rng.Intn(len(present))])
	}
	return g
}

func TestGossip_MergeLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		h := newHistory(t, rng, false)
		a, b, c := h.view(rng), h.view(rng), h.view(rng)

		ab, ba := a.Merge(b), b.Merge(a)
		require.True(t, ab.SameContent(ba), "commutative\n a=%s\n b=%s\n ab=%s\n ba=%s", a, b, ab, ba)

		left := a.Merge(b).Merge(c)
		right := a.Merge(b.Merge(c))
		require.True(t, left.SameContent(right), "associative\n left=%s\n right=%s", left, right)

		require.True(t, a.Merge(a).SameContent(a.ClearSeen()), "idempotent %s", a)

		require.NoError(t, ab.CheckInvariants())
	}
}

func TestGossip_MergeLawsWithOneSidedMembers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dropped := 0
	for i := 0; i < 500; i++ {
		h := newHistory(t, rng, true)
		a, b := h.view(rng), h.view(rng)

		ab, ba := a.Merge(b), b.Merge(a)
		require.True(t, ab.SameContent(ba), "commutative\n a=%s\n b=%s\n ab=%s\n ba=%s", a, b, ab, ba)
		require.True(t, a.Merge(a).SameContent(a.ClearSeen()), "idempotent %s", a)
		require.NoError(t, ab.CheckInvariants())

		for n := range h.removable {
			ma, inA := a.Member(n)
			mb, inB := b.Member(n)
			switch {
			case inA && !inB && member.RemovedByPeer(ma.Status),
				inB && !inA && member.RemovedByPeer(mb.Status):
				assert.False(t, ab.HasMember(n), "%s is Down or Exiting on one side only", n)
				dropped++
			case inA != inB:
				assert.True(t, ab.HasMember(n), "%s is alive on one side only", n)
			}
		}
	}
	assert.Positive(t, dropped, "generator never exercised the one-sided drop")
}

func TestGossip_AllRolesAndDataCenters(t *testing.T) {
	g := Empty().Update(
		up(t, addrA, 1, "backend"),
		up(t, addrB, 2, "frontend", "dc-east"),
	)
	assert.Equal(t, []string{"backend", "dc-default", "dc-east", "frontend"}, g.AllRoles())
	assert.Equal(t, []string{"default", "east"}, g.AllDataCenters())
}

func TestGossip_PruneAndIncrement(t *testing.T) {
	g := Empty().Increment("x").Increment("y")
	assert.Equal(t, int64(1), g.Version().Get("x"))

	pruned := g.Prune("x")
	assert.Zero(t, pruned.Version().Get("x"))
	assert.Equal(t, int64(1), g.Version().Get("x"), "original keeps its clock")
	assert.Same(t, pruned, pruned.Prune("absent"))
}
