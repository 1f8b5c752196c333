package node

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"membership/internal/config"
	"membership/internal/events"
	"membership/internal/gossip"
	"membership/internal/member"
	"membership/internal/sbr"
	"membership/internal/scheduler"
	"membership/internal/telemetry"
	"membership/internal/transport"
)

// cluster drives wired nodes on virtual time without their goroutines: the
// test pumps every mailbox after each scheduler step.
type cluster struct {
	t     *testing.T
	sched *scheduler.Manual
	net   *transport.Network
	nodes []*Node
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:     t,
		sched: scheduler.NewManual(time.Unix(1_700_000_000, 0)),
		net:   transport.NewNetwork(),
	}
}

func testConfig(host string) config.Config {
	c := config.Default()
	c.Node.Host = host
	c.Gossip.AssertInvariants = true
	return c
}

func (c *cluster) start(host string, uid uint64, mutate ...func(*config.Config)) *Node {
	cfg := testConfig(host)
	for _, m := range mutate {
		m(&cfg)
	}
	n := New(Options{
		Config:    cfg,
		Self:      member.UniqueAddress{Address: cfg.SelfAddress(), UID: uid},
		Scheduler: c.sched,
		Logger:    zaptest.NewLogger(c.t, zaptest.Level(zap.InfoLevel)),
		Rand:      rand.New(rand.NewPCG(uid, uint64(len(c.nodes)))),
	})
	require.NoError(c.t, n.wire(c.net.Attach(cfg.SelfAddress(), n.Receive)))
	c.nodes = append(c.nodes, n)
	return n
}

func (c *cluster) pump() {
	for {
		progressed := false
		for _, n := range c.nodes {
			for drained := false; !drained; {
				select {
				case fn := <-n.mailbox:
					fn()
					progressed = true
				default:
					drained = true
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func (c *cluster) advance(d time.Duration) {
	const step = 100 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		c.sched.Advance(step)
		c.pump()
	}
}

func (c *cluster) join(n *Node, seeds ...*Node) {
	addrs := make([]member.Address, len(seeds))
	for i, s := range seeds {
		addrs[i] = s.self.Address
	}
	n.joinSeedNodes(addrs)
	c.pump()
}

// upCluster bootstraps a cluster on the first host and joins the others.
func (c *cluster) upCluster(hosts []string, mutate ...func(*config.Config)) []*Node {
	nodes := make([]*Node, len(hosts))
	for i, h := range hosts {
		nodes[i] = c.start(h, uint64(i+1), mutate...)
	}
	c.join(nodes[0])
	for _, n := range nodes[1:] {
		c.join(n, nodes[0])
	}
	c.advance(15 * time.Second)

	want := make(map[string]member.Status, len(hosts))
	for _, h := range hosts {
		want[h] = member.Up
	}
	for _, n := range nodes {
		require.Equal(c.t, want, statuses(n), "view of %s", n.self)
		require.True(c.t, n.state.Convergence(), "convergence at %s", n.self)
	}
	return nodes
}

func addressesOfNodes(nodes ...*Node) []member.Address {
	out := make([]member.Address, len(nodes))
	for i, n := range nodes {
		out[i] = n.self.Address
	}
	return out
}

func statuses(n *Node) map[string]member.Status {
	out := make(map[string]member.Status)
	for _, m := range n.state.Members() {
		out[m.Address().Host] = m.Status
	}
	return out
}

func isTerminated(n *Node) bool {
	select {
	case <-n.Terminated():
		return true
	default:
		return false
	}
}

func TestBootstrapSingleton(t *testing.T) {
	c := newCluster(t)
	metrics := telemetry.New()
	n := c.start("a", 1)
	n.metrics = metrics

	var evts []events.ClusterEvent
	n.Subscribe(events.KindMember|events.KindLeader, events.InitialStateAsEvents, func(e events.ClusterEvent) {
		evts = append(evts, e)
	})

	c.join(n)
	assert.Equal(t, Initialized, n.phase)

	self, ok := n.state.SelfMember()
	require.True(t, ok)
	assert.Equal(t, member.Up, self.Status)
	assert.Equal(t, 1, self.UpNumber)
	assert.True(t, n.state.IsLeader(n.self))
	assert.True(t, n.state.Convergence())

	state := n.State()
	assert.Equal(t, n.self, state.Leader)
	assert.True(t, state.Convergence)

	require.NotEmpty(t, evts)
	assert.Contains(t, evts, events.MemberUp{Member: self})
	assert.Contains(t, evts, events.LeaderChanged{Leader: n.self})

	expected := `
# HELP membership_is_leader 1 when this node leads its data center.
# TYPE membership_is_leader gauge
membership_is_leader 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry, strings.NewReader(expected), "membership_is_leader"))
}

func TestJoinThroughSeed(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b", "c"})

	upNumbers := make(map[int]bool)
	for _, m := range nodes[0].state.Members() {
		upNumbers[m.UpNumber] = true
	}
	assert.Len(t, upNumbers, 3, "every member has its own upNumber")
	for _, n := range nodes {
		leader, ok := n.state.Leader()
		require.True(t, ok)
		assert.Equal(t, nodes[0].self, leader)
		assert.Equal(t, Initialized, n.phase)
	}
}

func TestJoinRetriesUntilSeedAnswers(t *testing.T) {
	c := newCluster(t)
	a := c.start("a", 1)
	b := c.start("b", 2)
	c.join(a)

	c.net.Block(b.self.Address, a.self.Address)
	c.join(b, a)
	c.advance(8 * time.Second)
	assert.Equal(t, TryingToJoin, b.phase)
	assert.Equal(t, map[string]member.Status{"a": member.Up}, statuses(a))

	c.net.Heal()
	c.advance(10 * time.Second)
	assert.Equal(t, Initialized, b.phase)
	assert.Equal(t, map[string]member.Status{"a": member.Up, "b": member.Up}, statuses(a))
	assert.Equal(t, map[string]member.Status{"a": member.Up, "b": member.Up}, statuses(b))
}

func TestLeave(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b", "c"})
	a, b, leaver := nodes[0], nodes[1], nodes[2]

	var removed []events.MemberRemoved
	a.Subscribe(events.KindMember, events.InitialStateAsSnapshot, func(e events.ClusterEvent) {
		if r, ok := e.(events.MemberRemoved); ok {
			removed = append(removed, r)
		}
	})

	require.NoError(t, leaver.leaving(leaver.self.Address))
	c.advance(10 * time.Second)

	assert.True(t, isTerminated(leaver))
	assert.Equal(t, Terminated, leaver.phase)
	want := map[string]member.Status{"a": member.Up, "b": member.Up}
	assert.Equal(t, want, statuses(a))
	assert.Equal(t, want, statuses(b))
	require.Len(t, removed, 1)
	assert.Equal(t, leaver.self, removed[0].Member.UniqueAddress)
	assert.Equal(t, member.Exiting, removed[0].PreviousStatus)
}

func TestLeaveAndDownOfUnknownMember(t *testing.T) {
	c := newCluster(t)
	a := c.start("a", 1)
	c.join(a)

	stranger := member.Address{Host: "x", Port: 2552}
	assert.ErrorIs(t, a.leaving(stranger), ErrUnknownMember)
	assert.ErrorIs(t, a.downing(stranger), ErrUnknownMember)

	idle := c.start("idle", 2)
	assert.ErrorIs(t, idle.leaving(a.self.Address), ErrNotMember)
}

func TestUnreachableMemberIsDownedAndRemoved(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b", "c"})
	a, b, lost := nodes[0], nodes[1], nodes[2]

	c.net.Partition(addressesOfNodes(a, b), addressesOfNodes(lost))
	c.advance(15 * time.Second)

	unreachable := a.State().Unreachable
	require.Len(t, unreachable, 1)
	assert.Equal(t, lost.self, unreachable[0].UniqueAddress)
	assert.False(t, a.state.Convergence())

	require.NoError(t, a.downing(lost.self.Address))
	c.advance(10 * time.Second)

	want := map[string]member.Status{"a": member.Up, "b": member.Up}
	assert.Equal(t, want, statuses(a))
	assert.Equal(t, want, statuses(b))
	assert.True(t, a.state.Gossip().Reachability().IsAllReachable())
	assert.False(t, isTerminated(lost), "the lost node never heard about it")
}

func TestSplitBrainResolverKeepsMajority(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b", "c", "d", "e"}, func(cfg *config.Config) {
		cfg.SplitBrainResolver.ActiveStrategy = sbr.KeepMajority
		cfg.SplitBrainResolver.StableAfter = 5 * time.Second
	})
	majority, minority := nodes[:3], nodes[3:]

	c.net.Partition(addressesOfNodes(majority...), addressesOfNodes(minority...))
	c.advance(40 * time.Second)

	want := map[string]member.Status{"a": member.Up, "b": member.Up, "c": member.Up}
	for _, n := range majority {
		assert.False(t, isTerminated(n))
		assert.Equal(t, want, statuses(n), "view of %s", n.self)
	}
	for _, n := range minority {
		assert.True(t, isTerminated(n), "%s downed itself", n.self)
	}
}

func TestWeaklyUpWithoutConvergence(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b"})
	a, b := nodes[0], nodes[1]

	c.net.Partition(addressesOfNodes(a), addressesOfNodes(b))
	c.advance(15 * time.Second)
	require.False(t, a.state.Convergence())

	joiner := c.start("c", 3)
	c.join(joiner, a)
	c.advance(5 * time.Second)

	assert.Equal(t, member.WeaklyUp, statuses(a)["c"])
	assert.Equal(t, member.WeaklyUp, statuses(joiner)["c"])

	c.net.Heal()
	c.advance(15 * time.Second)
	assert.Equal(t, member.Up, statuses(a)["c"], "moved to Up once the cluster converges")
}

func TestNewIncarnationReplacesOldOne(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b"})
	a := nodes[0]

	restarted := c.start("b", 99)
	c.join(restarted, a)
	c.advance(20 * time.Second)

	assert.Equal(t, Initialized, restarted.phase)
	assert.Equal(t, map[string]member.Status{"a": member.Up, "b": member.Up}, statuses(a))
	m, ok := a.state.Gossip().MemberByAddress(restarted.self.Address)
	require.True(t, ok)
	assert.Equal(t, uint64(99), m.UniqueAddress.UID)
}

func TestNewIncarnationRejectedUpdateIsLogged(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b"})
	a, b := nodes[0], nodes[1]
	core, logs := observer.New(zap.ErrorLevel)
	a.logger = zap.New(core)

	stranger := member.UniqueAddress{Address: member.Address{Host: "x", Port: 2552}, UID: 7}
	g := a.state.Gossip()
	a.state = a.state.WithGossip(g.WithReachability(g.Reachability().Unreachable(a.self, stranger)))
	state := a.state

	a.joining(member.UniqueAddress{Address: b.self.Address, UID: 99}, nil)

	assert.Same(t, state, a.state)
	entries := logs.FilterMessage("Cannot down old incarnation").All()
	require.Len(t, entries, 1)
	var logged error
	for _, f := range entries[0].Context {
		if f.Key == "error" {
			logged, _ = f.Interface.(error)
		}
	}
	assert.ErrorIs(t, logged, gossip.ErrInvariant)
}

func TestReceiveGossip_Ignored(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b"})
	a, b := nodes[0], nodes[1]
	stranger := member.UniqueAddress{Address: member.Address{Host: "x", Port: 2552}, UID: 7}

	tests := []struct {
		name string
		env  transport.GossipEnvelope
	}{
		{"intended for someone else", transport.GossipEnvelope{From: b.self, To: stranger, Gossip: b.state.Gossip()}},
		{"unknown sender", transport.GossipEnvelope{From: stranger, To: a.self, Gossip: b.state.Gossip()}},
		{"without self", transport.GossipEnvelope{From: b.self, To: a.self, Gossip: b.state.Gossip().Remove(a.self)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := a.stats.Discarded
			state := a.state
			a.receiveGossip(tt.env)
			assert.Equal(t, before+1, a.stats.Discarded)
			assert.Same(t, state, a.state)
		})
	}
}

func TestReceiveGossip_ConcurrentVersionsMerge(t *testing.T) {
	c := newCluster(t)
	nodes := c.upCluster([]string{"a", "b", "c"})
	a, b := nodes[0], nodes[1]

	c.net.Partition(addressesOfNodes(a), addressesOfNodes(b))
	require.NoError(t, a.leaving(nodes[2].self.Address))
	require.NoError(t, b.downing(nodes[2].self.Address))
	require.True(t, a.state.Gossip().Version().IsConcurrentWith(b.state.Gossip().Version()))

	merged := a.stats.Merged
	a.receiveGossip(transport.GossipEnvelope{From: b.self, To: a.self, Gossip: b.state.Gossip()})
	assert.Equal(t, merged+1, a.stats.Merged)
	assert.Equal(t, member.Down, statuses(a)["c"], "Down wins over Leaving")
	assert.True(t, a.state.Gossip().SeenByNode(a.self))
}

func TestAssertInvariantsRejectsBadGossip(t *testing.T) {
	c := newCluster(t)
	a := c.start("a", 1)
	c.join(a)

	state := a.state
	stranger := member.UniqueAddress{Address: member.Address{Host: "x", Port: 2552}, UID: 7}
	err := a.setGossip(a.state.Gossip().Seen(stranger))
	assert.ErrorIs(t, err, gossip.ErrInvariant)
	assert.Same(t, state, a.state)
}
