package heartbeat

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"membership/internal/events"
	"membership/internal/failure"
	"membership/internal/member"
	"membership/internal/scheduler"
	"membership/internal/transport"
)

type fakeDetector struct {
	unavailable map[member.Address]bool
	monitoring  map[member.Address]bool
	removed     []member.Address
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{unavailable: map[member.Address]bool{}, monitoring: map[member.Address]bool{}}
}

func (f *fakeDetector) Heartbeat(a member.Address)         { f.monitoring[a] = true }
func (f *fakeDetector) IsAvailable(a member.Address) bool  { return !f.unavailable[a] }
func (f *fakeDetector) IsMonitoring(a member.Address) bool { return f.monitoring[a] }
func (f *fakeDetector) Remove(a member.Address) {
	delete(f.monitoring, a)
	f.removed = append(f.removed, a)
}

func TestSenderState_RetainsUnavailableOldReceiver(t *testing.T) {
	all := nodes(7)
	self := all[0]
	walk := after(NewRing(self, all, nil, 2), self)
	newcomer, kept, dropped := walk[0], walk[1], walk[2]

	fd := newFakeDetector()
	s := NewSenderState(self, 2, fd)
	var initial []member.UniqueAddress
	for _, n := range all {
		if n != newcomer {
			initial = append(initial, n)
		}
	}
	s.Init(initial, nil)
	require.Equal(t, []member.UniqueAddress{kept, dropped}, s.Ring().MyReceivers())

	fd.unavailable[dropped.Address] = true
	s.AddMember(newcomer)

	assert.Equal(t, []member.UniqueAddress{newcomer, kept}, s.Ring().MyReceivers())
	assert.Equal(t, []member.UniqueAddress{dropped}, s.OldReceiversNowUnreachable())
	assert.True(t, s.IsActiveReceiver(dropped))
	assert.NotContains(t, fd.removed, dropped.Address, "detector state is kept")

	s.HeartbeatRsp(dropped)
	assert.Empty(t, s.OldReceiversNowUnreachable())
	assert.Contains(t, fd.removed, dropped.Address, "released once it answered")
	assert.False(t, s.IsActiveReceiver(dropped))
}

func TestSenderState_ForgetsAvailableOldReceiver(t *testing.T) {
	all := nodes(7)
	self := all[0]
	walk := after(NewRing(self, all, nil, 2), self)

	fd := newFakeDetector()
	s := NewSenderState(self, 2, fd)
	s.Init(slices.DeleteFunc(slices.Clone(all), func(n member.UniqueAddress) bool { return n == walk[0] }), nil)
	s.AddMember(walk[0])

	assert.Empty(t, s.OldReceiversNowUnreachable())
	assert.Equal(t, []member.Address{walk[2].Address}, fd.removed)
}

func TestSenderState_IgnoresRspFromStrangers(t *testing.T) {
	all := nodes(7)
	fd := newFakeDetector()
	s := NewSenderState(all[0], 2, fd)
	s.Init(all, nil)

	for _, n := range all[1:] {
		if !s.IsActiveReceiver(n) {
			s.HeartbeatRsp(n)
			assert.False(t, fd.IsMonitoring(n.Address))
		}
	}
}

type harness struct {
	sched    *scheduler.Manual
	registry *failure.Registry
	sender   *Sender
	sent     []sent
}

type sent struct {
	to  member.Address
	msg transport.Message
}

func newHarness(t *testing.T, self member.UniqueAddress) *harness {
	h := &harness{sched: scheduler.NewManual(time.Unix(1000, 0))}
	h.registry = failure.NewPhiRegistry(failure.DefaultSettings(), h.sched.Now)
	h.sender = NewSender(Options{
		Self:                  self,
		Interval:              time.Second,
		ExpectedResponseAfter: time.Second,
		MonitoredBy:           3,
		Detector:              h.registry,
		Scheduler:             h.sched,
		Send: func(to member.Address, msg transport.Message) {
			h.sent = append(h.sent, sent{to: to, msg: msg})
		},
		Logger: zaptest.NewLogger(t),
	})
	return h
}

func upMembers(t *testing.T, addrs ...member.UniqueAddress) []member.Member {
	out := make([]member.Member, 0, len(addrs))
	for i, a := range addrs {
		m, err := member.New(a, nil).CopyUp(i + 1)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestSender_Lifecycle(t *testing.T) {
	all := nodes(5)
	self := all[0]
	h := newHarness(t, self)
	h.sender.Start()

	h.sched.Advance(3 * time.Second)
	assert.Equal(t, Initializing, h.sender.Phase())
	assert.Empty(t, h.sent, "ticks are ignored until the first snapshot")

	members := append(upMembers(t, all...), member.New(node(99), nil))
	h.sender.HandleEvent(events.CurrentClusterState{Members: members})
	require.Equal(t, Active, h.sender.Phase())
	assert.False(t, h.sender.State().Contains(node(99)), "joining members are not monitored")

	receivers := h.sender.State().ActiveReceivers()
	require.Len(t, receivers, 3)

	h.sched.Advance(time.Second)
	require.Len(t, h.sent, 3)
	for i, s := range h.sent {
		hb, ok := s.msg.(transport.Heartbeat)
		require.True(t, ok)
		assert.Equal(t, receivers[i].Address, s.to)
		assert.Equal(t, self.Address, hb.From)
		assert.EqualValues(t, 0, hb.SequenceNr)
	}
	assert.Empty(t, h.registry.Monitored())

	// nobody answered: the expected-first-heartbeat deadline starts the detectors
	h.sched.Advance(time.Second)
	assert.Len(t, h.sent, 6)
	assert.EqualValues(t, 1, h.sent[5].msg.(transport.Heartbeat).SequenceNr)
	var addrs []member.Address
	for _, r := range receivers {
		addrs = append(addrs, r.Address)
	}
	assert.Equal(t, addrs, h.registry.Monitored())
}

func TestSender_HeartbeatRsp(t *testing.T) {
	all := nodes(6)
	self := all[0]
	h := newHarness(t, self)
	h.sender.HandleRsp(transport.HeartbeatRsp{From: all[1]})
	assert.Empty(t, h.registry.Monitored(), "responses are ignored while initializing")

	h.sender.HandleEvent(events.CurrentClusterState{Members: upMembers(t, all...)})
	for _, n := range all[1:] {
		h.sender.HandleRsp(transport.HeartbeatRsp{From: n, SequenceNr: 1})
	}

	var want []member.Address
	for _, r := range h.sender.State().ActiveReceivers() {
		want = append(want, r.Address)
	}
	assert.Equal(t, want, h.registry.Monitored(), "only receivers are monitored")
}

func TestSender_MembershipEvents(t *testing.T) {
	all := nodes(4)
	self := all[0]
	h := newHarness(t, self)
	h.sender.HandleEvent(events.CurrentClusterState{Members: upMembers(t, all[:3]...)})

	newcomer := upMembers(t, all[3])[0]
	h.sender.HandleEvent(events.MemberUp{Member: newcomer})
	assert.True(t, h.sender.State().Contains(all[3]))

	other, err := member.New(node(50), []string{"dc-west"}).CopyUp(9)
	require.NoError(t, err)
	h.sender.HandleEvent(events.MemberUp{Member: other})
	assert.False(t, h.sender.State().Contains(other.UniqueAddress), "other data centers are not on the ring")

	h.sender.HandleEvent(events.UnreachableMember{Member: newcomer})
	assert.True(t, h.sender.State().Ring().IsUnreachable(all[3]))
	h.sender.HandleEvent(events.ReachableMember{Member: newcomer})
	assert.False(t, h.sender.State().Ring().IsUnreachable(all[3]))

	removed, err := newcomer.Copy(member.Down)
	require.NoError(t, err)
	h.sender.HandleEvent(events.MemberRemoved{Member: removed, PreviousStatus: member.Down})
	assert.False(t, h.sender.State().Contains(all[3]))
}

func TestSender_StopsWhenSelfRemoved(t *testing.T) {
	all := nodes(4)
	self := all[0]
	h := newHarness(t, self)
	h.sender.Start()
	h.sender.HandleEvent(events.CurrentClusterState{Members: upMembers(t, all...)})
	h.sched.Advance(time.Second)
	require.NotZero(t, h.sched.Pending())

	selfMember := upMembers(t, self)[0]
	h.sender.HandleEvent(events.MemberRemoved{Member: selfMember, PreviousStatus: member.Exiting})

	assert.Equal(t, Stopped, h.sender.Phase())
	assert.Zero(t, h.sched.Pending(), "every timer is cancelled")
	before := len(h.sent)
	h.sched.Advance(5 * time.Second)
	h.sender.Tick()
	assert.Len(t, h.sent, before)
}

func TestReceiver_EchoesHeartbeat(t *testing.T) {
	self := node(1)
	var got []sent
	r := NewReceiver(self, func(to member.Address, msg transport.Message) {
		got = append(got, sent{to: to, msg: msg})
	})

	from := node(2).Address
	r.Handle(transport.Heartbeat{From: from, SequenceNr: 4, CreationTime: 99, CrossDC: true})

	require.Len(t, got, 1)
	assert.Equal(t, from, got[0].to)
	assert.Equal(t, transport.HeartbeatRsp{From: self, SequenceNr: 4, CreationTime: 99, CrossDC: true}, got[0].msg)
}
