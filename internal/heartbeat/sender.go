package heartbeat

import (
	"time"

	"go.uber.org/zap"

	"membership/internal/events"
	"membership/internal/member"
	"membership/internal/scheduler"
	"membership/internal/transport"
)

// Phase is the lifecycle state of a Sender.
type Phase int

const (
	// Initializing waits for the first membership snapshot; ticks are ignored.
	Initializing Phase = iota
	// Active sends heartbeats on every tick.
	Active
	// Stopped is final.
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "Initializing"
	case Active:
		return "Active"
	default:
		return "Stopped"
	}
}

// Options configures a Sender.
type Options struct {
	Self       member.UniqueAddress
	DataCenter string

	Interval              time.Duration
	ExpectedResponseAfter time.Duration
	MonitoredBy           int

	Detector  FailureDetector
	Scheduler scheduler.Scheduler
	Send      func(to member.Address, msg transport.Message)
	// Post runs fn on the goroutine that owns the sender. Nil runs fn inline.
	Post   func(fn func())
	Logger *zap.Logger
}

// Sender heartbeats the ring receivers of one node inside its data center.
// It is not safe for concurrent use; timer callbacks go through Options.Post.
type Sender struct {
	opts   Options
	logger *zap.Logger

	phase    Phase
	state    *SenderState
	seq      int64
	ticker   scheduler.Cancellable
	expected map[member.UniqueAddress]scheduler.Cancellable
}

// NewSender creates a sender in phase Initializing. Call Start to begin ticking.
func NewSender(opts Options) *Sender {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.DataCenter == "" {
		opts.DataCenter = member.DefaultDataCenter
	}
	return &Sender{
		opts:     opts,
		logger:   opts.Logger.Named("heartbeat"),
		state:    NewSenderState(opts.Self, opts.MonitoredBy, opts.Detector),
		expected: make(map[member.UniqueAddress]scheduler.Cancellable),
	}
}

// Start schedules the periodic tick.
func (s *Sender) Start() {
	if s.ticker != nil || s.phase == Stopped {
		return
	}
	s.ticker = s.opts.Scheduler.ScheduleRepeating(s.opts.Interval, s.opts.Interval, func() {
		s.opts.Post(s.Tick)
	})
}

// Phase returns the current phase.
func (s *Sender) Phase() Phase { return s.phase }

// State exposes the ring state.
func (s *Sender) State() *SenderState { return s.state }

// Tick sends one round of heartbeats when active.
func (s *Sender) Tick() {
	if s.phase != Active {
		return
	}
	for _, to := range s.state.ActiveReceivers() {
		if !s.opts.Detector.IsMonitoring(to.Address) {
			s.expectFirstHeartbeat(to)
		}
		s.opts.Send(to.Address, transport.Heartbeat{
			From:         s.opts.Self.Address,
			SequenceNr:   s.seq,
			CreationTime: s.opts.Scheduler.Now().UnixNano(),
		})
	}
	s.seq++
}

// expectFirstHeartbeat arms a one-shot timer for a receiver that has never
// answered, so that its detector starts even if no response ever arrives.
func (s *Sender) expectFirstHeartbeat(to member.UniqueAddress) {
	if _, pending := s.expected[to]; pending {
		return
	}
	s.expected[to] = s.opts.Scheduler.ScheduleOnce(s.opts.ExpectedResponseAfter, func() {
		s.opts.Post(func() { s.ExpectedFirstHeartbeat(to) })
	})
}

// ExpectedFirstHeartbeat starts monitoring from if it is still a receiver and
// has not answered yet.
func (s *Sender) ExpectedFirstHeartbeat(from member.UniqueAddress) {
	delete(s.expected, from)
	if s.phase != Active {
		return
	}
	if s.state.IsActiveReceiver(from) && !s.opts.Detector.IsMonitoring(from.Address) {
		s.logger.Debug("First heartbeat expected but not received, starting detector", zap.Stringer("node", from))
		s.opts.Detector.Heartbeat(from.Address)
	}
}

// HandleRsp feeds a heartbeat response into the detector.
func (s *Sender) HandleRsp(rsp transport.HeartbeatRsp) {
	if s.phase != Active {
		return
	}
	s.state.HeartbeatRsp(rsp.From)
}

// HandleEvent applies a membership event. The first CurrentClusterState
// activates the sender.
func (s *Sender) HandleEvent(e events.ClusterEvent) {
	switch e := e.(type) {
	case events.CurrentClusterState:
		if s.phase == Initializing {
			s.init(e)
		}
		return
	}
	if s.phase != Active {
		return
	}

	switch e := e.(type) {
	case events.MemberRemoved:
		if e.Member.UniqueAddress == s.opts.Self {
			s.Stop()
			return
		}
		if s.sameDC(e.Member) {
			s.removeMember(e.Member.UniqueAddress)
		}
	case events.MemberUp:
		s.addMember(e.Member)
	case events.MemberWeaklyUp:
		s.addMember(e.Member)
	case events.UnreachableMember:
		if s.sameDC(e.Member) {
			s.state.UnreachableMember(e.Member.UniqueAddress)
		}
	case events.ReachableMember:
		if s.sameDC(e.Member) {
			s.state.ReachableMember(e.Member.UniqueAddress)
		}
	}
}

func (s *Sender) init(snapshot events.CurrentClusterState) {
	var nodes, unreachable []member.UniqueAddress
	for _, m := range snapshot.Members {
		if s.sameDC(m) && m.Status != member.Joining && m.Status != member.Removed {
			nodes = append(nodes, m.UniqueAddress)
		}
	}
	for _, m := range snapshot.Unreachable {
		if s.sameDC(m) {
			unreachable = append(unreachable, m.UniqueAddress)
		}
	}
	s.state.Init(nodes, unreachable)
	s.phase = Active
	s.logger.Info("Heartbeat sender active",
		zap.Int("nodes", len(nodes)),
		zap.Int("receivers", len(s.state.Ring().MyReceivers())))
}

func (s *Sender) addMember(m member.Member) {
	if m.UniqueAddress == s.opts.Self || !s.sameDC(m) || s.state.Contains(m.UniqueAddress) {
		return
	}
	s.state.AddMember(m.UniqueAddress)
}

func (s *Sender) removeMember(node member.UniqueAddress) {
	if t, ok := s.expected[node]; ok {
		t.Cancel()
		delete(s.expected, node)
	}
	s.state.RemoveMember(node)
}

func (s *Sender) sameDC(m member.Member) bool {
	return m.DataCenter() == s.opts.DataCenter
}

// Stop cancels every timer. The sender ignores all further input.
func (s *Sender) Stop() {
	if s.phase == Stopped {
		return
	}
	s.phase = Stopped
	if s.ticker != nil {
		s.ticker.Cancel()
	}
	for n, t := range s.expected {
		t.Cancel()
		delete(s.expected, n)
	}
	s.logger.Info("Heartbeat sender stopped")
}
