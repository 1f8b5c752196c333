package crossdc

import (
	"time"

	"go.uber.org/zap"

	"membership/internal/events"
	"membership/internal/heartbeat"
	"membership/internal/member"
	"membership/internal/scheduler"
	"membership/internal/transport"
)

// Phase is the lifecycle state of a Sender.
type Phase int

const (
	// Dormant tracks membership but does not heartbeat.
	Dormant Phase = iota
	// Active heartbeats the oldest members of other data centers. A sender
	// never goes back to Dormant.
	Active
	// Stopped is final.
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Dormant:
		return "Dormant"
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
	// Connections is the number of oldest members per data center that probe
	// and are probed.
	Connections int

	Detector  heartbeat.FailureDetector
	Scheduler scheduler.Scheduler
	Send      func(to member.Address, msg transport.Message)
	Post      func(fn func())
	Logger    *zap.Logger
}

// Sender heartbeats other data centers when self is one of the oldest
// members of its own.
type Sender struct {
	opts   Options
	logger *zap.Logger

	phase       Phase
	initialized bool
	state       *State
	seq         int64
	ticker      scheduler.Cancellable
	expected    map[member.UniqueAddress]scheduler.Cancellable
}

// NewSender creates a dormant sender.
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
		logger:   opts.Logger.Named("crossdc"),
		state:    NewState(opts.DataCenter, opts.Connections, opts.Detector),
		expected: make(map[member.UniqueAddress]scheduler.Cancellable),
	}
}

// Start schedules the periodic tick. Ticks are ignored while dormant.
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

// State exposes the per data center view.
func (s *Sender) State() *State { return s.state }

// HandleEvent applies a membership event and activates the sender once self
// qualifies as a prober.
func (s *Sender) HandleEvent(e events.ClusterEvent) {
	if s.phase == Stopped {
		return
	}
	switch e := e.(type) {
	case events.CurrentClusterState:
		if s.initialized {
			return
		}
		s.initialized = true
		s.state.Init(e.Members)
	case events.MemberRemoved:
		if e.Member.UniqueAddress == s.opts.Self {
			s.Stop()
			return
		}
		s.dropExpected(e.Member.UniqueAddress)
		s.state.RemoveMember(e.Member)
	case events.MemberEvent:
		s.state.AddMember(e.EventMember())
	default:
		return
	}

	if s.phase == Dormant && s.state.ShouldActivate(s.opts.Self) {
		s.phase = Active
		s.logger.Info("Cross data center heartbeating active",
			zap.String("dc", s.opts.DataCenter),
			zap.Strings("monitoring", s.state.DataCenters()))
	}
}

// Tick heartbeats every active receiver.
func (s *Sender) Tick() {
	if s.phase != Active {
		return
	}
	for _, to := range s.state.ActiveReceivers() {
		if !s.opts.Detector.IsMonitoring(to.Address) {
			if _, pending := s.expected[to]; !pending {
				s.expected[to] = s.opts.Scheduler.ScheduleOnce(s.opts.ExpectedResponseAfter, func() {
					s.opts.Post(func() { s.ExpectedFirstHeartbeat(to) })
				})
			}
		}
		s.opts.Send(to.Address, transport.Heartbeat{
			From:         s.opts.Self.Address,
			SequenceNr:   s.seq,
			CreationTime: s.opts.Scheduler.Now().UnixNano(),
			CrossDC:      true,
		})
	}
	s.seq++
}

// ExpectedFirstHeartbeat starts the detector of a receiver that never answered.
func (s *Sender) ExpectedFirstHeartbeat(from member.UniqueAddress) {
	delete(s.expected, from)
	if s.phase != Active {
		return
	}
	if s.state.IsActiveReceiver(from) && !s.opts.Detector.IsMonitoring(from.Address) {
		s.opts.Detector.Heartbeat(from.Address)
	}
}

// HandleRsp records a response from an active receiver.
func (s *Sender) HandleRsp(rsp transport.HeartbeatRsp) {
	if s.phase != Active || !s.state.IsActiveReceiver(rsp.From) {
		return
	}
	s.opts.Detector.Heartbeat(rsp.From.Address)
}

func (s *Sender) dropExpected(node member.UniqueAddress) {
	if t, ok := s.expected[node]; ok {
		t.Cancel()
		delete(s.expected, node)
	}
}

// Stop cancels every timer.
func (s *Sender) Stop() {
	if s.phase == Stopped {
		return
	}
	s.phase = Stopped
	if s.ticker != nil {
		s.ticker.Cancel()
	}
	for n := range s.expected {
		s.dropExpected(n)
	}
}
