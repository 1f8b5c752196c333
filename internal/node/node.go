package node

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"membership/internal/clock"
	"membership/internal/config"
	"membership/internal/crossdc"
	"membership/internal/events"
	"membership/internal/failure"
	"membership/internal/gossip"
	"membership/internal/heartbeat"
	"membership/internal/member"
	"membership/internal/sbr"
	"membership/internal/scheduler"
	"membership/internal/telemetry"
	"membership/internal/transport"
)

const mailboxSize = 1024

var (
	// ErrStopped is returned by commands sent to a node that is no longer running.
	ErrStopped = errors.New("node stopped")
	// ErrNotMember is returned by commands sent before the node has joined.
	ErrNotMember = errors.New("node is not a cluster member")
	// ErrUnknownMember is returned when a command names an address that is not
	// a member.
	ErrUnknownMember = errors.New("unknown member")
)

// Phase is the lifecycle state of a Node.
type Phase int

const (
	// Uninitialized has not started joining.
	Uninitialized Phase = iota
	// TryingToJoin waits for a Welcome from a seed.
	TryingToJoin
	// Initialized is a member of the cluster.
	Initialized
	// Terminated is final.
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "Uninitialized"
	case TryingToJoin:
		return "TryingToJoin"
	case Initialized:
		return "Initialized"
	default:
		return "Terminated"
	}
}

// Options configures a Node.
type Options struct {
	Config config.Config
	// Self overrides the identity derived from Config. A zero value gets a
	// fresh incarnation of Config.SelfAddress().
	Self member.UniqueAddress
	// Scheduler defaults to a wall clock scheduler owned by the node.
	Scheduler scheduler.Scheduler
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
	// Rand picks gossip targets. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

// Node owns the membership state of one cluster member. Every input, whether
// a wire message, a timer or a command, is handed to a single goroutine that
// applies it to the state and publishes the result.
type Node struct {
	cfg        config.Config
	self       member.UniqueAddress
	selfDC     string
	roles      []string
	vclockNode clock.Node
	logger     *zap.Logger
	sched      scheduler.Scheduler
	ownSched   *scheduler.Wall
	metrics    *telemetry.Metrics
	rng        *rand.Rand

	publisher *events.Publisher
	fd        *failure.Registry
	crossFD   *failure.Registry

	mailbox    chan func()
	quit       chan struct{}
	done       chan struct{}
	terminated chan struct{}
	started    atomic.Bool
	stopOnce   sync.Once
	termOnce   sync.Once

	// Owned by the run goroutine.
	tr                  transport.Transport
	state               *gossip.MembershipState
	phase               Phase
	seeds               []member.Address
	joinAttempt         int
	joinTimer           scheduler.Cancellable
	timers              []scheduler.Cancellable
	leaderActionCounter int
	stats               events.GossipStats
	hbSender            *heartbeat.Sender
	hbReceiver          *heartbeat.Receiver
	crossSender         *crossdc.Sender
	resolver            *sbr.Resolver
	unsubscribe         []func()
}

// New creates a node. It does nothing until Start is called.
func New(opts Options) *Node {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	self := opts.Self
	if self.IsZero() {
		self = member.NewUniqueAddress(cfg.SelfAddress())
	}
	roles := member.New(self, cfg.Roles()).Roles
	selfDC := member.Member{Roles: roles}.DataCenter()

	n := &Node{
		cfg:        cfg,
		self:       self,
		selfDC:     selfDC,
		roles:      roles,
		vclockNode: self.VClockNode(),
		logger:     logger.Named("node").With(zap.Stringer("self", self)),
		sched:      opts.Scheduler,
		metrics:    opts.Metrics,
		rng:        opts.Rand,
		mailbox:    make(chan func(), mailboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
	if n.sched == nil {
		n.ownSched = scheduler.NewWall()
		n.sched = n.ownSched
	}
	if n.rng == nil {
		n.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	n.state = gossip.NewMembershipState(gossip.Empty(), self, selfDC)
	n.publisher = events.NewPublisher(n.state, logger)
	n.fd = failure.NewPhiRegistry(cfg.PhiSettings(), n.sched.Now)
	n.crossFD = failure.NewPhiRegistry(cfg.PhiSettings(), n.sched.Now)
	return n
}

// Self returns the node's identity.
func (n *Node) Self() member.UniqueAddress { return n.self }

// Terminated is closed once the node has left the cluster or was stopped.
func (n *Node) Terminated() <-chan struct{} { return n.terminated }

// Start wires the node to tr and starts its timers and its goroutine. tr
// must deliver incoming messages to Receive.
func (n *Node) Start(tr transport.Transport) error {
	if err := n.wire(tr); err != nil {
		return err
	}
	go n.run()
	return nil
}

// wire builds the components around tr and arms the timers. Until run is
// started, posted work only queues up in the mailbox.
func (n *Node) wire(tr transport.Transport) error {
	if n.started.Load() {
		return errors.New("node already started")
	}
	n.tr = tr

	strategy, err := sbr.NewStrategy(n.cfg.SBRSettings())
	if err != nil {
		return err
	}

	fdCfg := n.cfg.FailureDetector
	n.hbReceiver = heartbeat.NewReceiver(n.self, n.send)
	n.hbSender = heartbeat.NewSender(heartbeat.Options{
		Self:                  n.self,
		DataCenter:            n.selfDC,
		Interval:              fdCfg.HeartbeatInterval,
		ExpectedResponseAfter: fdCfg.ExpectedResponseAfter,
		MonitoredBy:           fdCfg.MonitoredByNrOfMembers,
		Detector:              n.fd,
		Scheduler:             n.sched,
		Send:                  n.sendHeartbeat(telemetry.ScopeIntraDC),
		Post:                  n.post,
		Logger:                n.logger,
	})
	n.crossSender = crossdc.NewSender(crossdc.Options{
		Self:                  n.self,
		DataCenter:            n.selfDC,
		Interval:              n.cfg.MultiDC.HeartbeatInterval,
		ExpectedResponseAfter: fdCfg.ExpectedResponseAfter,
		Connections:           n.cfg.MultiDC.CrossDCConnections,
		Detector:              n.crossFD,
		Scheduler:             n.sched,
		Send:                  n.sendHeartbeat(telemetry.ScopeCrossDC),
		Post:                  n.post,
		Logger:                n.logger,
	})

	kinds := events.KindMember | events.KindReachability
	n.unsubscribe = append(n.unsubscribe,
		n.publisher.Subscribe(kinds, events.InitialStateAsSnapshot, n.hbSender.HandleEvent),
		n.publisher.Subscribe(kinds, events.InitialStateAsSnapshot, n.crossSender.HandleEvent),
	)
	if strategy != nil {
		n.resolver = sbr.NewResolver(sbr.Options{
			Self:        n.self,
			DataCenter:  n.selfDC,
			Strategy:    strategy,
			StableAfter: n.cfg.SplitBrainResolver.StableAfter,
			Scheduler:   n.sched,
			Down:        func(a member.Address) { _ = n.downing(a) },
			Post:        n.post,
			OnDecision: func(d sbr.Decision) {
				n.metrics.Decision(d.Strategy, len(d.Down))
			},
			Logger: n.logger,
		})
		n.unsubscribe = append(n.unsubscribe,
			n.publisher.Subscribe(kinds, events.InitialStateAsSnapshot, n.resolver.HandleEvent))
	}

	n.hbSender.Start()
	n.crossSender.Start()

	g := n.cfg.Gossip
	n.every(g.Interval, n.gossipTick)
	n.every(g.LeaderActionsInterval, n.leaderActions)
	n.every(g.UnreachableReaperInterval, n.reapUnreachableMembers)
	if g.PublishStatsInterval > 0 {
		n.every(g.PublishStatsInterval, n.publishInternalStats)
	}

	n.started.Store(true)
	n.logger.Info("Cluster node started",
		zap.String("dc", n.selfDC),
		zap.Strings("roles", n.roles),
		zap.String("sbr", strategyName(strategy)))
	return nil
}

func strategyName(s sbr.Strategy) string {
	if s == nil {
		return sbr.Off
	}
	return s.Name()
}

func (n *Node) every(interval time.Duration, fn func()) {
	n.timers = append(n.timers, n.sched.ScheduleRepeating(interval, interval, func() { n.post(fn) }))
}

func (n *Node) run() {
	defer close(n.done)
	for {
		select {
		case fn := <-n.mailbox:
			fn()
		case <-n.quit:
			n.terminate("stopped", false)
			return
		}
	}
}

// post hands fn to the node goroutine. Work is dropped when the mailbox is
// full; every input is either best effort or retried by a timer.
func (n *Node) post(fn func()) {
	select {
	case n.mailbox <- fn:
	default:
		n.logger.Debug("Mailbox full, dropping work")
	}
}

// call runs fn on the node goroutine and waits for its result.
func (n *Node) call(ctx context.Context, fn func() error) error {
	if !n.started.Load() {
		return ErrStopped
	}
	errc := make(chan error, 1)
	select {
	case n.mailbox <- func() { errc <- fn() }:
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the node without leaving the cluster and waits for its
// goroutine to exit. The transport is not closed.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if !n.started.Load() {
			n.termOnce.Do(func() { close(n.terminated) })
			return
		}
		close(n.quit)
		<-n.done
		if n.ownSched != nil {
			n.ownSched.Stop()
		}
	})
}

// Receive is the transport handler. Heartbeats are answered right away;
// everything else is processed on the node goroutine.
func (n *Node) Receive(msg transport.Message) {
	if !n.started.Load() {
		return
	}
	switch m := msg.(type) {
	case transport.Heartbeat:
		select {
		case <-n.terminated:
		default:
			n.hbReceiver.Handle(m)
		}
	case transport.HeartbeatRsp:
		n.post(func() { n.heartbeatRsp(m) })
	case transport.Join:
		n.post(func() { n.joining(m.Node, m.Roles) })
	case transport.Welcome:
		n.post(func() { n.welcome(m.From, m.Gossip) })
	case transport.GossipEnvelope:
		n.post(func() { n.receiveGossip(m) })
	case transport.Leave:
		n.post(func() { _ = n.leaving(m.Address) })
	case transport.Down:
		n.post(func() { _ = n.downing(m.Address) })
	}
}

// ready reports whether commands can be applied.
func (n *Node) ready() error {
	switch n.phase {
	case Initialized:
		return nil
	case Terminated:
		return ErrStopped
	default:
		return ErrNotMember
	}
}

func (n *Node) heartbeatRsp(rsp transport.HeartbeatRsp) {
	if rsp.CrossDC {
		n.metrics.HeartbeatResponse(telemetry.ScopeCrossDC)
		n.crossSender.HandleRsp(rsp)
		return
	}
	n.metrics.HeartbeatResponse(telemetry.ScopeIntraDC)
	n.hbSender.HandleRsp(rsp)
}

func (n *Node) send(to member.Address, msg transport.Message) {
	n.tr.Send(to, msg)
}

func (n *Node) sendHeartbeat(scope string) func(member.Address, transport.Message) {
	return func(to member.Address, msg transport.Message) {
		n.metrics.HeartbeatSent(scope)
		n.tr.Send(to, msg)
	}
}

// updateLatestGossip versions a locally originated change, marks it seen by
// self only and publishes it.
func (n *Node) updateLatestGossip(g *gossip.Gossip) error {
	return n.setGossip(g.Increment(n.vclockNode).OnlySeen(n.self))
}

// setGossip replaces the state with g and publishes it. With invariant
// assertion enabled a violating gossip is rejected.
func (n *Node) setGossip(g *gossip.Gossip) error {
	if n.cfg.Gossip.AssertInvariants {
		if err := g.CheckInvariants(); err != nil {
			n.logger.Error("Rejecting gossip update", zap.Error(err))
			return err
		}
	}
	n.state = n.state.WithGossip(g)
	n.publisher.Publish(n.state)
	n.metrics.ObserveState(n.state)

	if m, ok := n.state.SelfMember(); ok {
		switch m.Status {
		case member.Down:
			n.terminate("downed", true)
		case member.Exiting:
			n.terminate("exiting", true)
		}
	}
	return nil
}

// terminate stops every timer and component and publishes a final state
// without self. With notify, the current gossip is sent to every reachable
// member first so that they learn about our status.
func (n *Node) terminate(reason string, notify bool) {
	if n.phase == Terminated {
		return
	}
	if notify {
		for _, m := range n.state.Members() {
			n.gossipTo(m.UniqueAddress)
		}
	}
	previous := n.phase
	n.phase = Terminated
	n.logger.Info("Shutting down cluster node", zap.String("reason", reason), zap.Stringer("phase", previous))

	for _, t := range n.timers {
		t.Cancel()
	}
	n.timers = nil
	if n.joinTimer != nil {
		n.joinTimer.Cancel()
		n.joinTimer = nil
	}

	if n.state.Gossip().HasMember(n.self) {
		n.state = n.state.WithGossip(n.state.Gossip().Remove(n.self))
		n.publisher.Publish(n.state)
	}
	n.hbSender.Stop()
	n.crossSender.Stop()
	if n.resolver != nil {
		n.resolver.Stop()
	}
	for _, unsubscribe := range n.unsubscribe {
		unsubscribe()
	}
	n.unsubscribe = nil
	n.termOnce.Do(func() { close(n.terminated) })
}
