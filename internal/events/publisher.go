package events

import (
	"sync"

	"go.uber.org/zap"

	"membership/internal/gossip"
	"membership/internal/member"
)

// Subscriber receives events on the publishing goroutine. It must not block,
// and it must not subscribe or publish on the Publisher that calls it.
type Subscriber func(ClusterEvent)

// InitialState selects what a new subscriber receives first.
type InitialState int

const (
	// InitialStateAsSnapshot delivers one CurrentClusterState.
	InitialStateAsSnapshot InitialState = iota
	// InitialStateAsEvents replays the events that lead from an empty
	// cluster to the current state.
	InitialStateAsEvents
)

// DropCounter counts events a channel subscriber could not accept.
// prometheus.Counter satisfies it.
type DropCounter interface {
	Inc()
}

type subscription struct {
	kinds Kind
	fn    Subscriber
}

// Publisher diffs every new membership state against the previous one and
// fans the resulting events out to subscribers. The latest state is the only
// history it keeps.
type Publisher struct {
	logger *zap.Logger

	// delivery serializes every call into subscribers, so that a new
	// subscriber gets its initial state before any later event.
	delivery sync.Mutex

	mu     sync.Mutex
	state  *gossip.MembershipState
	subs   map[uint64]subscription
	nextID uint64
}

// NewPublisher starts from initial, usually an empty gossip seen from self.
func NewPublisher(initial *gossip.MembershipState, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		logger: logger.Named("events"),
		state:  initial,
		subs:   make(map[uint64]subscription),
	}
}

// Subscribe registers fn for the given kinds and immediately delivers the
// initial state. fn is never called concurrently with itself, and the events
// it receives after the initial state start from that state. The returned
// function cancels the subscription.
func (p *Publisher) Subscribe(kinds Kind, initial InitialState, fn Subscriber) (unsubscribe func()) {
	p.delivery.Lock()
	defer p.delivery.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = subscription{kinds: kinds, fn: fn}
	state := p.state
	p.mu.Unlock()

	switch initial {
	case InitialStateAsEvents:
		empty := gossip.NewMembershipState(gossip.Empty(), state.Self(), state.SelfDC())
		for _, e := range Diff(empty, state) {
			if KindOf(e)&kinds != 0 {
				fn(e)
			}
		}
	default:
		fn(Snapshot(state))
	}

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Publish replaces the current state and delivers the events between the
// previous and the new state. It returns the events it computed.
func (p *Publisher) Publish(newState *gossip.MembershipState) []ClusterEvent {
	p.delivery.Lock()
	defer p.delivery.Unlock()

	p.mu.Lock()
	oldState := p.state
	p.state = newState
	subs := p.snapshotSubs()
	p.mu.Unlock()

	evts := Diff(oldState, newState)
	for _, e := range evts {
		p.logger.Debug("Publishing cluster event", zap.String("event", eventName(e)))
		deliver(subs, e)
	}
	return evts
}

// PublishEvent delivers an event that is not derived from a state change.
func (p *Publisher) PublishEvent(e ClusterEvent) {
	p.delivery.Lock()
	defer p.delivery.Unlock()

	p.mu.Lock()
	subs := p.snapshotSubs()
	p.mu.Unlock()
	deliver(subs, e)
}

// State returns the latest published membership state.
func (p *Publisher) State() *gossip.MembershipState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CurrentClusterState answers a snapshot query from the latest state.
func (p *Publisher) CurrentClusterState() CurrentClusterState {
	return Snapshot(p.State())
}

func (p *Publisher) snapshotSubs() []subscription {
	out := make([]subscription, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, s)
	}
	return out
}

func deliver(subs []subscription, e ClusterEvent) {
	kind := KindOf(e)
	for _, s := range subs {
		if s.kinds&kind != 0 {
			s.fn(e)
		}
	}
}

// Snapshot builds the CurrentClusterState of s.
func Snapshot(s *gossip.MembershipState) CurrentClusterState {
	g := s.Gossip()
	leader, _ := s.Leader()
	roleLeaders := make(map[string]member.UniqueAddress)
	for _, role := range g.AllRoles() {
		if l, ok := s.RoleLeader(role); ok {
			roleLeaders[role] = l
		}
	}
	return CurrentClusterState{
		Members:     g.Members(),
		Unreachable: s.UnreachableMembers(),
		SeenBy:      g.SeenBy(),
		Leader:      leader,
		RoleLeaders: roleLeaders,
		Convergence: s.Convergence(),
	}
}

// Channel returns a Subscriber that forwards into a buffered channel. When the
// channel is full the event is dropped and counted on dropped, which may be nil.
func Channel(buffer int, dropped DropCounter) (Subscriber, <-chan ClusterEvent) {
	ch := make(chan ClusterEvent, buffer)
	return func(e ClusterEvent) {
		select {
		case ch <- e:
		default:
			if dropped != nil {
				dropped.Inc()
			}
		}
	}, ch
}

func eventName(e ClusterEvent) string {
	switch e := e.(type) {
	case MemberEvent:
		m := e.EventMember()
		return m.Status.String() + " " + m.UniqueAddress.String()
	case UnreachableMember:
		return "Unreachable " + e.Member.UniqueAddress.String()
	case ReachableMember:
		return "Reachable " + e.Member.UniqueAddress.String()
	case LeaderChanged:
		return "LeaderChanged " + e.Leader.String()
	case RoleLeaderChanged:
		return "RoleLeaderChanged " + e.Role + " " + e.Leader.String()
	case SeenChanged:
		return "SeenChanged"
	case ReachabilityChanged:
		return "ReachabilityChanged"
	default:
		return "ClusterEvent"
	}
}
