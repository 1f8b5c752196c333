package sbr

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"membership/internal/events"
	"membership/internal/member"
	"membership/internal/scheduler"
)

// Decision describes one downing action.
type Decision struct {
	Strategy    string
	Unreachable []member.UniqueAddress
	Remaining   []member.UniqueAddress
	Down        []member.UniqueAddress
}

// Options configures a Resolver.
type Options struct {
	Self        member.UniqueAddress
	DataCenter  string
	Strategy    Strategy
	StableAfter time.Duration
	Scheduler   scheduler.Scheduler
	// Down marks a member Down in the local gossip.
	Down func(member.Address)
	// Post runs fn on the goroutine that owns the resolver. Nil runs fn inline.
	Post func(fn func())
	// OnDecision, when set, observes every decision.
	OnDecision func(Decision)
	Logger     *zap.Logger
}

// Resolver downs one side of a partition once the set of unreachable members
// has been stable for StableAfter. It only acts while self is Up.
type Resolver struct {
	opts   Options
	logger *zap.Logger

	selfUp      bool
	reachable   map[member.UniqueAddress]member.Member
	unreachable map[member.UniqueAddress]member.Member
	// observed holds every node reported unreachable, tracked or not, so that
	// a member becoming Up after its UnreachableMember event starts out
	// unreachable.
	observed map[member.UniqueAddress]struct{}
	timer    scheduler.Cancellable
	stopped  bool
}

// NewResolver creates a resolver that waits for membership events.
func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.DataCenter == "" {
		opts.DataCenter = member.DefaultDataCenter
	}
	return &Resolver{
		opts:        opts,
		logger:      opts.Logger.Named("sbr").With(zap.String("strategy", opts.Strategy.Name())),
		reachable:   make(map[member.UniqueAddress]member.Member),
		unreachable: make(map[member.UniqueAddress]member.Member),
		observed:    make(map[member.UniqueAddress]struct{}),
	}
}

// Reachable returns the tracked reachable members in address order.
func (r *Resolver) Reachable() []member.Member { return sorted(r.reachable) }

// Unreachable returns the tracked unreachable members in address order.
func (r *Resolver) Unreachable() []member.Member { return sorted(r.unreachable) }

func sorted(set map[member.UniqueAddress]member.Member) []member.Member {
	out := make([]member.Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	slices.SortFunc(out, member.CompareAddress)
	return out
}

// HandleEvent updates the tracked sets. Every change restarts the stability
// timer.
func (r *Resolver) HandleEvent(e events.ClusterEvent) {
	if r.stopped {
		return
	}
	changed := false
	switch e := e.(type) {
	case events.CurrentClusterState:
		r.reachable = make(map[member.UniqueAddress]member.Member)
		r.unreachable = make(map[member.UniqueAddress]member.Member)
		r.observed = make(map[member.UniqueAddress]struct{})
		for _, m := range e.Unreachable {
			r.observed[m.UniqueAddress] = struct{}{}
		}
		for _, m := range e.Members {
			if m.UniqueAddress == r.opts.Self {
				r.selfUp = m.Status == member.Up
			}
			r.track(m)
		}
		changed = true
	case events.MemberUp:
		if e.Member.UniqueAddress == r.opts.Self {
			r.selfUp = true
		}
		changed = r.track(e.Member)
	case events.MemberRemoved:
		if e.Member.UniqueAddress == r.opts.Self {
			r.Stop()
			return
		}
		delete(r.observed, e.Member.UniqueAddress)
		changed = r.untrack(e.Member.UniqueAddress)
	case events.MemberEvent:
		// Leaving, Exiting and Down members are handled by the leader.
		changed = r.untrack(e.EventMember().UniqueAddress)
	case events.UnreachableMember:
		r.observed[e.Member.UniqueAddress] = struct{}{}
		changed = r.markUnreachable(e.Member)
	case events.ReachableMember:
		delete(r.observed, e.Member.UniqueAddress)
		if m, ok := r.unreachable[e.Member.UniqueAddress]; ok {
			delete(r.unreachable, m.UniqueAddress)
			r.reachable[m.UniqueAddress] = m
			changed = true
		}
	}
	if changed {
		r.resetTimer()
	}
}

func (r *Resolver) track(m member.Member) bool {
	if m.Status != member.Up || m.DataCenter() != r.opts.DataCenter {
		return false
	}
	if _, ok := r.unreachable[m.UniqueAddress]; ok {
		r.unreachable[m.UniqueAddress] = m
		return false
	}
	if _, ok := r.observed[m.UniqueAddress]; ok {
		delete(r.reachable, m.UniqueAddress)
		r.unreachable[m.UniqueAddress] = m
		return true
	}
	_, known := r.reachable[m.UniqueAddress]
	r.reachable[m.UniqueAddress] = m
	return !known
}

func (r *Resolver) untrack(node member.UniqueAddress) bool {
	_, a := r.reachable[node]
	_, b := r.unreachable[node]
	delete(r.reachable, node)
	delete(r.unreachable, node)
	return a || b
}

// markUnreachable moves a tracked member to the unreachable set. A member
// that is not tracked yet is tracked as unreachable when it qualifies.
func (r *Resolver) markUnreachable(m member.Member) bool {
	if _, ok := r.unreachable[m.UniqueAddress]; ok {
		return false
	}
	if tracked, ok := r.reachable[m.UniqueAddress]; ok {
		delete(r.reachable, m.UniqueAddress)
		r.unreachable[m.UniqueAddress] = tracked
		return true
	}
	return r.track(m)
}

func (r *Resolver) resetTimer() {
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
	if len(r.unreachable) == 0 {
		return
	}
	r.timer = r.opts.Scheduler.ScheduleOnce(r.opts.StableAfter, func() {
		r.opts.Post(r.Stable)
	})
}

// Stable runs the strategy. It is called by the stability timer.
func (r *Resolver) Stable() {
	r.timer = nil
	if r.stopped || len(r.unreachable) == 0 {
		return
	}
	if !r.selfUp {
		r.logger.Debug("Partition is stable but self is not Up, not deciding")
		return
	}

	unreachable, remaining := r.Unreachable(), r.Reachable()
	down := r.opts.Strategy.Decide(unreachable, remaining)

	d := Decision{
		Strategy:    r.opts.Strategy.Name(),
		Unreachable: addresses(unreachable),
		Remaining:   addresses(remaining),
		Down:        addresses(down),
	}
	if slices.Contains(d.Down, r.opts.Self) {
		// The other side removes the rest of us.
		d.Down = []member.UniqueAddress{r.opts.Self}
	}
	slices.SortFunc(d.Down, member.UniqueAddress.Compare)

	r.logger.Warn("Split brain resolver downing members",
		zap.Int("unreachable", len(unreachable)),
		zap.Int("remaining", len(remaining)),
		zap.Stringers("down", d.Down))
	for _, n := range d.Down {
		r.opts.Down(n.Address)
	}
	if r.opts.OnDecision != nil {
		r.opts.OnDecision(d)
	}
}

func addresses(ms []member.Member) []member.UniqueAddress {
	out := make([]member.UniqueAddress, len(ms))
	for i, m := range ms {
		out[i] = m.UniqueAddress
	}
	return out
}

// Stop cancels the stability timer.
func (r *Resolver) Stop() {
	r.stopped = true
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
}
