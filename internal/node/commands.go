package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"membership/internal/events"
	"membership/internal/member"
)

// Leave asks the cluster to remove addr gracefully. The member moves to
// Leaving here and the leader takes it from there.
func (n *Node) Leave(ctx context.Context, addr member.Address) error {
	return n.call(ctx, func() error { return n.leaving(addr) })
}

// Down marks addr as Down. The leader removes it once the cluster converges.
func (n *Node) Down(ctx context.Context, addr member.Address) error {
	return n.call(ctx, func() error { return n.downing(addr) })
}

// State returns the latest published cluster state. It is safe to call from
// any goroutine.
func (n *Node) State() events.CurrentClusterState {
	return n.publisher.CurrentClusterState()
}

// Subscribe registers fn for events of the given kinds. The initial state is
// delivered on the calling goroutine and later events on the node goroutine,
// never concurrently and never out of order. fn must not block or call back
// into the node; see Events for a buffered alternative.
func (n *Node) Subscribe(kinds events.Kind, initial events.InitialState, fn events.Subscriber) (unsubscribe func()) {
	return n.publisher.Subscribe(kinds, initial, fn)
}

// Events subscribes a buffered channel. Events that do not fit are dropped
// and counted.
func (n *Node) Events(kinds events.Kind, initial events.InitialState, buffer int) (<-chan events.ClusterEvent, func()) {
	var dropped events.DropCounter
	if c := n.metrics.EventsDropped(); c != nil {
		dropped = c
	}
	fn, ch := events.Channel(buffer, dropped)
	return ch, n.publisher.Subscribe(kinds, initial, fn)
}

func (n *Node) leaving(addr member.Address) error {
	if err := n.ready(); err != nil {
		return err
	}
	m, ok := n.state.Gossip().MemberByAddress(addr)
	if !ok {
		n.logger.Info("Ignoring leave of unknown node", zap.Stringer("address", addr))
		return fmt.Errorf("leave %s: %w", addr, ErrUnknownMember)
	}
	switch m.Status {
	case member.Joining, member.WeaklyUp, member.Up:
	default:
		n.logger.Debug("Ignoring leave, member already on its way out",
			zap.Stringer("node", m.UniqueAddress), zap.Stringer("status", m.Status))
		return nil
	}

	leavingMember, err := m.Copy(member.Leaving)
	if err != nil {
		return err
	}
	if err := n.updateLatestGossip(n.state.Gossip().Update(leavingMember)); err != nil {
		return err
	}
	n.logger.Info("Marked address as Leaving", zap.Stringer("node", m.UniqueAddress))
	n.gossipTick()
	return nil
}

func (n *Node) downing(addr member.Address) error {
	if err := n.ready(); err != nil {
		return err
	}
	g := n.state.Gossip()
	m, ok := g.MemberByAddress(addr)
	if !ok {
		n.logger.Info("Ignoring down of unknown node", zap.Stringer("address", addr))
		return fmt.Errorf("down %s: %w", addr, ErrUnknownMember)
	}
	if m.Status == member.Down {
		return nil
	}

	if g.Reachability().IsReachable(m.UniqueAddress) {
		n.logger.Info("Marking node as Down", zap.Stringer("node", m.UniqueAddress))
	} else {
		n.logger.Info("Marking unreachable node as Down", zap.Stringer("node", m.UniqueAddress))
	}
	next, err := g.MarkAsDown(m)
	if err != nil {
		n.logger.Error("Cannot mark node as Down", zap.Error(err))
		return err
	}
	return n.updateLatestGossip(next)
}
