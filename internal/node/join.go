package node

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"membership/internal/gossip"
	"membership/internal/member"
	"membership/internal/transport"
)

// JoinSeedNodes starts joining the cluster. With no seeds, or when the first
// seed is this node, the node forms a new cluster on its own. Otherwise it
// asks the seeds in turn until one of them answers with a Welcome.
func (n *Node) JoinSeedNodes(ctx context.Context, seeds []member.Address) error {
	return n.call(ctx, func() error {
		n.joinSeedNodes(seeds)
		return nil
	})
}

func (n *Node) joinSeedNodes(seeds []member.Address) {
	if n.phase != Uninitialized {
		n.logger.Info("Ignoring join request, already joining or joined", zap.Stringer("phase", n.phase))
		return
	}
	if len(seeds) == 0 || seeds[0] == n.self.Address {
		n.joinSelf()
		return
	}

	n.seeds = slices.DeleteFunc(slices.Clone(seeds), func(a member.Address) bool { return a == n.self.Address })
	n.phase = TryingToJoin
	n.sendJoin()
	n.joinTimer = n.sched.ScheduleRepeating(n.cfg.Gossip.RetryJoinAfter, n.cfg.Gossip.RetryJoinAfter, func() {
		n.post(n.retryJoin)
	})
}

func (n *Node) sendJoin() {
	seed := n.seeds[n.joinAttempt%len(n.seeds)]
	n.joinAttempt++
	n.logger.Info("Trying to join seed node", zap.Stringer("seed", seed), zap.Int("attempt", n.joinAttempt))
	n.send(seed, transport.Join{Node: n.self, Roles: n.roles})
}

func (n *Node) retryJoin() {
	if n.phase != TryingToJoin {
		return
	}
	n.sendJoin()
}

// joinSelf bootstraps a singleton cluster. The node becomes Up right away.
func (n *Node) joinSelf() {
	n.phase = Initialized
	n.joining(n.self, n.roles)
}

// joining handles a Join from node, or the bootstrap of self.
func (n *Node) joining(node member.UniqueAddress, roles []string) {
	if n.phase != Initialized {
		n.logger.Debug("Ignoring join, not a member yet", zap.Stringer("node", node))
		return
	}
	if selfMember, ok := n.state.SelfMember(); ok && (selfMember.Status == member.Down || selfMember.Status == member.Exiting) {
		n.logger.Info("Ignoring join, self is leaving the cluster", zap.Stringer("node", node))
		return
	}

	g := n.state.Gossip()
	existing, found := g.MemberByAddress(node.Address)
	switch {
	case found && existing.UniqueAddress == node:
		// A retry whose Welcome was lost.
		n.logger.Info("Existing member is joining again", zap.Stringer("node", node))
		if node != n.self {
			n.send(node.Address, transport.Welcome{From: n.self, Gossip: g})
		}

	case found:
		// A new incarnation. The old one is terminated and downed; the joiner
		// retries and is accepted once the old one is removed.
		n.logger.Info("New incarnation of existing member is trying to join, downing the old one",
			zap.Stringer("old", existing.UniqueAddress),
			zap.Stringer("new", node))
		next := g.WithReachability(g.Reachability().Terminated(n.self, existing.UniqueAddress))
		if existing.Status != member.Down {
			var err error
			if next, err = next.MarkAsDown(existing); err != nil {
				n.logger.Error("Cannot down old incarnation", zap.Error(err))
				return
			}
		}
		if err := n.updateLatestGossip(next); err != nil {
			n.logger.Error("Cannot down old incarnation", zap.Stringer("node", existing.UniqueAddress), zap.Error(err))
		}

	default:
		n.fd.Remove(node.Address)
		n.crossFD.Remove(node.Address)

		joiner := member.New(node, roles)
		next := g.Update(joiner)
		if !g.HasMember(n.self) && node != n.self {
			next = next.Update(member.New(n.self, n.roles))
		}
		if err := n.updateLatestGossip(next); err != nil {
			return
		}
		n.logger.Info("Node is JOINING", zap.Stringer("node", node), zap.Strings("roles", joiner.Roles))

		if node == n.self {
			if g.IsEmpty() {
				// Bootstrapping: the leader moves us to Up right away.
				n.leaderActions()
			}
			return
		}
		n.send(node.Address, transport.Welcome{From: n.self, Gossip: n.state.Gossip()})
	}
}

// welcome handles the answer to our Join.
func (n *Node) welcome(from member.UniqueAddress, g *gossip.Gossip) {
	if n.phase != TryingToJoin {
		n.logger.Debug("Ignoring welcome, not joining", zap.Stringer("from", from))
		return
	}
	if !slices.Contains(n.seeds, from.Address) {
		n.logger.Info("Ignoring welcome from unexpected node", zap.Stringer("from", from))
		return
	}
	if !g.HasMember(n.self) {
		n.logger.Warn("Ignoring welcome without self", zap.Stringer("from", from))
		return
	}

	n.phase = Initialized
	if err := n.setGossip(g.Seen(n.self)); err != nil {
		n.phase = TryingToJoin
		return
	}
	if n.joinTimer != nil {
		n.joinTimer.Cancel()
		n.joinTimer = nil
	}
	if n.phase == Terminated {
		return
	}
	n.logger.Info("Welcome from seed node", zap.Stringer("from", from))
	n.gossipTo(from)
}
