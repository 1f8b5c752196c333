package node

import (
	"go.uber.org/zap"

	"membership/internal/clock"
	"membership/internal/events"
	"membership/internal/gossip"
	"membership/internal/member"
	"membership/internal/telemetry"
	"membership/internal/transport"
)

// Gossip targets that have not seen the current version are preferred with
// this probability, unless the cluster is large.
const (
	gossipDifferentViewProbability = 0.8
	reduceGossipDifferentViewFrom  = 400
)

// gossipTick sends the current gossip to one random peer.
func (n *Node) gossipTick() {
	if n.phase != Initialized || n.state.Gossip().IsSingletonCluster() {
		return
	}
	g := n.state.Gossip()

	var candidates, preferred []member.UniqueAddress
	for _, m := range g.Members() {
		if !n.state.ValidNodeForGossip(m.UniqueAddress) {
			continue
		}
		candidates = append(candidates, m.UniqueAddress)
		if !g.SeenByNode(m.UniqueAddress) {
			preferred = append(preferred, m.UniqueAddress)
		}
	}
	if len(candidates) == 0 {
		return
	}

	probability := gossipDifferentViewProbability
	if len(candidates) >= reduceGossipDifferentViewFrom {
		probability /= 2
	}
	if len(preferred) > 0 && n.rng.Float64() < probability {
		n.gossipTo(preferred[n.rng.IntN(len(preferred))])
		return
	}
	n.gossipTo(candidates[n.rng.IntN(len(candidates))])
}

// gossipTo sends the current gossip to node if it is a valid target.
func (n *Node) gossipTo(node member.UniqueAddress) {
	if n.phase == Terminated || !n.state.ValidNodeForGossip(node) {
		return
	}
	n.metrics.GossipSent()
	n.send(node.Address, transport.GossipEnvelope{From: n.self, To: node, Gossip: n.state.Gossip()})
}

// receiveGossip compares a remote gossip with ours, keeps the winner and
// tells the sender when it is behind.
func (n *Node) receiveGossip(env transport.GossipEnvelope) {
	from, remote := env.From, env.Gossip
	local := n.state.Gossip()
	n.stats.Received++

	switch {
	case n.phase != Initialized:
		n.discard("not a member", from)
		return
	case env.To != n.self:
		n.discard("gossip intended for someone else", from)
		return
	case !local.HasMember(from):
		n.discard("gossip from unknown node", from)
		return
	case !local.Reachability().IsReachableFrom(n.self, from):
		n.discard("gossip from unreachable node", from)
		return
	case !remote.HasMember(n.self):
		if m, ok := local.Member(n.self); ok && (m.Status == member.Leaving || m.Status == member.Exiting || m.Status == member.Down) {
			n.logger.Info("Removed from the cluster while leaving", zap.Stringer("from", from))
			n.terminate("removed", false)
			return
		}
		n.discard("gossip that does not contain self", from)
		return
	}

	var (
		winner   *gossip.Gossip
		talkback bool
		outcome  string
	)
	switch remote.Version().Compare(local.Version()) {
	case clock.Same:
		winner = remote.MergeSeen(local)
		talkback = !remote.SeenByNode(n.self)
		outcome = telemetry.GossipSame
		n.stats.Same++
	case clock.Before:
		winner = local
		talkback = true
		outcome = telemetry.GossipOlder
		n.stats.Older++
	case clock.After:
		winner = remote
		talkback = !remote.SeenByNode(n.self)
		outcome = telemetry.GossipNewer
		n.stats.Newer++
	default:
		// A removal is visible as a member that is Down or Exiting on one side
		// and gone on the other. Prune its clock entry the way the remover did.
		winner = pruneRemoved(remote, local).Merge(pruneRemoved(local, remote))
		talkback = true
		outcome = telemetry.GossipMerged
		n.stats.Merged++
	}
	n.metrics.GossipReceived(outcome)

	if self, ok := winner.Member(n.self); ok && self.Status != member.Exiting && self.Status != member.Down {
		winner = winner.Seen(n.self)
	}
	if winner != local {
		n.logger.Debug("Received gossip",
			zap.Stringer("from", from),
			zap.String("outcome", outcome))
		if err := n.setGossip(winner); err != nil {
			return
		}
	}
	if talkback {
		n.gossipTo(from)
	}
}

// pruneRemoved drops the clock entries of members of g that were removed by
// the owner of other.
func pruneRemoved(g, other *gossip.Gossip) *gossip.Gossip {
	for _, m := range g.Members() {
		if member.RemovedByPeer(m.Status) && !other.HasMember(m.UniqueAddress) {
			g = g.Prune(m.UniqueAddress.VClockNode())
		}
	}
	return g
}

func (n *Node) discard(reason string, from member.UniqueAddress) {
	n.stats.Discarded++
	n.metrics.GossipReceived(telemetry.GossipDiscarded)
	n.logger.Debug("Ignoring received gossip", zap.String("reason", reason), zap.Stringer("from", from))
}

func (n *Node) publishInternalStats() {
	if n.phase != Initialized {
		return
	}
	n.publisher.PublishEvent(events.CurrentInternalStats{
		Gossip: n.stats,
		SeenBy: n.state.Gossip().SeenBy(),
	})
}
