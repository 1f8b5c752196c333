package node

import (
	"go.uber.org/zap"

	"membership/internal/member"
	"membership/internal/reachability"
)

// Ticks without convergence before joining members are let in as WeaklyUp.
const weaklyUpAfterTicks = 3

// leaderActions runs the leader duties when self leads its data center.
func (n *Node) leaderActions() {
	if n.phase != Initialized || !n.state.IsLeader(n.self) {
		return
	}
	if n.state.Convergence() {
		n.leaderActionCounter = 0
		n.leaderActionsOnConvergence()
		return
	}
	n.leaderActionCounter++
	if n.cfg.Gossip.AllowWeaklyUpMembers && n.leaderActionCounter >= weaklyUpAfterTicks {
		n.moveJoiningToWeaklyUp()
	}
}

func (n *Node) isMinNrOfMembersFulfilled() bool {
	return len(n.state.DCMembers()) >= n.cfg.Gossip.MinNrOfMembers
}

// leaderActionsOnConvergence moves joining members to Up, leaving members to
// Exiting and removes members that are Down or Exiting.
func (n *Node) leaderActionsOnConvergence() {
	g := n.state.Gossip()
	enoughMembers := n.isMinNrOfMembersFulfilled()
	upNumber := n.state.YoungestUpNumber() + 1

	var changed []member.Member
	var removed []member.Member
	for _, m := range n.state.DCMembers() {
		switch m.Status {
		case member.Joining, member.WeaklyUp:
			if !enoughMembers {
				continue
			}
			up, err := m.CopyUp(upNumber)
			if err != nil {
				n.logger.Error("Leader produced an invalid transition", zap.Error(err))
				return
			}
			upNumber++
			changed = append(changed, up)
		case member.Leaving:
			exiting, err := m.Copy(member.Exiting)
			if err != nil {
				n.logger.Error("Leader produced an invalid transition", zap.Error(err))
				return
			}
			changed = append(changed, exiting)
		case member.Down, member.Exiting:
			removed = append(removed, m)
		}
	}
	if len(changed) == 0 && len(removed) == 0 {
		return
	}

	// Removed members get the gossip that still contains them, so that they
	// learn about their final status.
	for _, m := range removed {
		n.gossipTo(m.UniqueAddress)
	}

	next := g.Update(changed...)
	for _, m := range removed {
		next = next.Remove(m.UniqueAddress)
		n.fd.Remove(m.Address())
		n.crossFD.Remove(m.Address())
	}
	if err := n.updateLatestGossip(next); err != nil {
		return
	}

	for _, m := range changed {
		n.logger.Info("Leader is moving node", zap.Stringer("node", m.UniqueAddress), zap.Stringer("status", m.Status))
	}
	for _, m := range removed {
		n.logger.Info("Leader is removing node", zap.Stringer("node", m.UniqueAddress), zap.Stringer("previous_status", m.Status))
	}
	for _, m := range changed {
		if m.Status == member.Exiting {
			n.gossipTo(m.UniqueAddress)
		}
	}
}

// moveJoiningToWeaklyUp lets reachable joining members in while the cluster
// cannot converge.
func (n *Node) moveJoiningToWeaklyUp() {
	reach := n.state.DCReachability()
	var changed []member.Member
	for _, m := range n.state.DCMembers() {
		if m.Status != member.Joining || !reach.IsReachable(m.UniqueAddress) {
			continue
		}
		weaklyUp, err := m.Copy(member.WeaklyUp)
		if err != nil {
			n.logger.Error("Leader produced an invalid transition", zap.Error(err))
			return
		}
		changed = append(changed, weaklyUp)
	}
	if len(changed) == 0 {
		return
	}
	if err := n.updateLatestGossip(n.state.Gossip().Update(changed...)); err != nil {
		return
	}
	for _, m := range changed {
		n.logger.Info("Leader is moving node to WeaklyUp", zap.Stringer("node", m.UniqueAddress))
	}
}

// reapUnreachableMembers turns failure detector verdicts into reachability
// observations made by self.
func (n *Node) reapUnreachableMembers() {
	if n.phase != Initialized {
		return
	}
	g := n.state.Gossip()
	reach := g.Reachability()

	var unreachable, reachable []member.Member
	for _, m := range g.Members() {
		if m.UniqueAddress == n.self {
			continue
		}
		available := n.isAvailable(m)
		switch reach.StatusFrom(n.self, m.UniqueAddress) {
		case reachability.Reachable:
			if !available {
				unreachable = append(unreachable, m)
			}
		case reachability.Unreachable:
			if available {
				reachable = append(reachable, m)
			}
		}
	}
	if len(unreachable) == 0 && len(reachable) == 0 {
		return
	}

	next := reach
	for _, m := range unreachable {
		next = next.Unreachable(n.self, m.UniqueAddress)
	}
	for _, m := range reachable {
		next = next.Reachable(n.self, m.UniqueAddress)
	}
	if err := n.updateLatestGossip(g.WithReachability(next)); err != nil {
		return
	}
	if len(unreachable) > 0 {
		n.logger.Warn("Marking node(s) as UNREACHABLE", zap.Stringers("nodes", addressesOf(unreachable)))
	}
	if len(reachable) > 0 {
		n.logger.Info("Marking node(s) as REACHABLE", zap.Stringers("nodes", addressesOf(reachable)))
	}
}

func (n *Node) isAvailable(m member.Member) bool {
	if m.DataCenter() == n.selfDC {
		return n.fd.IsAvailable(m.Address())
	}
	return n.crossFD.IsAvailable(m.Address())
}

func addressesOf(ms []member.Member) []member.UniqueAddress {
	out := make([]member.UniqueAddress, len(ms))
	for i, m := range ms {
		out[i] = m.UniqueAddress
	}
	return out
}
