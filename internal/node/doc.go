// Package node runs one cluster member.
//
// A Node owns the gossip state of its member and is the only writer of it.
// Wire messages, timers and commands are posted to its mailbox and applied
// one at a time on the node goroutine:
//
//   - joining: Join, Welcome and the retry of the join towards the seeds
//   - gossip: a round to one random peer per interval, and the comparison,
//     merge and talk back when gossip arrives
//   - leader actions: Up, Exiting and removal on convergence, WeaklyUp when
//     the cluster cannot converge
//   - reaping: failure detector verdicts become reachability observations
//
// Every new state is published to the event bus, which drives the heartbeat
// senders, the split brain resolver and any external subscriber.
package node
