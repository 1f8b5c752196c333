// Package gossip holds the immutable membership snapshot exchanged between
// nodes and the per-node view over it.
//
// A Gossip is versioned by a vector clock. Concurrent snapshots are reconciled
// with Merge, which is commutative, associative and idempotent for snapshots
// that come from the same history. MembershipState answers the questions the
// leader needs before it changes anyone's status: who leads the local data
// center and whether the current version has converged.
package gossip
