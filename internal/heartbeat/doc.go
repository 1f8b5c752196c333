// Package heartbeat implements failure detection inside a data center.
//
// Every node heartbeats a small, deterministic set of peers chosen from a
// hash ring (see Ring) and reports the responses into a failure detector
// registry. The registry is the only output; reachability decisions are made
// by the node that reads it.
package heartbeat
