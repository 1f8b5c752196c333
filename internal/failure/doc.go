// Package failure provides the phi accrual failure detector and a registry
// that keeps one detector per monitored address.
//
// The registry is the only state shared between the heartbeat senders, which
// feed it, and the node's unreachable reaper, which reads it.
package failure
