// Package scheduler abstracts timers so that periodic work (gossip and
// heartbeat ticks, stability timers, first-heartbeat deadlines) can run on the
// real clock in production and on a manually advanced clock in tests.
package scheduler
