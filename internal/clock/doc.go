// Package clock provides the vector clock used to version membership
// snapshots. Clocks are immutable values: every operation returns a new
// clock, so a snapshot can hand out its version without copying.
package clock
