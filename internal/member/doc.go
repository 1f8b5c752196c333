// Package member defines node identity, member status and the rules that
// govern them: the legal status transitions, the three orderings (address,
// age and leader-status) and how two views of the same member are reconciled.
package member
