// Package sbr resolves network partitions by downing one side.
//
// A Resolver watches which Up members are reachable. When the unreachable
// set stays unchanged for the stable-after window it asks the active
// Strategy which members to down and issues the Down commands. Strategies
// are pure functions of the two sides, so every node of a partition reaches
// a consistent verdict from its own view.
package sbr
