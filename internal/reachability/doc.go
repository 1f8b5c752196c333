// Package reachability implements the observer/subject failure ledger that
// travels inside every gossip snapshot.
package reachability
