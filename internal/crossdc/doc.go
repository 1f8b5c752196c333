// Package crossdc monitors other data centers.
//
// Only the few oldest members of each data center take part: each of them
// heartbeats the oldest members of every other data center, which bounds the
// number of cross data center connections regardless of cluster size.
package crossdc
