// Package transport moves membership messages between nodes.
//
// Messages are encoded as self-describing JSON frames. Two carriers exist:
// Network, an in-process bus with partition controls used by tests, and
// GRPC, which sends one frame per unary call over pooled connections.
// Both are best effort; the protocols above them tolerate loss.
package transport
