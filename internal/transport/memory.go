package transport

import (
	"sync"
	"sync/atomic"

	"membership/internal/member"
)

// Handler receives decoded messages. It must not block.
type Handler func(Message)

// Transport sends messages to other nodes. Delivery is best effort: a message
// may be lost, and Send never blocks on the network.
type Transport interface {
	Send(to member.Address, msg Message)
	Close() error
}

type link struct {
	from, to member.Address
}

// Network is an in-process message bus for tests. Every message passes
// through the wire codec; links can be cut to simulate partitions.
type Network struct {
	mu        sync.RWMutex
	endpoints map[member.Address]Handler
	blocked   map[link]struct{}
	dropped   atomic.Int64
}

// NewNetwork returns an empty bus.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[member.Address]Handler),
		blocked:   make(map[link]struct{}),
	}
}

// Attach registers handler for addr and returns the endpoint that sends on
// its behalf.
func (n *Network) Attach(addr member.Address, handler Handler) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[addr] = handler
	return &Endpoint{net: n, addr: addr}
}

// Block drops every message from one address to the other.
func (n *Network) Block(from, to member.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[link{from, to}] = struct{}{}
}

// Partition cuts all links between the two sides, in both directions.
func (n *Network) Partition(side1, side2 []member.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range side1 {
		for _, b := range side2 {
			n.blocked[link{a, b}] = struct{}{}
			n.blocked[link{b, a}] = struct{}{}
		}
	}
}

// Heal restores every link.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[link]struct{})
}

// Dropped returns how many messages were lost.
func (n *Network) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Network) deliver(from, to member.Address, msg Message) {
	n.mu.RLock()
	_, cut := n.blocked[link{from, to}]
	handler, ok := n.endpoints[to]
	n.mu.RUnlock()
	if cut || !ok {
		n.dropped.Add(1)
		return
	}

	data, err := Encode(msg)
	if err != nil {
		n.dropped.Add(1)
		return
	}
	decoded, err := Decode(data)
	if err != nil {
		n.dropped.Add(1)
		return
	}
	handler(decoded)
}

func (n *Network) detach(addr member.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// Endpoint is one node's attachment to a Network.
type Endpoint struct {
	net  *Network
	addr member.Address
}

// Send delivers msg synchronously unless the link is cut.
func (e *Endpoint) Send(to member.Address, msg Message) {
	e.net.deliver(e.addr, to, msg)
}

// Close detaches the endpoint; later messages to it are dropped.
func (e *Endpoint) Close() error {
	e.net.detach(e.addr)
	return nil
}
