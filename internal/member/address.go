package member

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"membership/internal/clock"
)

// Address is the network location of a node.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	if host == "" {
		return Address{}, fmt.Errorf("empty host in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

// String returns "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Compare orders addresses by host, then port.
func (a Address) Compare(b Address) int {
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// UniqueAddress is an Address plus the incarnation id of the process bound to
// it, so that a restarted node is a different identity.
type UniqueAddress struct {
	Address Address `json:"address"`
	UID     uint64  `json:"uid"`
}

// NewUniqueAddress returns addr with a fresh random incarnation id.
func NewUniqueAddress(addr Address) UniqueAddress {
	id := uuid.New()
	return UniqueAddress{Address: addr, UID: binary.BigEndian.Uint64(id[:8])}
}

// Compare orders by address, tie-broken by uid.
func (u UniqueAddress) Compare(o UniqueAddress) int {
	if c := u.Address.Compare(o.Address); c != 0 {
		return c
	}
	return cmp.Compare(u.UID, o.UID)
}

// String returns "host:port#uid".
func (u UniqueAddress) String() string {
	return u.Address.String() + "#" + strconv.FormatUint(u.UID, 10)
}

// VClockNode is the token this node stamps vector clocks with.
func (u UniqueAddress) VClockNode() clock.Node {
	return clock.Node(u.String())
}

// IsZero reports whether u is the zero value.
func (u UniqueAddress) IsZero() bool {
	return u == UniqueAddress{}
}
