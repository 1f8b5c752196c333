package transport

import (
	"membership/internal/gossip"
	"membership/internal/member"
)

// Kind names a wire message type.
type Kind string

const (
	KindJoin         Kind = "join"
	KindWelcome      Kind = "welcome"
	KindGossip       Kind = "gossip"
	KindHeartbeat    Kind = "heartbeat"
	KindHeartbeatRsp Kind = "heartbeat_rsp"
	KindLeave        Kind = "leave"
	KindDown         Kind = "down"
)

// Message is anything that travels between nodes.
type Message interface {
	Kind() Kind
}

// Join asks a seed node to add Node to the cluster.
type Join struct {
	Node  member.UniqueAddress `json:"node"`
	Roles []string             `json:"roles"`
}

// Welcome answers a Join with the seed's current gossip.
type Welcome struct {
	From   member.UniqueAddress
	Gossip *gossip.Gossip
}

// GossipEnvelope carries a full gossip snapshot to one node.
type GossipEnvelope struct {
	From   member.UniqueAddress
	To     member.UniqueAddress
	Gossip *gossip.Gossip
}

// Heartbeat is sent by a monitoring node to each of its receivers. CrossDC
// marks heartbeats between data centers so that the response is routed to
// the cross data center sender.
type Heartbeat struct {
	From         member.Address `json:"from"`
	SequenceNr   int64          `json:"sequence_nr"`
	CreationTime int64          `json:"creation_time"`
	CrossDC      bool           `json:"cross_dc"`
}

// HeartbeatRsp echoes the sequence number and creation time of a Heartbeat.
type HeartbeatRsp struct {
	From         member.UniqueAddress `json:"from"`
	SequenceNr   int64                `json:"sequence_nr"`
	CreationTime int64                `json:"creation_time"`
	CrossDC      bool                 `json:"cross_dc"`
}

// Leave asks the receiving node to move Address to Leaving.
type Leave struct {
	Address member.Address `json:"address"`
}

// Down asks the receiving node to mark Address as Down.
type Down struct {
	Address member.Address `json:"address"`
}

func (Join) Kind() Kind           { return KindJoin }
func (Welcome) Kind() Kind        { return KindWelcome }
func (GossipEnvelope) Kind() Kind { return KindGossip }
func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (HeartbeatRsp) Kind() Kind   { return KindHeartbeatRsp }
func (Leave) Kind() Kind          { return KindLeave }
func (Down) Kind() Kind           { return KindDown }
