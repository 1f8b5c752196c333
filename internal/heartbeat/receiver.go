package heartbeat

import (
	"membership/internal/member"
	"membership/internal/transport"
)

// Receiver answers heartbeats. It serves both intra and cross data center
// heartbeats; the response echoes the CrossDC flag so it reaches the right
// sender.
type Receiver struct {
	self member.UniqueAddress
	send func(to member.Address, msg transport.Message)
}

// NewReceiver creates a receiver replying as self.
func NewReceiver(self member.UniqueAddress, send func(to member.Address, msg transport.Message)) *Receiver {
	return &Receiver{self: self, send: send}
}

// Handle replies to hb.
func (r *Receiver) Handle(hb transport.Heartbeat) {
	r.send(hb.From, transport.HeartbeatRsp{
		From:         r.self,
		SequenceNr:   hb.SequenceNr,
		CreationTime: hb.CreationTime,
		CrossDC:      hb.CrossDC,
	})
}
