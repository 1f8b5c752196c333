package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"membership/internal/clock"
	"membership/internal/gossip"
	"membership/internal/member"
	"membership/internal/reachability"
)

// ErrUnknownKind is returned when decoding a frame of an unknown message kind.
var ErrUnknownKind = errors.New("unknown message kind")

type frame struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type gossipWire struct {
	Members      []member.Member        `json:"members"`
	Seen         []member.UniqueAddress `json:"seen"`
	Reachability []reachability.Record  `json:"reachability"`
	Versions     []observerVersion      `json:"reachability_versions"`
	Version      clock.VectorClock      `json:"version"`
}

type observerVersion struct {
	Observer member.UniqueAddress `json:"observer"`
	Version  int64                `json:"version"`
}

type welcomeWire struct {
	From   member.UniqueAddress `json:"from"`
	Gossip gossipWire           `json:"gossip"`
}

type envelopeWire struct {
	From   member.UniqueAddress `json:"from"`
	To     member.UniqueAddress `json:"to"`
	Gossip gossipWire           `json:"gossip"`
}

func toWire(g *gossip.Gossip) gossipWire {
	r := g.Reachability()
	all := r.Versions()
	versions := make([]observerVersion, 0, len(all))
	for observer, v := range all {
		versions = append(versions, observerVersion{Observer: observer, Version: v})
	}
	slices.SortFunc(versions, func(a, b observerVersion) int { return a.Observer.Compare(b.Observer) })
	return gossipWire{
		Members:      g.Members(),
		Seen:         g.SeenBy(),
		Reachability: r.Records(),
		Versions:     versions,
		Version:      g.Version(),
	}
}

// fromWire rebuilds a snapshot and rejects it when it is inconsistent.
func fromWire(w gossipWire) (*gossip.Gossip, error) {
	versions := make(map[member.UniqueAddress]int64, len(w.Versions))
	for _, ov := range w.Versions {
		versions[ov.Observer] = ov.Version
	}
	g := gossip.New(w.Members, w.Seen, reachability.New(w.Reachability, versions), w.Version)
	if err := g.CheckInvariants(); err != nil {
		return nil, err
	}
	return g, nil
}

// Encode serializes a message into a self-describing frame.
func Encode(m Message) ([]byte, error) {
	var payload any
	switch m := m.(type) {
	case Welcome:
		payload = welcomeWire{From: m.From, Gossip: toWire(m.Gossip)}
	case GossipEnvelope:
		payload = envelopeWire{From: m.From, To: m.To, Gossip: toWire(m.Gossip)}
	default:
		payload = m
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(frame{Kind: m.Kind(), Payload: raw})
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Kind {
	case KindWelcome:
		var w welcomeWire
		if err := json.Unmarshal(f.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Kind, err)
		}
		g, err := fromWire(w.Gossip)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Kind, err)
		}
		return Welcome{From: w.From, Gossip: g}, nil
	case KindGossip:
		var w envelopeWire
		if err := json.Unmarshal(f.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Kind, err)
		}
		g, err := fromWire(w.Gossip)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Kind, err)
		}
		return GossipEnvelope{From: w.From, To: w.To, Gossip: g}, nil
	case KindJoin:
		return decodeAs[Join](f)
	case KindHeartbeat:
		return decodeAs[Heartbeat](f)
	case KindHeartbeatRsp:
		return decodeAs[HeartbeatRsp](f)
	case KindLeave:
		return decodeAs[Leave](f)
	case KindDown:
		return decodeAs[Down](f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
}

func decodeAs[T Message](f frame) (Message, error) {
	var m T
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Kind, err)
	}
	return m, nil
}
