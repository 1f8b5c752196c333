package sbr

import (
	"errors"
	"fmt"
	"slices"

	"membership/internal/member"
)

// ErrUnknownStrategy is returned for an unrecognized active strategy name.
var ErrUnknownStrategy = errors.New("unknown split brain resolver strategy")

// Strategy names accepted by NewStrategy.
const (
	Off          = "off"
	StaticQuorum = "static-quorum"
	KeepMajority = "keep-majority"
	KeepOldest   = "keep-oldest"
	KeepReferee  = "keep-referee"
)

// Strategy decides which side of a partition goes down. unreachable and
// remaining are disjoint; the result is the set of members to down.
type Strategy interface {
	Name() string
	Decide(unreachable, remaining []member.Member) []member.Member
}

// Settings selects and parameterizes a strategy.
type Settings struct {
	ActiveStrategy string
	StaticQuorum   StaticQuorumSettings
	KeepMajority   KeepMajoritySettings
	KeepOldest     KeepOldestSettings
	KeepReferee    KeepRefereeSettings
}

type StaticQuorumSettings struct {
	QuorumSize int
	Role       string
}

type KeepMajoritySettings struct {
	Role string
}

type KeepOldestSettings struct {
	DownIfAlone bool
	Role        string
}

type KeepRefereeSettings struct {
	Address                string
	DownAllIfLessThanNodes int
}

// NewStrategy builds the configured strategy. It returns nil without error
// when the resolver is switched off.
func NewStrategy(s Settings) (Strategy, error) {
	switch s.ActiveStrategy {
	case "", Off:
		return nil, nil
	case StaticQuorum:
		if s.StaticQuorum.QuorumSize < 1 {
			return nil, fmt.Errorf("%s: quorum size must be at least 1, got %d", StaticQuorum, s.StaticQuorum.QuorumSize)
		}
		return staticQuorum(s.StaticQuorum), nil
	case KeepMajority:
		return keepMajority(s.KeepMajority), nil
	case KeepOldest:
		return keepOldest(s.KeepOldest), nil
	case KeepReferee:
		addr, err := member.ParseAddress(s.KeepReferee.Address)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeepReferee, err)
		}
		return keepReferee{address: addr, downAllIfLessThan: s.KeepReferee.DownAllIfLessThanNodes}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s.ActiveStrategy)
	}
}

func withRole(members []member.Member, role string) []member.Member {
	if role == "" {
		return members
	}
	var out []member.Member
	for _, m := range members {
		if m.HasRole(role) {
			out = append(out, m)
		}
	}
	return out
}

type staticQuorum StaticQuorumSettings

func (staticQuorum) Name() string { return StaticQuorum }

// Decide keeps the local side when it has at least QuorumSize members.
func (s staticQuorum) Decide(unreachable, remaining []member.Member) []member.Member {
	if len(withRole(remaining, s.Role)) >= s.QuorumSize {
		return unreachable
	}
	return remaining
}

type keepMajority KeepMajoritySettings

func (keepMajority) Name() string { return KeepMajority }

// Decide keeps the larger side. On a tie the side holding the lowest
// address goes down.
func (s keepMajority) Decide(unreachable, remaining []member.Member) []member.Member {
	u, r := withRole(unreachable, s.Role), withRole(remaining, s.Role)
	switch {
	case len(r) > len(u):
		return unreachable
	case len(r) < len(u):
		return remaining
	}

	all := append(slices.Clone(u), r...)
	if len(all) == 0 {
		all = append(slices.Clone(unreachable), remaining...)
	}
	if len(all) == 0 {
		return nil
	}
	lowest := slices.MinFunc(all, member.CompareAddress)
	if slices.ContainsFunc(remaining, lowest.Is) {
		return remaining
	}
	return unreachable
}

type keepOldest KeepOldestSettings

func (keepOldest) Name() string { return KeepOldest }

// Decide keeps the side of the oldest member. With DownIfAlone an oldest
// member cut off from every other member with the role goes down instead.
func (s keepOldest) Decide(unreachable, remaining []member.Member) []member.Member {
	u, r := withRole(unreachable, s.Role), withRole(remaining, s.Role)
	all := append(slices.Clone(u), r...)
	if len(all) == 0 {
		return nil
	}
	oldest := slices.MinFunc(all, member.CompareAge)

	if slices.ContainsFunc(r, oldest.Is) {
		if s.DownIfAlone && len(r) == 1 && len(u) > 0 {
			return remaining
		}
		return unreachable
	}
	if s.DownIfAlone && len(u) == 1 && len(r) > 0 {
		return unreachable
	}
	return remaining
}

type keepReferee struct {
	address           member.Address
	downAllIfLessThan int
}

func (keepReferee) Name() string { return KeepReferee }

// Decide keeps the side that can reach the referee, unless that side is
// smaller than downAllIfLessThan, in which case everybody goes down.
func (s keepReferee) Decide(unreachable, remaining []member.Member) []member.Member {
	hasReferee := slices.ContainsFunc(remaining, func(m member.Member) bool { return m.Address() == s.address })
	if !hasReferee {
		return remaining
	}
	if len(remaining) < s.downAllIfLessThan {
		return append(slices.Clone(unreachable), remaining...)
	}
	return unreachable
}
