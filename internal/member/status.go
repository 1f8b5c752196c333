package member

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a cluster member.
type Status int

const (
	Joining Status = iota
	WeaklyUp
	Up
	Leaving
	Exiting
	Down
	Removed
)

var statusNames = map[Status]string{
	Joining:  "Joining",
	WeaklyUp: "WeaklyUp",
	Up:       "Up",
	Leaving:  "Leaving",
	Exiting:  "Exiting",
	Down:     "Down",
	Removed:  "Removed",
}

// String returns the string representation of Status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown member status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown member status %q", text)
}

// allowedTransitions is the legal status DAG.
var allowedTransitions = map[Status][]Status{
	Joining:  {WeaklyUp, Up, Leaving, Down, Removed},
	WeaklyUp: {Up, Leaving, Down, Removed},
	Up:       {Leaving, Down, Removed},
	Leaving:  {Exiting, Down, Removed},
	Exiting:  {Removed, Down},
	Down:     {Removed},
	Removed:  {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid member status transition")

// TransitionError reports an attempt to move a member along an edge that is
// not part of the status DAG. It always indicates a defect in the caller.
type TransitionError struct {
	Node UniqueAddress
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s from %s to %s", ErrInvalidTransition, e.Node, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// priority ranks statuses for conflict resolution; the most terminal wins.
func priority(s Status) int {
	switch s {
	case Removed:
		return 6
	case Down:
		return 5
	case Exiting:
		return 4
	case Leaving:
		return 3
	case Up:
		return 2
	case WeaklyUp:
		return 1
	default:
		return 0
	}
}

// leaderRank pushes members that cannot lead to the back.
func leaderRank(s Status) int {
	switch s {
	case Down:
		return 4
	case Exiting:
		return 3
	case Joining:
		return 2
	case WeaklyUp:
		return 1
	default:
		return 0
	}
}
