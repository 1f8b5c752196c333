package member

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

const (
	// DataCenterRolePrefix marks the role that names a member's data center.
	DataCenterRolePrefix = "dc-"
	// DefaultDataCenter is used when no data center role is given.
	DefaultDataCenter = "default"
	// NotUp is the upNumber of a member that never reached Up.
	NotUp = math.MaxInt32
)

// Member represents a cluster member as seen by one snapshot. Two members are
// the same node iff their UniqueAddress is equal; status and roles may differ
// between views.
type Member struct {
	UniqueAddress UniqueAddress `json:"unique_address"`
	UpNumber      int           `json:"up_number"`
	Status        Status        `json:"status"`
	Roles         []string      `json:"roles"`
}

// New creates a Joining member. The data center role is added when missing.
func New(node UniqueAddress, roles []string) Member {
	return Member{
		UniqueAddress: node,
		UpNumber:      NotUp,
		Status:        Joining,
		Roles:         normalizeRoles(roles),
	}
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles)+1)
	hasDC := false
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.HasPrefix(r, DataCenterRolePrefix) {
			hasDC = true
		}
		out = append(out, r)
	}
	if !hasDC {
		out = append(out, DataCenterRolePrefix+DefaultDataCenter)
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Address returns the member's network address.
func (m Member) Address() Address {
	return m.UniqueAddress.Address
}

// HasRole reports whether the member carries role.
func (m Member) HasRole(role string) bool {
	_, found := slices.BinarySearch(m.Roles, role)
	return found
}

// DataCenter returns the data center named by the member's dc- role.
func (m Member) DataCenter() string {
	for _, r := range m.Roles {
		if strings.HasPrefix(r, DataCenterRolePrefix) {
			return strings.TrimPrefix(r, DataCenterRolePrefix)
		}
	}
	return DefaultDataCenter
}

// Is reports whether both values describe the same node.
func (m Member) Is(other Member) bool {
	return m.UniqueAddress == other.UniqueAddress
}

// Copy returns the member with a new status. Moving to a status outside the
// allowed transitions returns a *TransitionError.
func (m Member) Copy(status Status) (Member, error) {
	if status == m.Status {
		return m, nil
	}
	if !CanTransition(m.Status, status) {
		return m, &TransitionError{Node: m.UniqueAddress, From: m.Status, To: status}
	}
	m.Status = status
	return m, nil
}

// CopyUp moves the member to Up and assigns its upNumber.
func (m Member) CopyUp(upNumber int) (Member, error) {
	up, err := m.Copy(Up)
	if err != nil {
		return m, err
	}
	up.UpNumber = upNumber
	return up, nil
}

// IsOlderThan reports whether m joined the cluster (reached Up) before other.
func (m Member) IsOlderThan(other Member) bool {
	return CompareAge(m, other) < 0
}

func (m Member) String() string {
	return fmt.Sprintf("Member(%s, %s, dc=%s, upNumber=%d)", m.UniqueAddress, m.Status, m.DataCenter(), m.UpNumber)
}

// CompareAddress is the address ordering used for stable iteration.
func CompareAddress(a, b Member) int {
	return a.UniqueAddress.Compare(b.UniqueAddress)
}

// CompareAge orders oldest first: lower upNumber, tie-broken by address.
func CompareAge(a, b Member) int {
	if a.UpNumber != b.UpNumber {
		if a.UpNumber < b.UpNumber {
			return -1
		}
		return 1
	}
	return CompareAddress(a, b)
}

// CompareLeaderStatus puts Up and Leaving members first, then WeaklyUp,
// Joining, Exiting and Down, each group in address order.
func CompareLeaderStatus(a, b Member) int {
	ra, rb := leaderRank(a.Status), leaderRank(b.Status)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	return CompareAddress(a, b)
}

// HighestPriorityOf picks between two views of the same member: the more
// terminal status wins; with equal status the older view wins. Views that
// are equally old are ordered by their roles, so the result does not depend
// on the argument order.
func HighestPriorityOf(m1, m2 Member) Member {
	if m1.Status == m2.Status {
		switch {
		case m1.IsOlderThan(m2):
			return m1
		case m2.IsOlderThan(m1):
			return m2
		case slices.Compare(m1.Roles, m2.Roles) <= 0:
			return m1
		default:
			return m2
		}
	}
	if priority(m1.Status) > priority(m2.Status) {
		return m1
	}
	return m2
}

// RemovedByPeer reports whether a member in status s that is missing from
// another view should be treated as already removed by that view.
func RemovedByPeer(s Status) bool {
	return s == Down || s == Exiting
}

// PickHighestPriority merges two member sets. Members present in both keep
// the highest priority view; members present in only one set are dropped when
// their status is Down or Exiting. The result is in address order.
func PickHighestPriority(a, b []Member) []Member {
	grouped := make(map[UniqueAddress][]Member, len(a)+len(b))
	for _, m := range a {
		grouped[m.UniqueAddress] = append(grouped[m.UniqueAddress], m)
	}
	for _, m := range b {
		grouped[m.UniqueAddress] = append(grouped[m.UniqueAddress], m)
	}

	out := make([]Member, 0, len(grouped))
	for _, views := range grouped {
		if len(views) >= 2 {
			out = append(out, HighestPriorityOf(views[0], views[1]))
			continue
		}
		if RemovedByPeer(views[0].Status) {
			continue
		}
		out = append(out, views[0])
	}
	slices.SortFunc(out, CompareAddress)
	return out
}

// PickNextTransition returns whichever view is a legal forward transition of
// the other. ok is false when neither is, which the caller must treat as a
// conflict rather than resolve silently.
func PickNextTransition(a, b Member) (next Member, ok bool) {
	switch {
	case a.Status == b.Status:
		return a, true
	case CanTransition(a.Status, b.Status):
		return b, true
	case CanTransition(b.Status, a.Status):
		return a, true
	default:
		return Member{}, false
	}
}

// Sort orders members in place using cmp.
func Sort(members []Member, cmp func(a, b Member) int) {
	slices.SortFunc(members, cmp)
}
