package heartbeat

import (
	"fmt"
	"slices"
	"testing"

	"membership/internal/member"
)

func node(i int) member.UniqueAddress {
	return member.UniqueAddress{Address: member.Address{Host: "127.0.0.1", Port: 2550 + i}, UID: uint64(1000 + i)}
}

func nodes(n int) []member.UniqueAddress {
	out := make([]member.UniqueAddress, n)
	for i := range out {
		out[i] = node(i + 1)
	}
	return out
}

// after returns the ring nodes following self, wrapping around.
func after(r *Ring, self member.UniqueAddress) []member.UniqueAddress {
	order := r.Nodes()
	i := slices.Index(order, self)
	out := make([]member.UniqueAddress, 0, len(order)-1)
	out = append(out, order[i+1:]...)
	return append(out, order[:i]...)
}

func TestRing_FanOut(t *testing.T) {
	all := nodes(10)
	monitoredBy := make(map[member.UniqueAddress]int)

	for _, self := range all {
		r := NewRing(self, all, nil, 3)
		receivers := r.MyReceivers()
		if len(receivers) != 3 {
			t.Fatalf("%s: expected 3 receivers, got %d", self, len(receivers))
		}
		seen := make(map[member.UniqueAddress]bool)
		for _, to := range receivers {
			if to == self {
				t.Errorf("%s heartbeats itself", self)
			}
			if seen[to] {
				t.Errorf("%s: duplicate receiver %s", self, to)
			}
			seen[to] = true
			monitoredBy[to]++
		}
	}

	for _, n := range all {
		if monitoredBy[n] != 3 {
			t.Errorf("%s is monitored by %d nodes, expected 3", n, monitoredBy[n])
		}
	}
}

func TestRing_Determinism(t *testing.T) {
	all := nodes(8)
	reversed := slices.Clone(all)
	slices.Reverse(reversed)

	for _, self := range all {
		r1 := NewRing(self, all, nil, 3)
		r2 := NewRing(self, reversed, nil, 3)
		if !slices.Equal(r1.MyReceivers(), r2.MyReceivers()) {
			t.Errorf("%s: receivers depend on input order: %v vs %v", self, r1.MyReceivers(), r2.MyReceivers())
		}
		// every node computes the same receivers for a given sender
		other := NewRing(all[0], all, nil, 3)
		if !slices.Equal(r1.MyReceivers(), other.Receivers(self)) {
			t.Errorf("%s: ring of %s disagrees", self, all[0])
		}
	}
}

func TestRing_WalksFromSelf(t *testing.T) {
	all := nodes(10)
	self := all[4]
	r := NewRing(self, all, nil, 3)

	want := after(r, self)[:3]
	if got := r.MyReceivers(); !slices.Equal(got, want) {
		t.Errorf("receivers = %v, want %v", got, want)
	}
}

func TestRing_FullMesh(t *testing.T) {
	tests := []struct {
		size        int
		monitoredBy int
	}{
		{size: 1, monitoredBy: 5},
		{size: 4, monitoredBy: 3},
		{size: 4, monitoredBy: 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_nodes_monitored_by_%d", tt.size, tt.monitoredBy), func(t *testing.T) {
			all := nodes(tt.size)
			r := NewRing(all[0], all, nil, tt.monitoredBy)
			if got := len(r.MyReceivers()); got != tt.size-1 {
				t.Errorf("expected %d receivers, got %d", tt.size-1, got)
			}
		})
	}
}

func TestRing_UnreachableNodesDoNotCount(t *testing.T) {
	all := nodes(8)
	self := all[0]
	walk := after(NewRing(self, all, nil, 2), self)

	tests := []struct {
		name        string
		unreachable []member.UniqueAddress
		want        []member.UniqueAddress
	}{
		{
			name: "none",
			want: walk[:2],
		},
		{
			name:        "first receiver",
			unreachable: walk[:1],
			want:        walk[:3],
		},
		{
			name:        "two receivers",
			unreachable: walk[:2],
			want:        walk[:4],
		},
		{
			name:        "skipped once enough collected",
			unreachable: walk[:3],
			want:        []member.UniqueAddress{walk[0], walk[1], walk[3], walk[4]},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRing(self, all, tt.unreachable, 2)
			if got := r.MyReceivers(); !slices.Equal(got, tt.want) {
				t.Errorf("receivers = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRing_AddRemove(t *testing.T) {
	all := nodes(6)
	self := all[0]
	r := NewRing(self, all[:5], nil, 2)

	r2 := r.Add(all[5])
	if !r2.Contains(all[5]) || r.Contains(all[5]) {
		t.Fatal("Add must return a new ring containing the node")
	}
	if r2.Add(all[5]) != r2 {
		t.Error("adding a known node should return the same ring")
	}

	r3 := r2.Unreachable(all[3]).Remove(all[3])
	if r3.Contains(all[3]) || r3.IsUnreachable(all[3]) {
		t.Error("Remove must forget membership and unreachability")
	}
	if r3.Reachable(all[2]) != r3 {
		t.Error("marking a reachable node reachable should be a no-op")
	}
	if !r3.Contains(self) {
		t.Error("self is always on the ring")
	}
}
