package failure

import (
	"slices"
	"sync"
	"time"

	"membership/internal/member"
)

// Registry holds one Detector per monitored address.
// Thread-safe: all methods are safe for concurrent access.
type Registry struct {
	factory func() Detector

	mu        sync.Mutex
	detectors map[member.Address]Detector
}

// NewRegistry creates an empty registry. factory builds the detector for an
// address on its first heartbeat.
//
// Example:
//
//	reg := failure.NewRegistry(func() failure.Detector {
//	    return failure.NewPhiAccrual(failure.DefaultSettings(), nil)
//	})
func NewRegistry(factory func() Detector) *Registry {
	return &Registry{factory: factory, detectors: make(map[member.Address]Detector)}
}

// NewPhiRegistry creates a registry of phi-accrual detectors sharing settings
// and time source.
func NewPhiRegistry(settings Settings, now func() time.Time) *Registry {
	return NewRegistry(func() Detector { return NewPhiAccrual(settings, now) })
}

// Heartbeat records a heartbeat from addr, creating its detector if needed.
func (r *Registry) Heartbeat(addr member.Address) {
	r.mu.Lock()
	d, ok := r.detectors[addr]
	if !ok {
		d = r.factory()
		r.detectors[addr] = d
	}
	r.mu.Unlock()
	d.Heartbeat()
}

// IsAvailable reports whether addr looks alive. Unmonitored addresses are
// available.
func (r *Registry) IsAvailable(addr member.Address) bool {
	r.mu.Lock()
	d, ok := r.detectors[addr]
	r.mu.Unlock()
	return !ok || d.IsAvailable()
}

// IsMonitoring reports whether addr has sent at least one heartbeat.
func (r *Registry) IsMonitoring(addr member.Address) bool {
	r.mu.Lock()
	d, ok := r.detectors[addr]
	r.mu.Unlock()
	return ok && d.IsMonitoring()
}

// Remove forgets addr.
func (r *Registry) Remove(addr member.Address) {
	r.mu.Lock()
	delete(r.detectors, addr)
	r.mu.Unlock()
}

// Reset forgets every address.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.detectors = make(map[member.Address]Detector)
	r.mu.Unlock()
}

// Monitored returns the addresses that currently have a detector.
func (r *Registry) Monitored() []member.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]member.Address, 0, len(r.detectors))
	for a := range r.detectors {
		out = append(out, a)
	}
	slices.SortFunc(out, member.Address.Compare)
	return out
}
