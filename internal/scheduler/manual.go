package scheduler

import (
	"slices"
	"sync"
	"time"
)

// Manual is a virtual-time scheduler for tests. Nothing runs until Advance is
// called; due callbacks then run on the caller's goroutine in deadline order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	owner    *Manual
	deadline time.Time
	interval time.Duration
	seq      uint64
	fn       func()

	cancelled bool
}

// NewManual starts the virtual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) ScheduleOnce(delay time.Duration, fn func()) Cancellable {
	return m.add(delay, 0, fn)
}

func (m *Manual) ScheduleRepeating(initialDelay, interval time.Duration, fn func()) Cancellable {
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return m.add(initialDelay, interval, fn)
}

func (m *Manual) add(delay, interval time.Duration, fn func()) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{owner: m, deadline: m.now.Add(delay), interval: interval, seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

func (t *manualTask) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.owner.tasks = slices.DeleteFunc(t.owner.tasks, func(o *manualTask) bool { return o == t })
	return true
}

func (t *manualTask) IsCancelled() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.cancelled
}

// Advance moves the clock forward by d, running every task that becomes due,
// including tasks scheduled by the callbacks themselves.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t, ok := m.nextDue(target)
		if !ok {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// nextDue pops the earliest task due at or before target and moves the clock
// to its deadline. Repeating tasks are re-armed before they run.
func (m *Manual) nextDue(target time.Time) (*manualTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *manualTask
	for _, t := range m.tasks {
		if t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) || (t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	if next == nil {
		return nil, false
	}
	if next.deadline.After(m.now) {
		m.now = next.deadline
	}
	if next.interval > 0 {
		next.deadline = next.deadline.Add(next.interval)
		m.seq++
		next.seq = m.seq
	} else {
		next.cancelled = true
		m.tasks = slices.DeleteFunc(m.tasks, func(o *manualTask) bool { return o == next })
	}
	return next, true
}

// Pending returns the number of scheduled tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
