package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_OnceAndRepeating(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)

	var order []string
	m.ScheduleOnce(3*time.Second, func() { order = append(order, "once") })
	tick := m.ScheduleRepeating(time.Second, 2*time.Second, func() { order = append(order, "tick@"+m.Now().Sub(start).String()) })

	m.Advance(500 * time.Millisecond)
	assert.Empty(t, order)

	m.Advance(5 * time.Second)
	assert.Equal(t, []string{"tick@1s", "once", "tick@3s", "tick@5s"}, order)
	assert.Equal(t, start.Add(5500*time.Millisecond), m.Now())

	require.True(t, tick.Cancel())
	assert.False(t, tick.Cancel())
	assert.True(t, tick.IsCancelled())
	assert.Zero(t, m.Pending())

	m.Advance(time.Minute)
	assert.Len(t, order, 4)
}

func TestManual_CallbackSchedulesMore(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired []time.Duration
	m.ScheduleOnce(time.Second, func() {
		fired = append(fired, time.Second)
		m.ScheduleOnce(time.Second, func() { fired = append(fired, 2*time.Second) })
	})

	m.Advance(10 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fired)
}

func TestManual_CancelBeforeDue(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ran := false
	c := m.ScheduleOnce(time.Second, func() { ran = true })
	require.True(t, c.Cancel())
	m.Advance(2 * time.Second)
	assert.False(t, ran)
}

func TestWall_RepeatingAndStop(t *testing.T) {
	w := NewWall()
	defer w.Stop()

	var n atomic.Int32
	task := w.ScheduleRepeating(0, 5*time.Millisecond, func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)

	require.True(t, task.Cancel())
	time.Sleep(20 * time.Millisecond)
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load(), "cancelled task does not run again")
}

func TestWall_OnceCancelled(t *testing.T) {
	w := NewWall()
	var ran atomic.Bool
	c := w.ScheduleOnce(20*time.Millisecond, func() { ran.Store(true) })
	c.Cancel()
	w.Stop()
	assert.False(t, ran.Load())

	var fired atomic.Bool
	w2 := NewWall()
	defer w2.Stop()
	w2.ScheduleOnce(time.Millisecond, func() { fired.Store(true) })
	assert.Eventually(t, fired.Load, time.Second, time.Millisecond)
}
