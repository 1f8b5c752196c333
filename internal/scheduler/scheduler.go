package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cancellable is the handle of a scheduled task.
type Cancellable interface {
	// Cancel stops future runs. It reports whether this call cancelled the task.
	Cancel() bool
	// IsCancelled reports whether Cancel was called.
	IsCancelled() bool
}

// Scheduler runs callbacks after a delay or at a fixed interval. Callbacks
// run on scheduler-owned goroutines; components that own state must hand the
// work over to their own goroutine.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn func()) Cancellable
	ScheduleRepeating(initialDelay, interval time.Duration, fn func()) Cancellable
	Now() time.Time
}

// Wall schedules on the real clock.
type Wall struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWall creates a wall-clock scheduler. Stop cancels every task.
func NewWall() *Wall {
	ctx, cancel := context.WithCancel(context.Background())
	return &Wall{ctx: ctx, cancel: cancel}
}

// Now returns time.Now.
func (w *Wall) Now() time.Time { return time.Now() }

type wallTask struct {
	cancelled atomic.Bool
	stop      context.CancelFunc
}

func (t *wallTask) Cancel() bool {
	if t.cancelled.Swap(true) {
		return false
	}
	t.stop()
	return true
}

func (t *wallTask) IsCancelled() bool { return t.cancelled.Load() }

// ScheduleOnce runs fn once after delay.
func (w *Wall) ScheduleOnce(delay time.Duration, fn func()) Cancellable {
	ctx, stop := context.WithCancel(w.ctx)
	task := &wallTask{stop: stop}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer stop()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			if !task.IsCancelled() {
				fn()
			}
		}
	}()
	return task
}

// ScheduleRepeating runs fn after initialDelay and then every interval.
func (w *Wall) ScheduleRepeating(initialDelay, interval time.Duration, fn func()) Cancellable {
	ctx, stop := context.WithCancel(w.ctx)
	task := &wallTask{stop: stop}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer stop()

		timer := time.NewTimer(initialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if task.IsCancelled() {
				return
			}
			fn()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return task
}

// Stop cancels all tasks and waits for running callbacks to return.
func (w *Wall) Stop() {
	w.cancel()
	w.wg.Wait()
}
