package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrStopped is returned by Do when the scheduler no longer accepts tasks.
var ErrStopped = errors.New("scheduler stopped")

// Scheduler accepts tasks for later execution on its context.
type Scheduler interface {
	// Post queues task. Returns false if the scheduler is stopped.
	Post(task func()) bool
}

// Loop runs posted tasks on exactly one goroutine, the one calling Run.
type Loop struct {
	queue *Queue[func()]
}

// NewLoop creates a loop. Tasks posted before Run are kept.
func NewLoop() *Loop {
	return &Loop{queue: NewQueue[func()]()}
}

// Post implements Scheduler. Safe from any goroutine.
func (l *Loop) Post(task func()) bool {
	return l.queue.Enqueue(task)
}

// Run drains tasks until ctx is cancelled or Stop is called.
// After Stop, tasks already queued still run before Run returns nil.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for {
			task, ok := l.queue.TryDequeue()
			if !ok {
				break
			}
			runTask(task)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if l.queue.Closed() && l.queue.Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.queue.Wait():
		}
	}
}

// Do runs fn on the loop and waits for it to finish.
// It must not be called from inside a task on the same loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the loop to new tasks.
func (l *Loop) Stop() {
	l.queue.Close()
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	return l.queue.Len()
}

// Manual queues tasks until Drain is called. It gives tests a
// deterministic turn boundary.
//
// Thread-safety: Post is safe from any goroutine; Drain should be called
// from one.
type Manual struct {
	queue *Queue[func()]
}

// NewManual creates a manual scheduler.
func NewManual() *Manual {
	return &Manual{queue: NewQueue[func()]()}
}

// Post implements Scheduler.
func (m *Manual) Post(task func()) bool {
	return m.queue.Enqueue(task)
}

// Drain runs queued tasks, including tasks they post, until the queue is
// empty. Returns the number of tasks run.
func (m *Manual) Drain() int {
	n := 0
	for {
		task, ok := m.queue.TryDequeue()
		if !ok {
			return n
		}
		runTask(task)
		n++
	}
}

// Len returns the number of queued tasks.
func (m *Manual) Len() int {
	return m.queue.Len()
}

// runTask runs one task, recovering panics.
func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	task()
}
