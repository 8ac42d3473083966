// Package dispatch serializes every engine call onto one logical owner.
//
// Tasks are the only way to reach the engine. They run one at a time in
// submission order, on whatever goroutine the bound ScheduleFunc runs the
// pump on. Before a ScheduleFunc is bound, submitted tasks accumulate and
// run in order once binding happens.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/eapache/queue"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/engine"
)

// ErrShutdown is returned by Submit after Close.
var ErrShutdown = errors.New("dispatch queue is shut down")

// Task is a unit of engine work.
type Task func(engine.Engine)

// ScheduleFunc arranges for pump to run soon on the engine's owner. It must
// not block and must not run pump reentrantly.
type ScheduleFunc func(pump func())

// Queue is a global FIFO of engine tasks.
type Queue struct {
	eng engine.Engine
	cfg *config.Config

	mu        sync.Mutex
	tasks     *queue.Queue
	schedule  ScheduleFunc
	scheduled bool // a pump is scheduled or running
	closed    bool
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates a queue for eng. No task runs until SetLoopCallback is called.
func New(eng engine.Engine, cfg *config.Config) *Queue {
	return &Queue{
		eng:   eng,
		cfg:   cfg,
		tasks: queue.New(),
		done:  make(chan struct{}),
	}
}

// SetLoopCallback binds the scheduler. Any backlog is pumped right away.
func (q *Queue) SetLoopCallback(fn ScheduleFunc) {
	q.mu.Lock()
	q.schedule = fn
	run := q.claim()
	q.mu.Unlock()
	if run {
		fn(q.pump)
	}
}

// Submit appends task to the queue.
func (q *Queue) Submit(task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShutdown
	}
	q.tasks.Add(task)
	run := q.claim()
	fn := q.schedule
	q.mu.Unlock()
	if run {
		fn(q.pump)
	}
	return nil
}

// claim reports whether the caller must schedule a pump. Requires q.mu.
func (q *Queue) claim() bool {
	if q.schedule == nil || q.scheduled || q.tasks.Length() == 0 {
		return false
	}
	q.scheduled = true
	return true
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Length()
}

// Done is closed once the queue is closed and drained.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) pump() {
	for {
		q.mu.Lock()
		if q.tasks.Length() == 0 {
			q.scheduled = false
			closed := q.closed
			q.mu.Unlock()
			if closed {
				q.finish()
			}
			return
		}
		task := q.tasks.Remove().(Task)
		q.mu.Unlock()
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.cfg.Error("dispatch: task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task(q.eng)
}

func (q *Queue) finish() {
	q.doneOnce.Do(func() { close(q.done) })
}

// Close stops accepting tasks and waits until the tasks already accepted have
// run. With no scheduler bound the backlog is dropped instead.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	idle := !q.scheduled
	if q.schedule == nil {
		if n := q.tasks.Length(); n > 0 {
			q.cfg.Warn("dispatch: dropping %d unbound tasks", n)
		}
		q.tasks = queue.New()
		idle = true
	}
	if idle && q.tasks.Length() == 0 {
		q.mu.Unlock()
		q.finish()
		return nil
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await submits fn and waits for its result. It must never be called from
// inside a task: the task would wait on itself.
func Await[T any](ctx context.Context, q *Queue, fn func(engine.Engine) (T, error)) (T, error) {
	var zero T
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	err := q.Submit(func(eng engine.Engine) {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("task panicked: %v", r)}
				panic(r)
			}
		}()
		v, err := fn(eng)
		ch <- outcome{value: v, err: err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
