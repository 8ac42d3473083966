package dispatch

import (
	"sync"

	"github.com/eapache/queue"
)

// Loop is a dedicated owner goroutine for the engine. Its Schedule method is
// a ScheduleFunc.
type Loop struct {
	mu      sync.Mutex
	pending *queue.Queue
	signal  chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewLoop starts the owner goroutine.
func NewLoop() *Loop {
	l := &Loop{
		pending: queue.New(),
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Schedule queues fn to run on the loop goroutine. It never blocks. Work
// scheduled after Stop is discarded.
func (l *Loop) Schedule(fn func()) {
	l.mu.Lock()
	l.pending.Add(fn)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Stop ends the loop after the work already scheduled, and waits for it.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
	<-l.stopped
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		l.drain()
		select {
		case <-l.signal:
		case <-l.stop:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if l.pending.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.pending.Remove().(func())
		l.mu.Unlock()
		fn()
	}
}
