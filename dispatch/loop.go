// Package dispatch provides the serial execution contexts used by a viewing
// session: one background worker for blocking I/O and one foreground loop
// that owns all slot and viewport state.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned when work is submitted to a loop that has been stopped.
var ErrStopped = errors.New("loop stopped")

// Loop runs submitted functions one at a time, in submission order, on a
// single goroutine.
type Loop struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	done chan struct{}
}

// NewLoop starts a loop goroutine. Stop must be called to release it.
func NewLoop(name string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		name:   name,
		logger: logger.With("loop", name),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Post queues fn to run after everything already queued. It returns false
// if the loop has been stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Do queues fn and blocks until it has run. Calling Do from the loop's own
// goroutine would deadlock; callers already on the loop call fn directly.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return fmt.Errorf("%s: %w", l.name, ErrStopped)
	}
	<-finished
	return nil
}

// Stop refuses new work, lets queued work drain, and returns once the loop
// goroutine has exited. It is safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		l.cond.Signal()
	}
	l.mu.Unlock()
	<-l.done
}

// StopAsync refuses new work and returns immediately; queued work still runs.
func (l *Loop) StopAsync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		l.cond.Signal()
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.stopped {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.invoke(fn)
	}
}

// invoke runs fn and keeps the loop alive if it panics.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic recovered in loop task", "panic", r)
		}
	}()
	fn()
}
