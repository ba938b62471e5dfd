package offlinecache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventMessage  EventKind = "message"
	EventFetch    EventKind = "fetch"
)

// Event is a single dispatched lifecycle, message or fetch event.
// Work registered with WaitUntil keeps the event (and the registration
// tracking it) alive until it settles, even after the response was sent.
type Event struct {
	Kind     EventKind
	group    errgroup.Group
	lifetime *lifetime
}

func newEvent(kind EventKind, l *lifetime) *Event {
	return &Event{Kind: kind, lifetime: l}
}

// WaitUntil runs fn in the background and extends the event's lifetime until it returns.
func (e *Event) WaitUntil(fn func() error) {
	e.lifetime.add()
	e.group.Go(func() error {
		defer e.lifetime.done()
		return fn()
	})
}

// Wait blocks until all work registered with WaitUntil has returned.
// It returns the first error, if any.
func (e *Event) Wait() error {
	return e.group.Wait()
}

// lifetime counts extend-lifetime work that has not settled yet.
// A nil lifetime tracks nothing.
type lifetime struct {
	mutex sync.Mutex
	n     int
	idle  chan struct{}
}

func newLifetime() *lifetime {
	idle := make(chan struct{})
	close(idle)
	return &lifetime{idle: idle}
}

func (l *lifetime) add() {
	if l == nil {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.n == 0 {
		l.idle = make(chan struct{})
	}
	l.n++
}

func (l *lifetime) done() {
	if l == nil {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.n--
	if l.n == 0 {
		close(l.idle)
	}
}

// wait blocks until no work is pending or the context ends.
func (l *lifetime) wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mutex.Lock()
	idle := l.idle
	l.mutex.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
