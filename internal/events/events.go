// Package events carries terminal playback notifications from pipeline
// goroutines to the goroutine that owns teardown.
package events

import (
	"fmt"
	"sync"
)

// Kind is the terminal condition an Event reports.
type Kind int

const (
	// Ended reports that the source has been read to the end.
	Ended Kind = iota + 1
	// Fatal reports an unrecoverable pipeline error.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Ended:
		return "ended"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a terminal notification. Err is set for Fatal.
type Event struct {
	Kind Kind
	Err  error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// Notifier receives terminal events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Guard forwards each kind of event to the wrapped notifier at most once.
type Guard struct {
	next  Notifier
	mu    sync.Mutex
	fired map[Kind]bool
}

// NewGuard wraps n.
func NewGuard(n Notifier) *Guard {
	return &Guard{next: n, fired: make(map[Kind]bool)}
}

// Notify forwards ev unless an event of the same kind was already forwarded.
func (g *Guard) Notify(ev Event) {
	g.mu.Lock()
	if g.fired[ev.Kind] {
		g.mu.Unlock()
		return
	}
	g.fired[ev.Kind] = true
	g.mu.Unlock()
	g.next.Notify(ev)
}

// Fired reports whether an event of kind k has been forwarded.
func (g *Guard) Fired(k Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired[k]
}

// Queue is a channel-backed Notifier for loops that have no UI toolkit
// event queue to post to.
type Queue struct {
	ch chan Event
}

// NewQueue returns a queue with room for one event of each kind, which is
// all a Guard will ever deliver.
func NewQueue() *Queue {
	return &Queue{ch: make(chan Event, 2)}
}

// Notify enqueues ev without blocking. Events beyond the buffer are dropped.
func (q *Queue) Notify(ev Event) {
	select {
	case q.ch <- ev:
	default:
	}
}

// C returns the receive side of the queue.
func (q *Queue) C() <-chan Event { return q.ch }
