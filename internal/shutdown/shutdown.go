// Package shutdown provides the cancellation flag shared by every goroutine
// of a playback session.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
)

// Coordinator is a monotonic, idempotent cancellation signal. The flag can
// be polled with Cancelled and waited on through Done; once set it is never
// cleared.
type Coordinator struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// New returns a coordinator in the running state.
func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Cancel sets the flag and wakes every waiter. Calling it more than once has
// no further effect.
func (c *Coordinator) Cancel() {
	c.once.Do(func() {
		c.cancelled.Store(true)
		close(c.done)
	})
}

// Cancelled reports whether Cancel has been called.
func (c *Coordinator) Cancelled() bool {
	return c.cancelled.Load()
}

// Done returns a channel that is closed on cancellation.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// CancelOnDone cancels the coordinator when ctx is done. The returned
// function detaches the hook.
func (c *Coordinator) CancelOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, c.Cancel)
}
