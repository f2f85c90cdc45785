// Package signalbus is the process-wide cancellation signal: one bus per
// process, armed once in main() before any worker starts, observed by the
// Batch Runner and any long-running menu action.
package signalbus

import "sync/atomic"

// Bus is a single-shot cancellation broadcaster. The zero value is not
// usable; construct with New.
type Bus struct {
	interrupted atomic.Bool
	done        chan struct{}
}

// New returns an armed Bus.
func New() *Bus {
	return &Bus{done: make(chan struct{})}
}

// Trigger marks the bus interrupted and closes Done, exactly once. Safe to
// call more than once or from multiple goroutines (e.g. an operator menu
// cancel plus an OS signal handler racing each other).
func (b *Bus) Trigger() {
	if b.interrupted.CompareAndSwap(false, true) {
		close(b.done)
	}
}

// Interrupted reports whether Trigger has been called.
func (b *Bus) Interrupted() bool {
	return b.interrupted.Load()
}

// Done returns a channel closed exactly once Trigger has been called.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Reset rearms the bus for the next batch. Must only be called when no
// goroutine is still observing the previous Done() channel.
func (b *Bus) Reset() {
	b.interrupted.Store(false)
	b.done = make(chan struct{})
}
