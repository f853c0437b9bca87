package event

import (
	"github.com/loomworks/loom/pkg/types"
)

// Waiter is a callback registered against one generation of an event or
// barrier. EventTriggered is invoked exactly once per registration, after the
// triggered state (including its poison bit) is published.
//
// The boolean return is a reclaim hint: true tells the waking machinery the
// waiter's storage may be released; false means the registrant keeps
// ownership (used by stack-held signal waiters and by mergers, which release
// themselves on their last trigger). A waiter must not re-enter the mutex of
// the event that is waking it; it may register on other events or send
// messages.
type Waiter interface {
	EventTriggered(e types.Event, poisoned bool) bool
}

// SignalWaiter bridges the waiter callback to a channel, for callers that
// block a goroutine until the event fires.
type SignalWaiter struct {
	ch       chan struct{}
	poisoned bool
}

// NewSignalWaiter creates an unfired signal waiter.
func NewSignalWaiter() *SignalWaiter {
	return &SignalWaiter{ch: make(chan struct{})}
}

// EventTriggered implements Waiter.
func (w *SignalWaiter) EventTriggered(e types.Event, poisoned bool) bool {
	w.poisoned = poisoned
	close(w.ch)
	return false // registrant-owned
}

// Done is closed once the event fires.
func (w *SignalWaiter) Done() <-chan struct{} { return w.ch }

// Poisoned reports the trigger's poison bit. Valid only after Done.
func (w *SignalWaiter) Poisoned() bool { return w.poisoned }

// fireWaiters invokes a batch of waiters outside any lock. Reclaim hints need
// no action here: storage is garbage collected.
func fireWaiters(waiters []Waiter, e types.Event, poisoned bool) {
	for _, w := range waiters {
		_ = w.EventTriggered(e, poisoned)
	}
}
