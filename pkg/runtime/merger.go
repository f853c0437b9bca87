package runtime

import (
	"sync/atomic"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
)

// eventMerger triggers a finish event once every input event has triggered.
// It is lock-free: the pending count starts at one (a phantom input covering
// the construction window) and each input decrements it on trigger; whoever
// performs the final decrement fires the finish event.
//
// Poison propagates eagerly: the first poisoned input triggers the finish
// event poisoned right away, unless faults are being ignored, in which case
// the merger absorbs poison and finishes clean once all inputs are in.
type eventMerger struct {
	rt           *Runtime
	finishEvent  types.Event
	ignoreFaults bool

	countNeeded    atomic.Int32
	faultsObserved atomic.Int32
}

func newEventMerger(rt *Runtime, finishEvent types.Event, ignoreFaults bool) *eventMerger {
	m := &eventMerger{rt: rt, finishEvent: finishEvent, ignoreFaults: ignoreFaults}
	m.countNeeded.Store(1)
	return m
}

// addEvent folds one input in. Already-triggered inputs never raise the
// count; an already-poisoned one may fire the finish event immediately.
func (m *eventMerger) addEvent(waitFor types.Event) {
	if triggered, poisoned := m.rt.HasTriggeredFaultAware(waitFor); triggered {
		if poisoned {
			m.observeFault()
		}
		return
	}

	m.countNeeded.Add(1)
	m.rt.addEventWaiter(waitFor, m)
}

// arm retires the phantom input once all adds are done. Returns whether the
// merger finished during arming.
func (m *eventMerger) arm() bool {
	return m.EventTriggered(types.NoEvent, false)
}

// EventTriggered implements event.Waiter. Returns true on the final
// decrement, handing the merger's storage back.
func (m *eventMerger) EventTriggered(e types.Event, poisoned bool) bool {
	if poisoned {
		m.observeFault()
	}

	countLeft := m.countNeeded.Add(-1)
	log.WithComponent("event").Debug().Str("event", m.finishEvent.String()).
		Int32("left", countLeft).Bool("poisoned", poisoned).Msg("merged event input")

	lastTrigger := countLeft == 0
	if lastTrigger && (m.ignoreFaults || m.faultsObserved.Load() == 0) {
		m.rt.triggerEvent(m.finishEvent, false)
	}
	return lastTrigger
}

func (m *eventMerger) observeFault() {
	firstFault := m.faultsObserved.Add(1) == 1
	if firstFault && !m.ignoreFaults {
		log.WithComponent("poison").Info().Str("event", m.finishEvent.String()).
			Msg("event merger poisoned")
		m.rt.triggerEvent(m.finishEvent, true)
	}
}

// deferredEventTrigger triggers an event once another has, carrying the
// precondition's poison through.
type deferredEventTrigger struct {
	rt    *Runtime
	after types.Event
}

func (d *deferredEventTrigger) EventTriggered(e types.Event, poisoned bool) bool {
	d.rt.triggerEvent(d.after, poisoned)
	return true
}

// deferredBarrierArrival re-issues a barrier adjustment once its precondition
// triggers.
type deferredBarrierArrival struct {
	rt          *Runtime
	barrier     types.Barrier
	delta       int32
	reduceValue []byte
}

func (d *deferredBarrierArrival) EventTriggered(e types.Event, poisoned bool) bool {
	// TODO: a poisoned precondition should poison the barrier generation once
	// barriers carry poison per phase
	log.WithComponent("barrier").Info().Str("barrier", d.barrier.String()).
		Int32("delta", d.delta).Msg("deferred barrier arrival")
	d.rt.barrierImpl(d.barrier.ID).AdjustArrival(
		d.barrier.Gen, d.delta, d.barrier.Timestamp, types.NoEvent, d.reduceValue)
	return true
}
