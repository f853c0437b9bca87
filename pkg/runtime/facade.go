package runtime

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/event"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/types"
)

// HasTriggeredFaultAware reports whether an event has triggered and with what
// poison bit. The null event is always triggered and clean.
func (rt *Runtime) HasTriggeredFaultAware(e types.Event) (bool, bool) {
	if !e.Exists() {
		return true, false
	}
	return rt.genEvent(e.ID).HasTriggered(e.Gen)
}

// HasTriggered reports whether an event has triggered. Observing poison
// through this fault-unaware query is fatal: the caller declared it cannot
// handle faults.
func (rt *Runtime) HasTriggered(e types.Event) bool {
	triggered, poisoned := rt.HasTriggeredFaultAware(e)
	if poisoned {
		panic(fmt.Sprintf("event %s: poisoned trigger observed through a fault-unaware query", e))
	}
	return triggered
}

// WaitFaultAware blocks until the event triggers, returning its poison bit.
func (rt *Runtime) WaitFaultAware(ctx context.Context, e types.Event) (bool, error) {
	if !e.Exists() {
		return false, nil
	}
	if triggered, poisoned := rt.genEvent(e.ID).HasTriggered(e.Gen); triggered {
		return poisoned, nil
	}

	w := event.NewSignalWaiter()
	rt.genEvent(e.ID).AddWaiter(e.Gen, w)
	select {
	case <-w.Done():
		return w.Poisoned(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Wait blocks until the event triggers. A poisoned trigger is fatal here; use
// WaitFaultAware to observe poison.
func (rt *Runtime) Wait(ctx context.Context, e types.Event) error {
	poisoned, err := rt.WaitFaultAware(ctx, e)
	if err != nil {
		return err
	}
	if poisoned {
		panic(fmt.Sprintf("event %s: woke from a poisoned trigger", e))
	}
	return nil
}

// ExternalWait blocks a thread outside the runtime's own workers until the
// event triggers, returning its poison bit.
func (rt *Runtime) ExternalWait(ctx context.Context, e types.Event) (bool, error) {
	if !e.Exists() {
		return false, nil
	}
	return rt.genEvent(e.ID).ExternalWait(ctx, e.Gen)
}

// MergeEvents returns an event that triggers once every input has. Duplicate
// inputs count once. Poison propagates eagerly; see MergeEventsIgnoreFaults
// to mask it.
func (rt *Runtime) MergeEvents(evs ...types.Event) types.Event {
	return rt.mergeEvents(evs, false)
}

// MergeEventsIgnoreFaults is MergeEvents with poisoned inputs treated as
// ordinary triggers: the merged event triggers clean once every input has
// triggered, poisoned or not.
func (rt *Runtime) MergeEventsIgnoreFaults(evs ...types.Event) types.Event {
	return rt.mergeEvents(evs, true)
}

func (rt *Runtime) mergeEvents(evs []types.Event, ignoreFaults bool) types.Event {
	if len(evs) == 0 {
		return types.NoEvent
	}

	inputs := dedupEvents(evs)

	// scan until two untriggered inputs are seen; fewer may need no merger
	waitCount := 0
	var firstWait types.Event
	for _, ev := range inputs {
		if waitCount >= 2 {
			break
		}
		triggered, poisoned := rt.HasTriggeredFaultAware(ev)
		if triggered {
			if poisoned && !ignoreFaults {
				// the poisoned input itself carries the fault downstream
				log.WithComponent("poison").Info().Str("event", ev.String()).
					Msg("merging events: input already poisoned")
				return ev
			}
		} else {
			if waitCount == 0 {
				firstWait = ev
			}
			waitCount++
		}
	}

	if waitCount == 0 {
		return types.NoEvent
	}
	// a single pending input can stand for the merge, unless poison must be
	// masked
	if waitCount == 1 && !ignoreFaults {
		return firstWait
	}

	finishEvent := rt.createGenEvent().CurrentEvent()
	m := newEventMerger(rt, finishEvent, ignoreFaults)
	for _, ev := range inputs {
		log.WithComponent("event").Debug().Str("event", finishEvent.String()).
			Str("wait_on", ev.String()).Msg("event merging")
		m.addEvent(ev)
	}
	m.arm()
	return finishEvent
}

func dedupEvents(evs []types.Event) []types.Event {
	seen := make(map[types.Event]struct{}, len(evs))
	out := evs[:0:0]
	for _, ev := range evs {
		if !ev.Exists() {
			continue
		}
		if _, ok := seen[ev]; ok {
			continue
		}
		seen[ev] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// CreateUserEvent allocates an event whose trigger is under user control.
func (rt *Runtime) CreateUserEvent() types.UserEvent {
	e := rt.createGenEvent().CurrentEvent()
	log.WithComponent("event").Info().Str("event", e.String()).Msg("user event created")
	return types.UserEvent{Event: e}
}

// TriggerUserEvent fires a user event once waitOn has triggered, propagating
// waitOn's poison. With the null event (or an already-triggered waitOn) the
// trigger happens immediately.
func (rt *Runtime) TriggerUserEvent(u types.UserEvent, waitOn types.Event) {
	if !u.Exists() {
		panic("triggering the null user event")
	}

	if triggered, poisoned := rt.HasTriggeredFaultAware(waitOn); triggered {
		log.WithComponent("event").Info().Str("event", u.Event.String()).
			Str("wait_on", waitOn.String()).Msg("user event trigger")
		rt.triggerEvent(u.Event, poisoned)
		return
	}

	log.WithComponent("event").Info().Str("event", u.Event.String()).
		Str("wait_on", waitOn.String()).Msg("deferring user event trigger")
	rt.addEventWaiter(waitOn, &deferredEventTrigger{rt: rt, after: u.Event})
}

// CancelUserEvent triggers a user event with poison.
func (rt *Runtime) CancelUserEvent(u types.UserEvent) {
	if !u.Exists() {
		panic("cancelling the null user event")
	}
	log.WithComponent("event").Info().Str("event", u.Event.String()).Msg("user event cancelled")
	rt.triggerEvent(u.Event, true)
}

// CreateBarrier allocates a barrier expecting the given number of arrivals
// per generation, optionally folding arrivals through a reduction op.
func (rt *Runtime) CreateBarrier(expectedArrivals uint32, redopID types.ReductionOpID, initialValue []byte) (types.Barrier, error) {
	rt.freeMu.Lock()
	idx := rt.nextBarrierIndex
	rt.nextBarrierIndex++
	rt.freeMu.Unlock()

	id := types.MakeID(types.KindBarrier, rt.node, idx)
	impl := rt.barrierImpl(id)
	if err := impl.Setup(expectedArrivals, redopID, initialValue); err != nil {
		return types.NoBarrier, err
	}
	metrics.BarriersCreated.Inc()
	return impl.CurrentBarrier(), nil
}

// DestroyBarrier records a teardown request for a barrier. The request is
// logged; the barrier's storage is not reclaimed.
func (rt *Runtime) DestroyBarrier(b types.Barrier) {
	rt.barrierImpl(b.ID).Destroy()
}

// AlterArrivalCount adjusts the arrival count of one phase, returning the
// handle arrivals must be made through so they cannot overtake the
// adjustment.
func (rt *Runtime) AlterArrivalCount(b types.Barrier, delta int32) types.Barrier {
	ts := types.Timestamp(rt.barrierTimestamp.Add(1) - 1)
	rt.barrierImpl(b.ID).AdjustArrival(b.Gen, delta, ts, types.NoEvent, nil)
	return types.Barrier{ID: b.ID, Gen: b.Gen, Timestamp: ts}
}

// Arrive records count arrivals at one phase, optionally gated on waitOn and
// optionally contributing a reduction value.
func (rt *Runtime) Arrive(b types.Barrier, count uint32, waitOn types.Event, reduceValue []byte) {
	metrics.BarrierArrivals.Inc()
	rt.barrierImpl(b.ID).AdjustArrival(b.Gen, -int32(count), b.Timestamp, waitOn, reduceValue)
}

// BarrierHasTriggered reports whether a phase has completed. On a non-owner
// the query subscribes to the phase, so a false answer becomes true without
// polling the owner.
func (rt *Runtime) BarrierHasTriggered(b types.Barrier) bool {
	triggered, _ := rt.barrierImpl(b.ID).HasTriggered(b.Gen)
	return triggered
}

// WaitBarrier blocks until a phase completes.
func (rt *Runtime) WaitBarrier(ctx context.Context, b types.Barrier) error {
	impl := rt.barrierImpl(b.ID)
	if triggered, _ := impl.HasTriggered(b.Gen); triggered {
		return nil
	}

	w := event.NewSignalWaiter()
	impl.AddWaiter(b.Gen, w)
	select {
	case <-w.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetResult copies a completed phase's reduction result into buf, whose
// length must match the reduction op's accumulator size.
func (rt *Runtime) GetResult(b types.Barrier, buf []byte) bool {
	return rt.barrierImpl(b.ID).GetResult(b.Gen, buf)
}
