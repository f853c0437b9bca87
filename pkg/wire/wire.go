package wire

import (
	"github.com/loomworks/loom/pkg/types"
)

// EventSubscribe asks an event's owner to send updates once the subscribed
// generation triggers. PreviousSubscribeGen is the generation the sender had
// subscribed to before, so the owner can tell whether the sender already has
// complete information.
type EventSubscribe struct {
	Event                types.Event
	PreviousSubscribeGen types.Generation
}

// EventTrigger tells an event's owner that the sender has triggered a
// generation of the owner's event.
type EventTrigger struct {
	Event    types.Event
	Poisoned bool
}

// EventUpdate is the owner's authoritative broadcast: the given generation has
// triggered, and the attached poisoned-generation list is complete through it.
type EventUpdate struct {
	Event               types.Event
	PoisonedGenerations []types.Generation
}

// BarrierAdjust forwards an arrival-count adjustment to the barrier's owner.
// The barrier handle carries the generation and adjustment timestamp. WaitOn,
// when set, defers the adjustment on the owner until that event triggers.
type BarrierAdjust struct {
	Barrier     types.Barrier
	Delta       int32
	WaitOn      types.Event
	ReduceValue []byte
}

// BarrierSubscribe asks a barrier's owner for a trigger notification once the
// given generation triggers.
type BarrierSubscribe struct {
	BarrierID    types.ID
	SubscribeGen types.Generation
}

// BarrierTrigger notifies a subscriber that every generation in
// (PreviousGen, TriggerGen] has triggered. Values, when present, holds the
// reduction results for that generation range, one slot per generation.
type BarrierTrigger struct {
	BarrierID       types.ID
	TriggerGen      types.Generation
	PreviousGen     types.Generation
	FirstGeneration types.Generation
	RedopID         types.ReductionOpID
	Values          []byte
}

// Envelope is the unit of transport: the sender node plus exactly one message
// body.
type Envelope struct {
	From types.NodeID

	EventSubscribe   *EventSubscribe
	EventTrigger     *EventTrigger
	EventUpdate      *EventUpdate
	BarrierAdjust    *BarrierAdjust
	BarrierSubscribe *BarrierSubscribe
	BarrierTrigger   *BarrierTrigger
}

// Kind names the body for logging and metrics.
func (env *Envelope) Kind() string {
	switch {
	case env.EventSubscribe != nil:
		return "event_subscribe"
	case env.EventTrigger != nil:
		return "event_trigger"
	case env.EventUpdate != nil:
		return "event_update"
	case env.BarrierAdjust != nil:
		return "barrier_adjust"
	case env.BarrierSubscribe != nil:
		return "barrier_subscribe"
	case env.BarrierTrigger != nil:
		return "barrier_trigger"
	default:
		return "empty"
	}
}

// Clone deep-copies the envelope, including payload slices. Used by transports
// that must detach from caller-owned buffers.
func (env *Envelope) Clone() *Envelope {
	out := &Envelope{From: env.From}
	if m := env.EventSubscribe; m != nil {
		c := *m
		out.EventSubscribe = &c
	}
	if m := env.EventTrigger; m != nil {
		c := *m
		out.EventTrigger = &c
	}
	if m := env.EventUpdate; m != nil {
		c := *m
		c.PoisonedGenerations = append([]types.Generation(nil), m.PoisonedGenerations...)
		out.EventUpdate = &c
	}
	if m := env.BarrierAdjust; m != nil {
		c := *m
		c.ReduceValue = append([]byte(nil), m.ReduceValue...)
		out.BarrierAdjust = &c
	}
	if m := env.BarrierSubscribe; m != nil {
		c := *m
		out.BarrierSubscribe = &c
	}
	if m := env.BarrierTrigger; m != nil {
		c := *m
		c.Values = append([]byte(nil), m.Values...)
		out.BarrierTrigger = &c
	}
	return out
}
