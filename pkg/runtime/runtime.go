package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/loomworks/loom/pkg/barrier"
	"github.com/loomworks/loom/pkg/event"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/reduction"
	"github.com/loomworks/loom/pkg/trace"
	"github.com/loomworks/loom/pkg/transport"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// Config assembles a runtime's collaborators.
type Config struct {
	Transport transport.Transport
	// Reductions defaults to the builtin table when nil. All nodes must
	// agree on op registrations.
	Reductions *reduction.Table
	// Journal, when set, records every envelope sent and received.
	Journal *trace.Journal
}

// Runtime is one node's directory of event and barrier implementations, plus
// the plumbing that binds them to the transport. Handles are resolved here:
// an operation on (id, gen) routes to the implementation object for id,
// creating a proxy on first contact with a remote id.
type Runtime struct {
	node       types.NodeID
	transport  transport.Transport
	reductions *reduction.Table
	journal    *trace.Journal

	events   *xsync.MapOf[types.ID, *event.GenEvent]
	barriers *xsync.MapOf[types.ID, *barrier.Impl]

	freeMu           sync.Mutex
	freeEvents       []*event.GenEvent
	nextEventIndex   uint64
	nextBarrierIndex uint64

	barrierTimestamp atomic.Uint64
}

// New wires a runtime to its transport and installs the message handler.
func New(cfg Config) *Runtime {
	rt := &Runtime{
		node:             cfg.Transport.LocalNode(),
		transport:        cfg.Transport,
		reductions:       cfg.Reductions,
		journal:          cfg.Journal,
		events:           xsync.NewMapOf[types.ID, *event.GenEvent](),
		barriers:         xsync.NewMapOf[types.ID, *barrier.Impl](),
		nextEventIndex:   1,
		nextBarrierIndex: 1,
	}
	if rt.reductions == nil {
		rt.reductions = reduction.NewTable()
	}
	rt.barrierTimestamp.Store(uint64(types.FirstTimestamp(rt.node)))
	cfg.Transport.SetHandler(rt.handleEnvelope)
	return rt
}

// NodeID returns the local node.
func (rt *Runtime) NodeID() types.NodeID { return rt.node }

// Reductions returns the runtime's reduction op table.
func (rt *Runtime) Reductions() *reduction.Table { return rt.reductions }

// genEvent resolves an event id, creating a proxy for remote ids on first
// contact.
func (rt *Runtime) genEvent(id types.ID) *event.GenEvent {
	impl, _ := rt.events.LoadOrCompute(id, func() *event.GenEvent {
		return event.New(id, id.Node(), rt)
	})
	return impl
}

// barrierImpl resolves a barrier id the same way.
func (rt *Runtime) barrierImpl(id types.ID) *barrier.Impl {
	impl, _ := rt.barriers.LoadOrCompute(id, func() *barrier.Impl {
		return barrier.New(id, id.Node(), rt)
	})
	return impl
}

// createGenEvent draws an event implementation from the free list, or
// allocates a fresh local id.
func (rt *Runtime) createGenEvent() *event.GenEvent {
	rt.freeMu.Lock()
	if n := len(rt.freeEvents); n > 0 {
		ev := rt.freeEvents[n-1]
		rt.freeEvents = rt.freeEvents[:n-1]
		metrics.EventFreeListDepth.Set(float64(n - 1))
		rt.freeMu.Unlock()
		return ev
	}
	idx := rt.nextEventIndex
	rt.nextEventIndex++
	rt.freeMu.Unlock()

	id := types.MakeID(types.KindEvent, rt.node, idx)
	ev := event.New(id, rt.node, rt)
	rt.events.Store(id, ev)
	metrics.EventsCreated.Inc()
	return ev
}

// handleEnvelope dispatches one received envelope to its implementation.
func (rt *Runtime) handleEnvelope(env *wire.Envelope) {
	metrics.MessagesReceived.WithLabelValues(env.Kind()).Inc()
	if rt.journal != nil {
		if err := rt.journal.Record(trace.Received, env.From, env); err != nil {
			runtimeLogger := log.WithComponent("runtime")
			runtimeLogger.Error().Err(err).Msg("failed to journal received envelope")
		}
	}

	switch {
	case env.EventSubscribe != nil:
		m := env.EventSubscribe
		rt.genEvent(m.Event.ID).HandleSubscribe(env.From, m.Event.Gen, m.PreviousSubscribeGen)

	case env.EventTrigger != nil:
		m := env.EventTrigger
		rt.genEvent(m.Event.ID).Trigger(m.Event.Gen, env.From, m.Poisoned)

	case env.EventUpdate != nil:
		m := env.EventUpdate
		rt.genEvent(m.Event.ID).ProcessUpdate(m.Event.Gen, m.PoisonedGenerations)

	case env.BarrierAdjust != nil:
		m := env.BarrierAdjust
		rt.barrierImpl(m.Barrier.ID).AdjustArrival(
			m.Barrier.Gen, m.Delta, m.Barrier.Timestamp, m.WaitOn, m.ReduceValue)

	case env.BarrierSubscribe != nil:
		m := env.BarrierSubscribe
		rt.barrierImpl(m.BarrierID).HandleSubscribe(env.From, m.SubscribeGen)

	case env.BarrierTrigger != nil:
		rt.barrierImpl(env.BarrierTrigger.BarrierID).HandleTrigger(env.BarrierTrigger)

	default:
		emptyEnvelopeLogger := log.WithComponent("runtime")
		emptyEnvelopeLogger.Warn().Uint16("from", uint16(env.From)).
			Msg("ignoring empty envelope")
	}
}

// The methods below implement event.Fabric and barrier.Fabric.

// LocalNode implements the fabric interfaces.
func (rt *Runtime) LocalNode() types.NodeID { return rt.node }

// Send implements the fabric interfaces. Errors are logged, not returned:
// state machines treat the transport as reliable.
func (rt *Runtime) Send(dst types.NodeID, env *wire.Envelope) {
	metrics.MessagesSent.WithLabelValues(env.Kind()).Inc()
	if rt.journal != nil {
		if err := rt.journal.Record(trace.Sent, dst, env); err != nil {
			sentLogger := log.WithComponent("runtime")
			sentLogger.Error().Err(err).Msg("failed to journal sent envelope")
		}
	}
	if err := rt.transport.Send(dst, env, transport.PayloadCopy); err != nil {
		sendErrLogger := log.WithComponent("transport")
		sendErrLogger.Error().Err(err).Uint16("dst", uint16(dst)).
			Str("kind", env.Kind()).Msg("failed to send envelope")
	}
}

// Broadcast implements event.Fabric.
func (rt *Runtime) Broadcast(dsts []types.NodeID, env *wire.Envelope) {
	for _, dst := range dsts {
		rt.Send(dst, env)
	}
}

// FreeEvent implements event.Fabric: a triggered event returns to the pool
// and its id is reused at the next generation.
func (rt *Runtime) FreeEvent(ev *event.GenEvent) {
	rt.freeMu.Lock()
	rt.freeEvents = append(rt.freeEvents, ev)
	metrics.EventFreeListDepth.Set(float64(len(rt.freeEvents)))
	rt.freeMu.Unlock()
}

// RetireEvent implements event.Fabric: the id is abandoned, never reused.
func (rt *Runtime) RetireEvent(ev *event.GenEvent) {
	metrics.EventsRetired.Inc()
}

// Reducer implements barrier.Fabric.
func (rt *Runtime) Reducer(id types.ReductionOpID) reduction.Op {
	return rt.reductions.Get(id)
}

// EventHasTriggered implements barrier.Fabric: triggered means triggered,
// poisoned or not. Poison handling belongs to whoever registered the wait.
func (rt *Runtime) EventHasTriggered(e types.Event) bool {
	if !e.Exists() {
		return true
	}
	triggered, _ := rt.genEvent(e.ID).HasTriggered(e.Gen)
	return triggered
}

// DeferArrival implements barrier.Fabric: re-issue the adjustment once waitOn
// triggers.
func (rt *Runtime) DeferArrival(b types.Barrier, delta int32, waitOn types.Event, reduceValue []byte) {
	rt.addEventWaiter(waitOn, &deferredBarrierArrival{
		rt:          rt,
		barrier:     b,
		delta:       delta,
		reduceValue: append([]byte(nil), reduceValue...),
	})
}

// addEventWaiter registers a waiter against any event handle, firing it
// immediately for the null event.
func (rt *Runtime) addEventWaiter(e types.Event, w event.Waiter) {
	if !e.Exists() {
		_ = w.EventTriggered(e, false)
		return
	}
	rt.genEvent(e.ID).AddWaiter(e.Gen, w)
}

// triggerEvent fires one generation of an event from this node.
func (rt *Runtime) triggerEvent(e types.Event, poisoned bool) {
	metrics.EventsTriggered.WithLabelValues(boolLabel(poisoned)).Inc()
	rt.genEvent(e.ID).Trigger(e.Gen, rt.node, poisoned)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
