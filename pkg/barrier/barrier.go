package barrier

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loomworks/loom/pkg/event"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/reduction"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// foreverGeneration marks a barrier with no scheduled teardown.
const foreverGeneration = types.Generation(math.MaxUint32)

// Barrier waiters currently always observe an unpoisoned trigger.
// TODO: propagate poison through per-generation arrival state the way events
// carry it per trigger.
const triggerPoisoned = false

// Fabric is what a barrier needs from its surrounding runtime.
type Fabric interface {
	LocalNode() types.NodeID
	Send(dst types.NodeID, env *wire.Envelope)
	Reducer(id types.ReductionOpID) reduction.Op
	// EventHasTriggered answers for any event handle, including NoEvent.
	EventHasTriggered(e types.Event) bool
	// DeferArrival re-issues the adjustment once waitOn triggers.
	DeferArrival(b types.Barrier, delta int32, waitOn types.Event, reduceValue []byte)
}

// perNodeUpdates orders one origin node's adjustments by timestamp, so a
// decrement (an arrival through a handle returned by an arrival-count
// adjustment) cannot overtake the matching increment.
type perNodeUpdates struct {
	lastTS  types.Timestamp
	pending map[types.Timestamp]int32
}

// generationState tracks one untriggered generation.
type generationState struct {
	unguardedDelta int64
	localWaiters   []event.Waiter
	perNode        map[types.NodeID]*perNodeUpdates
}

// handleAdjustment applies a delta under the ordering rules: zero-timestamp
// deltas apply directly; positive deltas apply and release any pending
// decrements they ordered before; early decrements park in pending.
func (g *generationState) handleAdjustment(ts types.Timestamp, delta int32) {
	if ts == 0 {
		g.unguardedDelta += int64(delta)
		return
	}

	node := ts.Node()
	if g.perNode == nil {
		g.perNode = make(map[types.NodeID]*perNodeUpdates)
	}
	pn := g.perNode[node]
	if pn == nil {
		pn = &perNodeUpdates{pending: make(map[types.Timestamp]int32)}
		g.perNode[node] = pn
	}

	if delta > 0 {
		g.unguardedDelta += int64(delta)
		pn.lastTS = ts
		for {
			var minTS types.Timestamp
			found := false
			for pts := range pn.pending {
				if pts <= pn.lastTS && (!found || pts < minTS) {
					minTS = pts
					found = true
				}
			}
			if !found {
				break
			}
			g.unguardedDelta += int64(pn.pending[minTS])
			delete(pn.pending, minTS)
		}
		return
	}

	if ts <= pn.lastTS {
		g.unguardedDelta += int64(delta)
	} else {
		pn.pending[ts] += delta
	}
}

// Impl is the per-node implementation of one barrier id. The owner runs the
// arrival bookkeeping; other nodes hold proxies fed by trigger messages.
type Impl struct {
	id     types.ID
	owner  types.NodeID
	fabric Fabric

	// generation is the highest triggered generation known here; loaded
	// without the mutex for the query fast path.
	generation atomic.Uint32

	mu                  sync.Mutex
	genSubscribed       types.Generation
	firstGeneration     types.Generation
	freeGeneration      types.Generation
	baseArrivalCount    uint32
	generations         map[types.Generation]*generationState
	remoteSubscribeGens map[types.NodeID]types.Generation
	remoteTriggerGens   map[types.NodeID]types.Generation
	heldTriggers        map[types.Generation]types.Generation

	redopID       types.ReductionOpID
	redop         reduction.Op
	initialValue  []byte
	finalValues   []byte
	valueCapacity int
}

// New creates the implementation object for a barrier id.
func New(id types.ID, owner types.NodeID, fabric Fabric) *Impl {
	return &Impl{
		id:                  id,
		owner:               owner,
		fabric:              fabric,
		generations:         make(map[types.Generation]*generationState),
		remoteSubscribeGens: make(map[types.NodeID]types.Generation),
		remoteTriggerGens:   make(map[types.NodeID]types.Generation),
		heldTriggers:        make(map[types.Generation]types.Generation),
	}
}

// Setup arms a freshly created barrier on its owner.
func (b *Impl) Setup(expectedArrivals uint32, redopID types.ReductionOpID, initialValue []byte) error {
	if expectedArrivals == 0 {
		return fmt.Errorf("barrier needs at least one expected arrival")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.baseArrivalCount = expectedArrivals
	b.freeGeneration = foreverGeneration

	if redopID != 0 {
		op := b.fabric.Reducer(redopID)
		if op == nil {
			return fmt.Errorf("unknown reduction op %d", redopID)
		}
		if len(initialValue) != op.SizeofLHS() {
			return fmt.Errorf("initial value is %d bytes, reduction op wants %d",
				len(initialValue), op.SizeofLHS())
		}
		b.redopID = redopID
		b.redop = op
		b.initialValue = append([]byte(nil), initialValue...)
	} else if len(initialValue) != 0 {
		return fmt.Errorf("initial value given without a reduction op")
	}

	barrierLogger := log.WithComponent("barrier")
	barrierLogger.Info().Str("id", b.id.String()).
		Uint32("base_count", expectedArrivals).Uint32("redop", uint32(redopID)).
		Msg("barrier created")
	return nil
}

// ID returns the barrier id.
func (b *Impl) ID() types.ID { return b.id }

// Owner returns the owning node.
func (b *Impl) Owner() types.NodeID { return b.owner }

func (b *Impl) isOwner() bool { return b.fabric.LocalNode() == b.owner }

// CurrentBarrier returns the handle for the next untriggered phase.
func (b *Impl) CurrentBarrier() types.Barrier {
	return types.Barrier{ID: b.id, Gen: types.Generation(b.generation.Load()) + 1}
}

// Destroy records the teardown request. Reclamation of barrier storage is
// not scheduled: arrivals for live phases may still be in flight.
func (b *Impl) Destroy() {
	destroyLogger := log.WithComponent("barrier")
	destroyLogger.Info().Str("id", b.id.String()).Msg("barrier destruction request")
}

// remoteNotification is one BarrierTrigger send computed under the mutex.
type remoteNotification struct {
	node        types.NodeID
	triggerGen  types.Generation
	previousGen types.Generation
}

// AdjustArrival applies a signed adjustment to one generation's arrival
// count, possibly deferred on waitOn, possibly carrying a reduction value.
// Every adjustment funnels to the owner.
func (b *Impl) AdjustArrival(barrierGen types.Generation, delta int32, ts types.Timestamp,
	waitOn types.Event, reduceValue []byte) {

	logger := log.WithComponent("barrier")

	if !b.fabric.EventHasTriggered(waitOn) {
		handle := types.Barrier{ID: b.id, Gen: barrierGen, Timestamp: ts}
		if !b.isOwner() {
			// deferral happens on the owner: saves a hop if waitOn triggers there
			logger.Info().Str("barrier", handle.String()).Str("wait_on", waitOn.String()).
				Int32("delta", delta).Msg("forwarding deferred barrier arrival")
			b.fabric.Send(b.owner, &wire.Envelope{BarrierAdjust: &wire.BarrierAdjust{
				Barrier: handle, Delta: delta, WaitOn: waitOn, ReduceValue: reduceValue,
			}})
			return
		}
		logger.Info().Str("barrier", handle.String()).Str("wait_on", waitOn.String()).
			Int32("delta", delta).Msg("deferring barrier arrival")
		b.fabric.DeferArrival(handle, delta, waitOn, reduceValue)
		return
	}

	if !b.isOwner() {
		b.fabric.Send(b.owner, &wire.Envelope{BarrierAdjust: &wire.BarrierAdjust{
			Barrier: types.Barrier{ID: b.id, Gen: barrierGen, Timestamp: ts},
			Delta:   delta, ReduceValue: reduceValue,
		}})
		return
	}

	var triggerGen types.Generation
	var localNotifications []event.Waiter
	var remotes []remoteNotification
	var oldestPrevious types.Generation
	var valuesCopy []byte

	b.mu.Lock()
	gen := types.Generation(b.generation.Load())
	if gen >= b.freeGeneration {
		b.mu.Unlock()
		panic(fmt.Sprintf("barrier %s: arrival past the final generation", b.id))
	}
	if b.baseArrivalCount == 0 {
		b.mu.Unlock()
		panic(fmt.Sprintf("barrier %s: arrival before setup", b.id))
	}
	if barrierGen <= gen {
		b.mu.Unlock()
		panic(fmt.Sprintf("barrier %s: adjustment to triggered generation %d (at %d)", b.id, barrierGen, gen))
	}

	b.state(barrierGen).handleAdjustment(ts, delta)

	// an adjustment to the next generation may satisfy it, and satisfying it
	// may expose further fully-satisfied generations behind it
	if barrierGen == gen+1 {
		for {
			st, ok := b.generations[gen+1]
			if !ok || int64(b.baseArrivalCount)+st.unguardedDelta != 0 {
				break
			}
			localNotifications = append(localNotifications, st.localWaiters...)
			delete(b.generations, gen+1)
			gen++
			triggerGen = gen
		}

		if triggerGen != 0 {
			b.generation.Store(uint32(gen))

			for node, subGen := range b.remoteSubscribeGens {
				rn := remoteNotification{node: node}
				if subGen <= gen {
					rn.triggerGen = subGen
					delete(b.remoteSubscribeGens, node)
				} else {
					rn.triggerGen = gen
				}
				if prev, ok := b.remoteTriggerGens[node]; ok {
					rn.previousGen = prev
				} else {
					rn.previousGen = b.firstGeneration
				}
				b.remoteTriggerGens[node] = rn.triggerGen
				if len(remotes) == 0 || rn.previousGen < oldestPrevious {
					oldestPrevious = rn.previousGen
				}
				remotes = append(remotes, rn)
			}
		}
	}

	// reduction values apply even when the adjustment itself is being held
	if len(reduceValue) > 0 {
		if b.redop == nil {
			b.mu.Unlock()
			panic(fmt.Sprintf("barrier %s: reduction value without a reduction op", b.id))
		}
		if len(reduceValue) != b.redop.SizeofRHS() {
			b.mu.Unlock()
			panic(fmt.Sprintf("barrier %s: reduction value is %d bytes, op wants %d",
				b.id, len(reduceValue), b.redop.SizeofRHS()))
		}
		relGen := int(barrierGen - b.firstGeneration)
		b.growValues(relGen, true)
		sz := b.redop.SizeofLHS()
		b.redop.Apply(b.finalValues[(relGen-1)*sz:relGen*sz], reduceValue)
	}

	if triggerGen != 0 && b.redop != nil && len(remotes) > 0 {
		sz := b.redop.SizeofLHS()
		relGen := int(oldestPrevious + 1 - b.firstGeneration)
		count := int(triggerGen - oldestPrevious)
		b.growValues(relGen-1+count, true)
		valuesCopy = append([]byte(nil), b.finalValues[(relGen-1)*sz:(relGen-1+count)*sz]...)
	}
	b.mu.Unlock()

	if triggerGen == 0 {
		return
	}

	logger.Info().Str("barrier", types.Barrier{ID: b.id, Gen: triggerGen}.String()).Msg("barrier trigger")
	fireLocal(localNotifications, types.Event{ID: b.id, Gen: triggerGen})

	for _, rn := range remotes {
		var data []byte
		if valuesCopy != nil {
			sz := b.redop.SizeofLHS()
			off := int(rn.previousGen-oldestPrevious) * sz
			data = valuesCopy[off : off+int(rn.triggerGen-rn.previousGen)*sz]
		}
		b.fabric.Send(rn.node, &wire.Envelope{BarrierTrigger: &wire.BarrierTrigger{
			BarrierID:       b.id,
			TriggerGen:      rn.triggerGen,
			PreviousGen:     rn.previousGen,
			FirstGeneration: b.firstGeneration,
			RedopID:         b.redopID,
			Values:          data,
		}})
	}
}

// state finds or creates the tracker for one generation. Caller holds mu.
func (b *Impl) state(gen types.Generation) *generationState {
	if st, ok := b.generations[gen]; ok {
		return st
	}
	st := &generationState{}
	b.generations[gen] = st
	return st
}

// growValues extends the reduction-result array to cover slots generations,
// seeding fresh slots with the initial value when seed is set. Caller holds
// mu and has checked redop != nil.
func (b *Impl) growValues(slots int, seed bool) {
	if slots <= b.valueCapacity {
		return
	}
	sz := b.redop.SizeofLHS()
	grown := make([]byte, slots*sz)
	copy(grown, b.finalValues)
	if seed {
		for i := b.valueCapacity; i < slots; i++ {
			copy(grown[i*sz:(i+1)*sz], b.initialValue)
		}
	}
	b.finalValues = grown
	b.valueCapacity = slots
}

// HasTriggered answers the phase query, subscribing a non-owner to the
// generation as a side effect so the eventual answer arrives.
func (b *Impl) HasTriggered(genNeeded types.Generation) (bool, bool) {
	if genNeeded <= types.Generation(b.generation.Load()) {
		return true, triggerPoisoned
	}

	if !b.isOwner() {
		b.mu.Lock()
		previous := b.genSubscribed
		if b.genSubscribed < genNeeded {
			b.genSubscribed = genNeeded
		}
		b.mu.Unlock()

		if previous < genNeeded {
			subscribeLogger := log.WithComponent("barrier")
			subscribeLogger.Info().Str("id", b.id.String()).
				Uint32("gen", uint32(genNeeded)).Msg("subscribing to barrier")
			b.fabric.Send(b.owner, &wire.Envelope{BarrierSubscribe: &wire.BarrierSubscribe{
				BarrierID:    b.id,
				SubscribeGen: genNeeded,
			}})
		}
	}

	return false, false
}

// AddWaiter registers a waiter for one phase. Callers query HasTriggered
// first, which handles the subscription.
func (b *Impl) AddWaiter(genNeeded types.Generation, w event.Waiter) bool {
	triggerNow := false

	b.mu.Lock()
	if genNeeded > types.Generation(b.generation.Load()) {
		st := b.state(genNeeded)
		st.localWaiters = append(st.localWaiters, w)
		if !b.isOwner() && b.genSubscribed < genNeeded {
			panic(fmt.Sprintf("barrier %s: waiter for %d registered without a subscription", b.id, genNeeded))
		}
	} else {
		triggerNow = true
	}
	b.mu.Unlock()

	if triggerNow {
		_ = w.EventTriggered(types.Event{ID: b.id, Gen: genNeeded}, triggerPoisoned)
	}
	return true
}

// HandleSubscribe processes a subscription on the owner, immediately
// notifying the subscriber of any generations it missed.
func (b *Impl) HandleSubscribe(node types.NodeID, subscribeGen types.Generation) {
	var triggerGen, previousGen types.Generation
	var valuesCopy []byte

	b.mu.Lock()
	if subscribeGen <= b.firstGeneration {
		b.mu.Unlock()
		panic(fmt.Sprintf("barrier %s: subscription for retired generation %d", b.id, subscribeGen))
	}

	gen := types.Generation(b.generation.Load())
	alreadySubscribed := false
	if cur, ok := b.remoteSubscribeGens[node]; ok {
		if cur <= gen {
			panic(fmt.Sprintf("barrier %s: stale subscription retained for node %d", b.id, node))
		}
		if cur >= subscribeGen {
			alreadySubscribed = true
		} else {
			b.remoteSubscribeGens[node] = subscribeGen
		}
	} else if subscribeGen > gen {
		// subscriptions are only held for untriggered generations
		b.remoteSubscribeGens[node] = subscribeGen
	}

	if !alreadySubscribed && gen > b.firstGeneration {
		if prev, ok := b.remoteTriggerGens[node]; !ok || prev < gen {
			if ok {
				previousGen = prev
			} else {
				previousGen = b.firstGeneration
			}
			triggerGen = gen
			b.remoteTriggerGens[node] = gen

			if b.redop != nil {
				sz := b.redop.SizeofLHS()
				relGen := int(previousGen + 1 - b.firstGeneration)
				b.growValues(relGen-1+int(triggerGen-previousGen), true)
				valuesCopy = append([]byte(nil),
					b.finalValues[(relGen-1)*sz:(relGen-1+int(triggerGen-previousGen))*sz]...)
			}
		}
	}
	b.mu.Unlock()

	if triggerGen > 0 {
		triggerLogger := log.WithComponent("barrier")
		triggerLogger.Info().Str("id", b.id.String()).
			Uint32("previous", uint32(previousGen)).Uint32("trigger", uint32(triggerGen)).
			Uint16("node", uint16(node)).Msg("sending immediate barrier trigger")
		b.fabric.Send(node, &wire.Envelope{BarrierTrigger: &wire.BarrierTrigger{
			BarrierID:       b.id,
			TriggerGen:      triggerGen,
			PreviousGen:     previousGen,
			FirstGeneration: b.firstGeneration,
			RedopID:         b.redopID,
			Values:          valuesCopy,
		}})
	}
}

// HandleTrigger processes an owner notification on a subscriber. Trigger
// messages for distinct generation ranges may arrive in any order; a message
// whose range does not start at the local generation is held until its
// predecessors land.
func (b *Impl) HandleTrigger(msg *wire.BarrierTrigger) {
	logger := log.WithComponent("barrier")
	logger.Info().Str("id", b.id.String()).Uint32("previous", uint32(msg.PreviousGen)).
		Uint32("trigger", uint32(msg.TriggerGen)).Msg("received remote barrier trigger")

	var localNotifications []event.Waiter
	triggerGen := msg.TriggerGen

	b.mu.Lock()
	if msg.PreviousGen == types.Generation(b.generation.Load()) {
		// absorb held triggers that chain onto this range
		for {
			next, ok := b.heldTriggers[triggerGen]
			if !ok {
				break
			}
			logger.Info().Str("id", b.id.String()).Uint32("through", uint32(next)).
				Msg("collapsing future trigger")
			delete(b.heldTriggers, triggerGen)
			triggerGen = next
		}

		b.generation.Store(uint32(triggerGen))

		// drain trackers in generation order so waiters observe phases in order
		var drained []types.Generation
		for g := range b.generations {
			if g <= triggerGen {
				drained = append(drained, g)
			}
		}
		sort.Slice(drained, func(i, j int) bool { return drained[i] < drained[j] })
		for _, g := range drained {
			localNotifications = append(localNotifications, b.generations[g].localWaiters...)
			delete(b.generations, g)
		}
	} else {
		b.heldTriggers[msg.PreviousGen] = msg.TriggerGen
	}

	if len(msg.Values) > 0 {
		op := b.fabric.Reducer(msg.RedopID)
		if op == nil {
			b.mu.Unlock()
			panic(fmt.Sprintf("barrier %s: trigger carries unknown reduction op %d", b.id, msg.RedopID))
		}
		b.redopID = msg.RedopID
		b.redop = op
		b.firstGeneration = msg.FirstGeneration

		sz := op.SizeofLHS()
		if len(msg.Values) != sz*int(msg.TriggerGen-msg.PreviousGen) {
			b.mu.Unlock()
			panic(fmt.Sprintf("barrier %s: trigger values cover %d bytes, expected %d",
				b.id, len(msg.Values), sz*int(msg.TriggerGen-msg.PreviousGen)))
		}

		b.growValues(int(msg.TriggerGen-b.firstGeneration), false)
		// slots for (previousGen, triggerGen]
		start := int(msg.PreviousGen-b.firstGeneration) * sz
		copy(b.finalValues[start:start+len(msg.Values)], msg.Values)
	}
	b.mu.Unlock()

	fireLocal(localNotifications, types.Event{ID: b.id, Gen: triggerGen})
}

// GetResult copies the reduction result for a triggered generation into buf.
func (b *Impl) GetResult(resultGen types.Generation, buf []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if resultGen > types.Generation(b.generation.Load()) {
		return false
	}

	if b.redop == nil {
		panic(fmt.Sprintf("barrier %s: result requested without a reduction op", b.id))
	}
	sz := b.redop.SizeofLHS()
	if len(buf) != sz {
		panic(fmt.Sprintf("barrier %s: result buffer is %d bytes, op yields %d", b.id, len(buf), sz))
	}

	relGen := int(resultGen - b.firstGeneration)
	if relGen <= 0 || relGen > b.valueCapacity {
		panic(fmt.Sprintf("barrier %s: no result slot for generation %d", b.id, resultGen))
	}
	copy(buf, b.finalValues[(relGen-1)*sz:relGen*sz])
	return true
}

func fireLocal(waiters []event.Waiter, e types.Event) {
	for _, w := range waiters {
		_ = w.EventTriggered(e, triggerPoisoned)
	}
}
