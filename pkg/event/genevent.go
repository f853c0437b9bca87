package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// PoisonedGenerationLimit bounds the per-event poisoned-generation list. An
// event id that accumulates this many poisoned generations is retired rather
// than recycled.
const PoisonedGenerationLimit = 16

// Fabric is what a GenEvent needs from its surrounding runtime: the local
// node identity, message egress, and free-list management.
type Fabric interface {
	LocalNode() types.NodeID
	Send(dst types.NodeID, env *wire.Envelope)
	Broadcast(dsts []types.NodeID, env *wire.Envelope)
	FreeEvent(ev *GenEvent)
	RetireEvent(ev *GenEvent)
}

// GenEvent is the per-node implementation of one event id across all of its
// generations. The node that allocated the id (the owner) holds authoritative
// state; other nodes hold a proxy fed by subscription updates and by triggers
// they initiated themselves.
type GenEvent struct {
	id     types.ID
	owner  types.NodeID
	fabric Fabric

	// generation is the highest generation known to have complete
	// information on this node. Stored only while holding mu, after the
	// poisoned-generation list; loaded without mu (acquire).
	generation atomic.Uint32

	// poisonedGens[:numPoisoned] lists poisoned generations in increasing
	// order. Entries are written before numPoisoned is raised, and
	// numPoisoned before generation, so any reader that observed a
	// generation sees the poison entries covering it.
	numPoisoned  atomic.Int32
	poisonedGens [PoisonedGenerationLimit]uint32

	hasLocalTriggers atomic.Bool

	mu                  sync.Mutex
	genSubscribed       types.Generation
	currentLocalWaiters []Waiter
	futureLocalWaiters  map[types.Generation][]Waiter
	localTriggers       map[types.Generation]bool
	remoteWaiters       map[types.NodeID]struct{}
}

// New creates the implementation object for an event id.
func New(id types.ID, owner types.NodeID, fabric Fabric) *GenEvent {
	return &GenEvent{id: id, owner: owner, fabric: fabric}
}

// ID returns the event id.
func (e *GenEvent) ID() types.ID { return e.id }

// Owner returns the owning node.
func (e *GenEvent) Owner() types.NodeID { return e.owner }

func (e *GenEvent) isOwner() bool { return e.fabric.LocalNode() == e.owner }

// CurrentEvent returns the handle for the next triggering of this id. Only
// meaningful on the owner, between allocation and trigger.
func (e *GenEvent) CurrentEvent() types.Event {
	return types.Event{ID: e.id, Gen: types.Generation(e.generation.Load()) + 1}
}

// isPoisoned scans the published poison list. Safe without mu after an
// acquire load of generation or numPoisoned.
func (e *GenEvent) isPoisoned(gen types.Generation) bool {
	n := e.numPoisoned.Load()
	for i := int32(0); i < n; i++ {
		if e.poisonedGens[i] == uint32(gen) {
			return true
		}
	}
	return false
}

func (e *GenEvent) snapshotPoisoned() []types.Generation {
	n := e.numPoisoned.Load()
	out := make([]types.Generation, n)
	for i := int32(0); i < n; i++ {
		out[i] = types.Generation(e.poisonedGens[i])
	}
	return out
}

// HasTriggered reports whether genNeeded has triggered from this node's
// perspective, and with what poison bit. The common path takes no lock.
func (e *GenEvent) HasTriggered(genNeeded types.Generation) (bool, bool) {
	if genNeeded <= types.Generation(e.generation.Load()) {
		if poisoned := e.isPoisoned(genNeeded); poisoned {
			return true, true
		}
		// A trigger this node initiated may be poisoned before the owner's
		// update lands in the official list.
		if !e.hasLocalTriggers.Load() {
			return true, false
		}
		e.mu.Lock()
		poisoned := e.localTriggers[genNeeded]
		e.mu.Unlock()
		return true, poisoned
	}

	if !e.hasLocalTriggers.Load() {
		return false, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	poisoned, ok := e.localTriggers[genNeeded]
	return ok, poisoned
}

// AddWaiter registers a waiter for genNeeded, firing it synchronously if the
// generation already triggered. Always returns true: the waiter is either
// enqueued or fired.
func (e *GenEvent) AddWaiter(genNeeded types.Generation, w Waiter) bool {
	triggerNow := false
	triggerPoisoned := false
	subscribe := false
	var previousSubscribeGen types.Generation

	e.mu.Lock()
	switch {
	case genNeeded <= types.Generation(e.generation.Load()):
		triggerNow = true
		triggerPoisoned = e.isPoisoned(genNeeded) || e.localTriggers[genNeeded]

	case e.hasLocalTrigger(genNeeded):
		// locally initiated trigger; we know the outcome before the owner does
		triggerNow = true
		triggerPoisoned = e.localTriggers[genNeeded]

	default:
		if genNeeded == types.Generation(e.generation.Load())+1 {
			e.currentLocalWaiters = append(e.currentLocalWaiters, w)
		} else {
			if e.isOwner() {
				panic(fmt.Sprintf("event %s: owner asked to wait for future generation %d", e.id, genNeeded))
			}
			if e.futureLocalWaiters == nil {
				e.futureLocalWaiters = make(map[types.Generation][]Waiter)
			}
			e.futureLocalWaiters[genNeeded] = append(e.futureLocalWaiters[genNeeded], w)
		}

		if !e.isOwner() && e.genSubscribed < genNeeded {
			previousSubscribeGen = e.genSubscribed
			e.genSubscribed = genNeeded
			subscribe = true
		}
	}
	e.mu.Unlock()

	if subscribe {
		e.fabric.Send(e.owner, &wire.Envelope{EventSubscribe: &wire.EventSubscribe{
			Event:                types.Event{ID: e.id, Gen: genNeeded},
			PreviousSubscribeGen: previousSubscribeGen,
		}})
	}

	if triggerNow {
		_ = w.EventTriggered(types.Event{ID: e.id, Gen: genNeeded}, triggerPoisoned)
	}
	return true
}

// hasLocalTrigger must be called with mu held; distinguishes "present with
// false poison" from "absent".
func (e *GenEvent) hasLocalTrigger(gen types.Generation) bool {
	_, ok := e.localTriggers[gen]
	return ok
}

// ExternalWait blocks the calling goroutine until genNeeded triggers,
// returning its poison bit. Usable from any thread, including ones outside
// the runtime's own workers.
func (e *GenEvent) ExternalWait(ctx context.Context, genNeeded types.Generation) (bool, error) {
	if triggered, poisoned := e.HasTriggered(genNeeded); triggered {
		return poisoned, nil
	}
	w := NewSignalWaiter()
	e.AddWaiter(genNeeded, w)
	select {
	case <-w.Done():
		return w.Poisoned(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Trigger fires one generation. On the owner this is the authoritative
// trigger; on any other node the owner is informed first and local state is
// updated opportunistically.
func (e *GenEvent) Trigger(genTriggered types.Generation, triggerNode types.NodeID, poisoned bool) {
	logger := log.WithComponent("event")
	logger.Debug().Str("event", types.Event{ID: e.id, Gen: genTriggered}.String()).
		Uint16("by", uint16(triggerNode)).Bool("poisoned", poisoned).Msg("event triggered")

	if e.isOwner() {
		e.triggerOwner(genTriggered, poisoned)
		return
	}
	e.triggerRemote(genTriggered, poisoned)
}

func (e *GenEvent) triggerOwner(genTriggered types.Generation, poisoned bool) {
	var toWake []Waiter
	var toUpdate []types.NodeID
	var poisonSnapshot []types.Generation
	freeEvent := false

	e.mu.Lock()
	if genTriggered != types.Generation(e.generation.Load())+1 {
		e.mu.Unlock()
		panic(fmt.Sprintf("event %s: owner trigger of generation %d while at %d",
			e.id, genTriggered, e.generation.Load()))
	}

	toWake = e.currentLocalWaiters
	e.currentLocalWaiters = nil
	if len(e.futureLocalWaiters) != 0 {
		panic(fmt.Sprintf("event %s: owner has future waiters", e.id))
	}

	for node := range e.remoteWaiters {
		toUpdate = append(toUpdate, node)
	}
	e.remoteWaiters = nil

	if poisoned {
		n := e.numPoisoned.Load()
		if n >= PoisonedGenerationLimit {
			e.mu.Unlock()
			panic(fmt.Sprintf("event %s: poisoned-generation budget exceeded", e.id))
		}
		e.poisonedGens[n] = uint32(genTriggered)
		e.numPoisoned.Store(n + 1)
	}

	// publish the generation after the poison list
	e.generation.Store(uint32(genTriggered))

	freeEvent = e.numPoisoned.Load() < PoisonedGenerationLimit
	poisonSnapshot = e.snapshotPoisoned()
	e.mu.Unlock()

	if len(toUpdate) > 0 {
		e.fabric.Broadcast(toUpdate, &wire.Envelope{EventUpdate: &wire.EventUpdate{
			Event:               types.Event{ID: e.id, Gen: genTriggered},
			PoisonedGenerations: poisonSnapshot,
		}})
	}

	if freeEvent {
		e.fabric.FreeEvent(e)
	} else {
		log.WithComponent("poison").Warn().Str("id", e.id.String()).
			Msg("event id retired: poisoned-generation budget exhausted")
		e.fabric.RetireEvent(e)
	}

	fireWaiters(toWake, types.Event{ID: e.id, Gen: genTriggered}, poisoned)
}

func (e *GenEvent) triggerRemote(genTriggered types.Generation, poisoned bool) {
	// tell the owner first; the per-pair FIFO keeps this ahead of any
	// subscription we may issue below
	e.fabric.Send(e.owner, &wire.Envelope{EventTrigger: &wire.EventTrigger{
		Event:    types.Event{ID: e.id, Gen: genTriggered},
		Poisoned: poisoned,
	}})

	var toWake []Waiter
	subscribe := false
	var previousSubscribeGen types.Generation

	e.mu.Lock()
	gen := types.Generation(e.generation.Load())
	switch {
	case genTriggered == gen+1:
		// complete information: advance directly
		toWake = e.currentLocalWaiters
		e.currentLocalWaiters = nil
		if next, ok := e.futureLocalWaiters[genTriggered+1]; ok {
			e.currentLocalWaiters = next
			delete(e.futureLocalWaiters, genTriggered+1)
		}
		if poisoned {
			e.setLocalTrigger(genTriggered, true)
		}
		e.generation.Store(uint32(genTriggered))

	case genTriggered > gen+1:
		// intermediate generations have unknown poison; leave generation
		// alone and record what we know
		toWake = e.futureLocalWaiters[genTriggered]
		delete(e.futureLocalWaiters, genTriggered)
		e.setLocalTrigger(genTriggered, poisoned)

		if e.genSubscribed < genTriggered {
			previousSubscribeGen = e.genSubscribed
			e.genSubscribed = genTriggered
			subscribe = true
		}

	default:
		e.mu.Unlock()
		panic(fmt.Sprintf("event %s: remote trigger of stale generation %d (at %d)",
			e.id, genTriggered, gen))
	}
	e.mu.Unlock()

	if subscribe {
		e.fabric.Send(e.owner, &wire.Envelope{EventSubscribe: &wire.EventSubscribe{
			Event:                types.Event{ID: e.id, Gen: genTriggered},
			PreviousSubscribeGen: previousSubscribeGen,
		}})
	}

	fireWaiters(toWake, types.Event{ID: e.id, Gen: genTriggered}, poisoned)
}

func (e *GenEvent) setLocalTrigger(gen types.Generation, poisoned bool) {
	if e.localTriggers == nil {
		e.localTriggers = make(map[types.Generation]bool)
	}
	e.localTriggers[gen] = poisoned
	e.hasLocalTriggers.Store(true)
}

// ProcessUpdate applies an owner update on a non-owner: the poisoned list is
// complete through currentGen, so local state catches up and every waiter at
// or below currentGen fires.
func (e *GenEvent) ProcessUpdate(currentGen types.Generation, newPoisoned []types.Generation) {
	if e.isOwner() {
		panic(fmt.Sprintf("event %s: owner received an update", e.id))
	}

	toWake := make(map[types.Generation][]Waiter)

	e.mu.Lock()
	n := e.numPoisoned.Load()
	if len(newPoisoned) > 0 {
		if int(n) > len(newPoisoned) {
			panic(fmt.Sprintf("event %s: poison list shrank (%d -> %d)", e.id, n, len(newPoisoned)))
		}
		for i := int32(0); i < n; i++ {
			if e.poisonedGens[i] != uint32(newPoisoned[i]) {
				panic(fmt.Sprintf("event %s: poison list prefix mismatch at %d", e.id, i))
			}
		}
	} else if n != 0 {
		panic(fmt.Sprintf("event %s: update lost poisoned generations", e.id))
	}

	// stale if we triggered this generation ourselves
	if currentGen <= types.Generation(e.generation.Load()) {
		e.mu.Unlock()
		return
	}

	if len(newPoisoned) > int(n) {
		if len(newPoisoned) > PoisonedGenerationLimit {
			panic(fmt.Sprintf("event %s: poison list overflow (%d)", e.id, len(newPoisoned)))
		}
		for i, g := range newPoisoned {
			e.poisonedGens[i] = uint32(g)
		}
		e.numPoisoned.Store(int32(len(newPoisoned)))
	}

	if len(e.currentLocalWaiters) > 0 {
		toWake[types.Generation(e.generation.Load())+1] = e.currentLocalWaiters
		e.currentLocalWaiters = nil
	}
	for g, ws := range e.futureLocalWaiters {
		if g <= currentGen {
			toWake[g] = ws
			delete(e.futureLocalWaiters, g)
		}
	}
	if next, ok := e.futureLocalWaiters[currentGen+1]; ok {
		e.currentLocalWaiters = next
		delete(e.futureLocalWaiters, currentGen+1)
	}

	for g, poisoned := range e.localTriggers {
		if g <= currentGen {
			if poisoned != e.poisonContains(newPoisoned, g) {
				panic(fmt.Sprintf("event %s: local trigger of %d disagrees with owner poison list", e.id, g))
			}
			delete(e.localTriggers, g)
		}
	}
	e.hasLocalTriggers.Store(len(e.localTriggers) > 0)

	// publish last
	e.generation.Store(uint32(currentGen))
	e.mu.Unlock()

	gens := make([]types.Generation, 0, len(toWake))
	for g := range toWake {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	for _, g := range gens {
		fireWaiters(toWake[g], types.Event{ID: e.id, Gen: g}, e.isPoisoned(g))
	}
}

func (e *GenEvent) poisonContains(list []types.Generation, g types.Generation) bool {
	for _, p := range list {
		if p == g {
			return true
		}
	}
	return false
}

// HandleSubscribe processes a subscription on the owner. If the subscriber is
// behind, it gets an immediate update; if it asks for the generation in
// flight, it joins the broadcast set. Subscriptions past that are a protocol
// violation: the owner always has complete information.
func (e *GenEvent) HandleSubscribe(node types.NodeID, subGen, previousGen types.Generation) {
	var triggerGen types.Generation

	// lock-free early-out when the subscribed generation is old news
	if stale := types.Generation(e.generation.Load()); stale >= subGen {
		triggerGen = stale
	} else {
		e.mu.Lock()
		gen := types.Generation(e.generation.Load())
		if gen > previousGen {
			triggerGen = gen
		}
		switch {
		case subGen == gen+1:
			if e.remoteWaiters == nil {
				e.remoteWaiters = make(map[types.NodeID]struct{})
			}
			e.remoteWaiters[node] = struct{}{}
		case subGen > gen+1:
			e.mu.Unlock()
			panic(fmt.Sprintf("event %s: node %d subscribed past the owner (gen %d > %d)",
				e.id, node, subGen, gen+1))
		}
		e.mu.Unlock()
	}

	if triggerGen > 0 {
		e.fabric.Send(node, &wire.Envelope{EventUpdate: &wire.EventUpdate{
			Event:               types.Event{ID: e.id, Gen: triggerGen},
			PoisonedGenerations: e.snapshotPoisoned(),
		}})
	}
}
