package barrier

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/reduction"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

type sentEnvelope struct {
	dst types.NodeID
	env *wire.Envelope
}

type fakeFabric struct {
	node      types.NodeID
	table     *reduction.Table
	triggered map[types.Event]bool

	mu       sync.Mutex
	sent     []sentEnvelope
	deferred []types.Barrier
}

func newFakeFabric(node types.NodeID) *fakeFabric {
	return &fakeFabric{node: node, table: reduction.NewTable(), triggered: make(map[types.Event]bool)}
}

func (f *fakeFabric) LocalNode() types.NodeID { return f.node }

func (f *fakeFabric) Send(dst types.NodeID, env *wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEnvelope{dst: dst, env: env})
}

func (f *fakeFabric) Reducer(id types.ReductionOpID) reduction.Op { return f.table.Get(id) }

func (f *fakeFabric) EventHasTriggered(e types.Event) bool {
	if !e.Exists() {
		return true
	}
	return f.triggered[e]
}

func (f *fakeFabric) DeferArrival(b types.Barrier, delta int32, waitOn types.Event, reduceValue []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deferred = append(f.deferred, b)
}

func (f *fakeFabric) takeSent() []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

type recordingWaiter struct {
	fired    bool
	event    types.Event
	poisoned bool
}

func (w *recordingWaiter) EventTriggered(e types.Event, poisoned bool) bool {
	if w.fired {
		panic("waiter notified twice")
	}
	w.fired = true
	w.event = e
	w.poisoned = poisoned
	return true
}

func newOwnerBarrier(t *testing.T, f *fakeFabric, expected uint32, redopID types.ReductionOpID, initial []byte) *Impl {
	t.Helper()
	b := New(types.MakeID(types.KindBarrier, f.node, 1), f.node, f)
	require.NoError(t, b.Setup(expected, redopID, initial))
	return b
}

func TestArrivalsTriggerGeneration(t *testing.T) {
	f := newFakeFabric(0)
	b := newOwnerBarrier(t, f, 3, 0, nil)

	w := &recordingWaiter{}
	b.AddWaiter(1, w)

	b.AdjustArrival(1, -1, 0, types.NoEvent, nil)
	b.AdjustArrival(1, -1, 0, types.NoEvent, nil)
	trig, _ := b.HasTriggered(1)
	assert.False(t, trig)
	assert.False(t, w.fired)

	b.AdjustArrival(1, -1, 0, types.NoEvent, nil)
	trig, _ = b.HasTriggered(1)
	assert.True(t, trig)
	require.True(t, w.fired)
	assert.Equal(t, types.Generation(1), w.event.Gen)

	trig, _ = b.HasTriggered(2)
	assert.False(t, trig)
}

func TestOutOfOrderGenerationsDrainContiguously(t *testing.T) {
	f := newFakeFabric(0)
	b := newOwnerBarrier(t, f, 1, 0, nil)

	// generation 2 fills before generation 1
	b.AdjustArrival(2, -1, 0, types.NoEvent, nil)
	trig, _ := b.HasTriggered(2)
	assert.False(t, trig, "generation 2 waits for generation 1")

	b.AdjustArrival(1, -1, 0, types.NoEvent, nil)
	trig, _ = b.HasTriggered(1)
	assert.True(t, trig)
	trig, _ = b.HasTriggered(2)
	assert.True(t, trig, "draining generation 1 exposes the satisfied generation 2")
}

func TestAlterArrivalCountOrdering(t *testing.T) {
	f := newFakeFabric(0)
	b := newOwnerBarrier(t, f, 1, 0, nil)

	// a decrement carrying a timestamp must not apply before the matching
	// increment from the same origin
	ts := types.FirstTimestamp(3)
	b.AdjustArrival(1, -1, ts, types.NoEvent, nil) // parked: increment not seen
	trig, _ := b.HasTriggered(1)
	assert.False(t, trig)

	b.AdjustArrival(1, -1, 0, types.NoEvent, nil) // the base arrival
	trig, _ = b.HasTriggered(1)
	assert.True(t, trig, "parked decrement stays parked; base count is satisfied")

	// next phase: increment releases the parked decrement
	b.AdjustArrival(2, -1, ts+1, types.NoEvent, nil)
	b.AdjustArrival(2, 1, ts+1, types.NoEvent, nil)
	trig, _ = b.HasTriggered(2)
	assert.False(t, trig, "increment and decrement cancel; base count still pending")

	b.AdjustArrival(2, -1, 0, types.NoEvent, nil)
	trig, _ = b.HasTriggered(2)
	assert.True(t, trig)
}

func TestReductionRoundTrip(t *testing.T) {
	f := newFakeFabric(0)
	b := newOwnerBarrier(t, f, 2, reduction.SumInt32ID, reduction.EncodeInt32(0))

	b.AdjustArrival(1, -1, 0, types.NoEvent, reduction.EncodeInt32(7))
	b.AdjustArrival(1, -1, 0, types.NoEvent, reduction.EncodeInt32(35))

	buf := make([]byte, 4)
	require.True(t, b.GetResult(1, buf))
	assert.Equal(t, int32(42), reduction.DecodeInt32(buf))

	assert.False(t, b.GetResult(2, buf), "untriggered generation has no result")
}

func TestDeferredArrivalForwardsToOwnerFromRemote(t *testing.T) {
	f := newFakeFabric(4)
	id := types.MakeID(types.KindBarrier, 0, 1)
	b := New(id, 0, f)

	waitOn := types.Event{ID: types.MakeID(types.KindEvent, 4, 1), Gen: 1}
	b.AdjustArrival(1, -1, 0, waitOn, nil)

	sent := f.takeSent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].env.BarrierAdjust)
	assert.Equal(t, types.NodeID(0), sent[0].dst)
	assert.Equal(t, waitOn, sent[0].env.BarrierAdjust.WaitOn, "deferral travels with the arrival")
	assert.Empty(t, f.deferred)
}

func TestDeferredArrivalParksLocallyOnOwner(t *testing.T) {
	f := newFakeFabric(0)
	b := newOwnerBarrier(t, f, 1, 0, nil)

	waitOn := types.Event{ID: types.MakeID(types.KindEvent, 0, 2), Gen: 1}
	b.AdjustArrival(1, -1, 0, waitOn, nil)

	assert.Len(t, f.deferred, 1)
	trig, _ := b.HasTriggered(1)
	assert.False(t, trig)
}

func TestRemoteHasTriggeredSubscribesOnce(t *testing.T) {
	f := newFakeFabric(2)
	b := New(types.MakeID(types.KindBarrier, 0, 1), 0, f)

	trig, _ := b.HasTriggered(1)
	assert.False(t, trig)
	sent := f.takeSent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].env.BarrierSubscribe)
	assert.Equal(t, types.Generation(1), sent[0].env.BarrierSubscribe.SubscribeGen)

	trig, _ = b.HasTriggered(1)
	assert.False(t, trig)
	assert.Empty(t, f.takeSent(), "second query rides the existing subscription")
}

func TestSubscribeBehindGetsImmediateTrigger(t *testing.T) {
	f := newFakeFabric(0)
	b := newOwnerBarrier(t, f, 1, reduction.SumInt32ID, reduction.EncodeInt32(0))

	b.AdjustArrival(1, -1, 0, types.NoEvent, reduction.EncodeInt32(11))
	f.takeSent()

	b.HandleSubscribe(5, 1)
	sent := f.takeSent()
	require.Len(t, sent, 1)
	msg := sent[0].env.BarrierTrigger
	require.NotNil(t, msg)
	assert.Equal(t, types.NodeID(5), sent[0].dst)
	assert.Equal(t, types.Generation(1), msg.TriggerGen)
	assert.Equal(t, types.Generation(0), msg.PreviousGen)
	assert.Equal(t, int32(11), reduction.DecodeInt32(msg.Values))
}

func TestSubscriberNotifiedOnTrigger(t *testing.T) {
	f := newFakeFabric(0)
	b := newOwnerBarrier(t, f, 1, 0, nil)

	b.HandleSubscribe(3, 1)
	assert.Empty(t, f.takeSent())

	b.AdjustArrival(1, -1, 0, types.NoEvent, nil)
	sent := f.takeSent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].env.BarrierTrigger)
	assert.Equal(t, types.NodeID(3), sent[0].dst)
	assert.Equal(t, types.Generation(1), sent[0].env.BarrierTrigger.TriggerGen)
}

func TestHeldTriggersRelinearize(t *testing.T) {
	f := newFakeFabric(1)
	b := New(types.MakeID(types.KindBarrier, 0, 1), 0, f)

	w2 := &recordingWaiter{}
	w3 := &recordingWaiter{}
	b.genSubscribed = 3
	b.AddWaiter(2, w2)
	b.AddWaiter(3, w3)

	// the (2 -> 3] range lands before (1 -> 2]
	b.HandleTrigger(&wire.BarrierTrigger{BarrierID: b.id, TriggerGen: 3, PreviousGen: 2})
	assert.False(t, w2.fired)
	assert.False(t, w3.fired)
	trig, _ := b.HasTriggered(2)
	assert.False(t, trig)

	// wait: local generation is 0, so (1 -> 2] is also out of order until (0 -> 1]
	b.HandleTrigger(&wire.BarrierTrigger{BarrierID: b.id, TriggerGen: 2, PreviousGen: 1})
	assert.False(t, w2.fired)

	b.HandleTrigger(&wire.BarrierTrigger{BarrierID: b.id, TriggerGen: 1, PreviousGen: 0})
	require.True(t, w2.fired)
	require.True(t, w3.fired)
	trig, _ = b.HasTriggered(3)
	assert.True(t, trig, "held ranges collapse once the gap fills")
}

func TestHandleTriggerStoresReductionValues(t *testing.T) {
	f := newFakeFabric(1)
	b := New(types.MakeID(types.KindBarrier, 0, 1), 0, f)

	values := append(reduction.EncodeInt32(5), reduction.EncodeInt32(9)...)
	b.HandleTrigger(&wire.BarrierTrigger{
		BarrierID:   b.id,
		TriggerGen:  2,
		PreviousGen: 0,
		RedopID:     reduction.SumInt32ID,
		Values:      values,
	})

	buf := make([]byte, 4)
	require.True(t, b.GetResult(1, buf))
	assert.Equal(t, int32(5), reduction.DecodeInt32(buf))
	require.True(t, b.GetResult(2, buf))
	assert.Equal(t, int32(9), reduction.DecodeInt32(buf))
}

func TestSetupValidation(t *testing.T) {
	f := newFakeFabric(0)

	b := New(types.MakeID(types.KindBarrier, 0, 2), 0, f)
	assert.Error(t, b.Setup(0, 0, nil), "zero arrivals")

	b = New(types.MakeID(types.KindBarrier, 0, 3), 0, f)
	assert.Error(t, b.Setup(1, 999, reduction.EncodeInt32(0)), "unknown op")

	b = New(types.MakeID(types.KindBarrier, 0, 4), 0, f)
	assert.Error(t, b.Setup(1, reduction.SumInt32ID, []byte{1}), "size mismatch")

	b = New(types.MakeID(types.KindBarrier, 0, 5), 0, f)
	assert.Error(t, b.Setup(1, 0, []byte{1}), "initial value without op")
}
