package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/reduction"
	"github.com/loomworks/loom/pkg/transport"
	"github.com/loomworks/loom/pkg/types"
)

const eventually = 3 * time.Second

// newCluster stands up n runtimes over one in-process fabric.
func newCluster(t *testing.T, n int) []*Runtime {
	t.Helper()
	fabric := transport.NewFabric()
	rts := make([]*Runtime, n)
	for i := range rts {
		rts[i] = New(Config{Transport: fabric.Node(types.NodeID(i))})
	}
	return rts
}

func TestMergeTwoEvents(t *testing.T) {
	rt := newCluster(t, 1)[0]

	e1 := rt.CreateUserEvent()
	e2 := rt.CreateUserEvent()
	m := rt.MergeEvents(e1.Event, e2.Event)

	assert.False(t, rt.HasTriggered(m))

	rt.TriggerUserEvent(e1, types.NoEvent)
	assert.False(t, rt.HasTriggered(m))

	rt.TriggerUserEvent(e2, types.NoEvent)
	triggered, poisoned := rt.HasTriggeredFaultAware(m)
	assert.True(t, triggered)
	assert.False(t, poisoned)
}

func TestMergeEagerPoison(t *testing.T) {
	rt := newCluster(t, 1)[0]

	e1 := rt.CreateUserEvent()
	e2 := rt.CreateUserEvent()
	m := rt.MergeEvents(e1.Event, e2.Event)

	rt.CancelUserEvent(e1)
	triggered, poisoned := rt.HasTriggeredFaultAware(m)
	assert.True(t, triggered, "poison propagates before the second input")
	assert.True(t, poisoned)

	// the late input must not re-trigger the merged event
	rt.TriggerUserEvent(e2, types.NoEvent)
	triggered, poisoned = rt.HasTriggeredFaultAware(m)
	assert.True(t, triggered)
	assert.True(t, poisoned)
}

func TestMergeIgnoreFaults(t *testing.T) {
	rt := newCluster(t, 1)[0]

	e1 := rt.CreateUserEvent()
	e2 := rt.CreateUserEvent()
	m := rt.MergeEventsIgnoreFaults(e1.Event, e2.Event)

	rt.CancelUserEvent(e1)
	triggered, _ := rt.HasTriggeredFaultAware(m)
	assert.False(t, triggered, "ignore-faults merge still waits for all inputs")

	rt.TriggerUserEvent(e2, types.NoEvent)
	triggered, poisoned := rt.HasTriggeredFaultAware(m)
	assert.True(t, triggered)
	assert.False(t, poisoned, "absorbed poison does not surface")
}

func TestMergeOptimizations(t *testing.T) {
	rt := newCluster(t, 1)[0]

	assert.Equal(t, types.NoEvent, rt.MergeEvents(), "empty merge")

	e1 := rt.CreateUserEvent()
	assert.Equal(t, e1.Event, rt.MergeEvents(e1.Event), "single pending input passes through")
	assert.Equal(t, e1.Event, rt.MergeEvents(e1.Event, e1.Event), "duplicates count once")

	done := rt.CreateUserEvent()
	rt.TriggerUserEvent(done, types.NoEvent)
	assert.Equal(t, types.NoEvent, rt.MergeEvents(done.Event), "all-triggered merge needs no event")

	// a poisoned already-triggered input is returned unmodified
	bad := rt.CreateUserEvent()
	rt.CancelUserEvent(bad)
	assert.Equal(t, bad.Event, rt.MergeEvents(bad.Event, e1.Event))

	// masking poison requires a fresh event even for one pending input
	masked := rt.MergeEventsIgnoreFaults(e1.Event)
	assert.NotEqual(t, e1.Event, masked)
}

func TestDeferredUserEventTrigger(t *testing.T) {
	rt := newCluster(t, 1)[0]

	e1 := rt.CreateUserEvent()
	u := rt.CreateUserEvent()

	rt.TriggerUserEvent(u, e1.Event)
	assert.False(t, rt.HasTriggered(u.Event))

	rt.TriggerUserEvent(e1, types.NoEvent)
	assert.True(t, rt.HasTriggered(u.Event))
}

func TestDeferredTriggerPropagatesPoison(t *testing.T) {
	rt := newCluster(t, 1)[0]

	e1 := rt.CreateUserEvent()
	u := rt.CreateUserEvent()
	rt.TriggerUserEvent(u, e1.Event)

	rt.CancelUserEvent(e1)
	triggered, poisoned := rt.HasTriggeredFaultAware(u.Event)
	assert.True(t, triggered)
	assert.True(t, poisoned)
}

func TestCrossNodeEventWaitAndPoison(t *testing.T) {
	rts := newCluster(t, 2)

	u := rts[0].CreateUserEvent()

	triggered, _ := rts[1].HasTriggeredFaultAware(u.Event)
	assert.False(t, triggered)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	waitDone := make(chan bool, 1)
	go func() {
		poisoned, err := rts[1].WaitFaultAware(ctx, u.Event)
		require.NoError(t, err)
		waitDone <- poisoned
	}()

	time.Sleep(10 * time.Millisecond)
	rts[0].CancelUserEvent(u)

	select {
	case poisoned := <-waitDone:
		assert.True(t, poisoned, "poison crosses nodes with the update")
	case <-ctx.Done():
		t.Fatal("remote waiter never woke")
	}
}

func TestRemoteTriggerReachesOwner(t *testing.T) {
	rts := newCluster(t, 2)

	u := rts[0].CreateUserEvent()

	// node 1 performs the trigger; the owner hears about it via the wire
	rts[1].TriggerUserEvent(u, types.NoEvent)

	assert.True(t, rts[1].HasTriggered(u.Event), "triggering node knows immediately")
	require.Eventually(t, func() bool {
		return rts[0].HasTriggered(u.Event)
	}, eventually, time.Millisecond)
}

func TestExternalWait(t *testing.T) {
	rt := newCluster(t, 1)[0]
	u := rt.CreateUserEvent()

	go func() {
		time.Sleep(10 * time.Millisecond)
		rt.TriggerUserEvent(u, types.NoEvent)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	poisoned, err := rt.ExternalWait(ctx, u.Event)
	require.NoError(t, err)
	assert.False(t, poisoned)
}

func TestEventIDReuseAdvancesGeneration(t *testing.T) {
	rt := newCluster(t, 1)[0]

	u1 := rt.CreateUserEvent()
	rt.TriggerUserEvent(u1, types.NoEvent)

	u2 := rt.CreateUserEvent()
	assert.Equal(t, u1.ID, u2.ID, "freed id comes back from the pool")
	assert.Equal(t, u1.Gen+1, u2.Gen, "at the next generation")

	assert.True(t, rt.HasTriggered(u1.Event))
	assert.False(t, rt.HasTriggered(u2.Event))
}

func TestBarrierThreeArrivals(t *testing.T) {
	rts := newCluster(t, 3)

	b, err := rts[0].CreateBarrier(3, 0, nil)
	require.NoError(t, err)

	for _, rt := range rts {
		rt.Arrive(b, 1, types.NoEvent, nil)
	}

	for i, rt := range rts {
		rt := rt
		require.Eventually(t, func() bool {
			return rt.BarrierHasTriggered(b)
		}, eventually, time.Millisecond, "node %d", i)
	}

	next := b.AdvanceBarrier()
	for _, rt := range rts {
		assert.False(t, rt.BarrierHasTriggered(next))
	}
}

func TestBarrierReduction(t *testing.T) {
	rts := newCluster(t, 2)

	b, err := rts[0].CreateBarrier(2, reduction.SumInt32ID, reduction.EncodeInt32(0))
	require.NoError(t, err)

	rts[0].Arrive(b, 1, types.NoEvent, reduction.EncodeInt32(7))
	rts[1].Arrive(b, 1, types.NoEvent, reduction.EncodeInt32(35))

	for i, rt := range rts {
		rt := rt
		buf := make([]byte, 4)
		require.Eventually(t, func() bool {
			return rt.BarrierHasTriggered(b) && rt.GetResult(b, buf)
		}, eventually, time.Millisecond, "node %d", i)
		assert.Equal(t, int32(42), reduction.DecodeInt32(buf), "node %d", i)
	}
}

func TestBarrierMultiPhase(t *testing.T) {
	rts := newCluster(t, 2)

	b, err := rts[0].CreateBarrier(2, 0, nil)
	require.NoError(t, err)

	phase := b
	for i := 0; i < 3; i++ {
		rts[0].Arrive(phase, 1, types.NoEvent, nil)
		rts[1].Arrive(phase, 1, types.NoEvent, nil)
		for _, rt := range rts {
			rt := rt
			p := phase
			require.Eventually(t, func() bool {
				return rt.BarrierHasTriggered(p)
			}, eventually, time.Millisecond)
		}
		phase = phase.AdvanceBarrier()
	}
}

func TestBarrierAlterArrivalCount(t *testing.T) {
	rt := newCluster(t, 1)[0]

	b, err := rt.CreateBarrier(1, 0, nil)
	require.NoError(t, err)

	// one extra participant announces itself
	h := rt.AlterArrivalCount(b, 1)
	assert.NotZero(t, h.Timestamp, "handle carries the adjustment timestamp")

	rt.Arrive(b, 1, types.NoEvent, nil)
	assert.False(t, rt.BarrierHasTriggered(b), "raised count holds the phase open")

	rt.Arrive(h, 1, types.NoEvent, nil)
	assert.True(t, rt.BarrierHasTriggered(b))
}

func TestBarrierDeferredArrivalAcrossNodes(t *testing.T) {
	rts := newCluster(t, 2)

	b, err := rts[0].CreateBarrier(2, 0, nil)
	require.NoError(t, err)

	gate := rts[1].CreateUserEvent()

	rts[0].Arrive(b, 1, types.NoEvent, nil)
	rts[1].Arrive(b, 1, gate.Event, nil) // forwarded to the owner, parked there

	time.Sleep(20 * time.Millisecond)
	assert.False(t, rts[0].BarrierHasTriggered(b), "gated arrival has not landed")

	rts[1].TriggerUserEvent(gate, types.NoEvent)
	require.Eventually(t, func() bool {
		return rts[0].BarrierHasTriggered(b)
	}, eventually, time.Millisecond)
	require.Eventually(t, func() bool {
		return rts[1].BarrierHasTriggered(b)
	}, eventually, time.Millisecond)
}

func TestWaitBarrier(t *testing.T) {
	rts := newCluster(t, 2)

	b, err := rts[0].CreateBarrier(2, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- rts[1].WaitBarrier(ctx, b)
	}()

	time.Sleep(10 * time.Millisecond)
	rts[0].Arrive(b, 1, types.NoEvent, nil)
	rts[1].Arrive(b, 1, types.NoEvent, nil)

	require.NoError(t, <-done)
}

func TestFaultUnawareQueryOnPoisonIsFatal(t *testing.T) {
	rt := newCluster(t, 1)[0]

	u := rt.CreateUserEvent()
	rt.CancelUserEvent(u)

	assert.Panics(t, func() { rt.HasTriggered(u.Event) })
}
