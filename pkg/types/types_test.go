package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDPacking(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		node  NodeID
		index uint64
	}{
		{name: "event on node 0", kind: KindEvent, node: 0, index: 1},
		{name: "event on high node", kind: KindEvent, node: 65535, index: 42},
		{name: "barrier mid range", kind: KindBarrier, node: 7, index: 1 << 40},
		{name: "max index", kind: KindEvent, node: 3, index: (1 << 44) - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := MakeID(tt.kind, tt.node, tt.index)
			assert.Equal(t, tt.kind, id.Kind())
			assert.Equal(t, tt.node, id.Node())
			assert.Equal(t, tt.index, id.Index())
			assert.NotEqual(t, NoID, id)
		})
	}
}

func TestMakeIDRejectsReservedIndex(t *testing.T) {
	assert.Panics(t, func() { MakeID(KindEvent, 1, 0) })
	assert.Panics(t, func() { MakeID(KindEvent, 1, 1<<44) })
}

func TestNoEventAlwaysNull(t *testing.T) {
	assert.False(t, NoEvent.Exists())
	assert.False(t, UserEvent{}.Exists())
	assert.True(t, Event{ID: MakeID(KindEvent, 0, 1), Gen: 1}.Exists())
}

func TestBarrierPhaseMath(t *testing.T) {
	b := Barrier{ID: MakeID(KindBarrier, 2, 9), Gen: 3, Timestamp: 77}

	next := b.AdvanceBarrier()
	assert.Equal(t, b.ID, next.ID)
	assert.Equal(t, Generation(4), next.Gen)
	assert.Equal(t, Timestamp(0), next.Timestamp, "advancing resets the timestamp")

	prev := b.GetPreviousPhase()
	assert.Equal(t, Generation(2), prev.Gen)
}

func TestTimestampEncodesNode(t *testing.T) {
	ts := FirstTimestamp(12)
	assert.Equal(t, NodeID(12), ts.Node())
	assert.Equal(t, NodeID(12), (ts + 500).Node(), "counter increments stay within the node field")
}
