package trace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

func TestJournalReplaysInOrder(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	defer j.Close()

	ev := types.Event{ID: types.MakeID(types.KindEvent, 0, 1), Gen: 1}
	require.NoError(t, j.Record(Sent, 1, &wire.Envelope{
		EventSubscribe: &wire.EventSubscribe{Event: ev},
	}))
	require.NoError(t, j.Record(Received, 1, &wire.Envelope{
		EventUpdate: &wire.EventUpdate{Event: ev, PoisonedGenerations: []types.Generation{1}},
	}))

	var entries []Entry
	require.NoError(t, j.Each(func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))

	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, Sent, entries[0].Direction)
	assert.Equal(t, types.NodeID(1), entries[0].Peer)
	assert.Equal(t, "event_subscribe", entries[0].Envelope.Kind())

	assert.Equal(t, uint64(2), entries[1].Seq)
	assert.Equal(t, Received, entries[1].Direction)
	assert.Equal(t, []types.Generation{1}, entries[1].Envelope.EventUpdate.PoisonedGenerations)
}

func TestJournalStampsSession(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	defer j.Close()
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", j.Session().String())
}
