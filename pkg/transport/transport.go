package transport

import (
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// PayloadMode tells the transport who owns an envelope's payload buffers.
type PayloadMode int

const (
	// PayloadCopy: the transport copies the envelope before Send returns; the
	// caller may reuse its buffers immediately.
	PayloadCopy PayloadMode = iota
	// PayloadKeep: the caller guarantees the envelope and its buffers stay
	// live and unmodified until delivery.
	PayloadKeep
)

// Handler receives every envelope delivered to the local node. It runs on a
// transport goroutine and may send further messages, but must not block
// indefinitely.
type Handler func(env *wire.Envelope)

// Transport moves envelopes between nodes. Delivery is best-effort reliable,
// unordered across destinations, FIFO per (src, dst) pair. Send stamps the
// envelope's From field with the local node.
type Transport interface {
	LocalNode() types.NodeID
	SetHandler(h Handler)
	Send(dst types.NodeID, env *wire.Envelope, mode PayloadMode) error
	Broadcast(dsts []types.NodeID, env *wire.Envelope, mode PayloadMode) error
	Close() error
}
