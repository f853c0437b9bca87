package types

import "fmt"

// Kind tags the class of object an ID refers to.
type Kind uint8

const (
	KindNone    Kind = 0
	KindEvent   Kind = 1
	KindBarrier Kind = 2
)

// NodeID identifies a node in the mesh.
type NodeID uint16

// Generation counts successive triggerings of the same ID. Generation 0 means
// "not yet triggered"; the first triggering of an ID is generation 1. A
// handle at generation 0 names no triggering, and queries report it as
// already triggered.
type Generation uint32

// Timestamp orders barrier arrival-count adjustments across nodes. The top
// bits carry the originating node so per-node ordering can be reconstructed
// on the owner.
type Timestamp uint64

// TimestampNodeShift is the bit position of the node id inside a Timestamp.
const TimestampNodeShift = 48

// Node extracts the originating node from a timestamp.
func (ts Timestamp) Node() NodeID {
	return NodeID(ts >> TimestampNodeShift)
}

// FirstTimestamp is the first timestamp a node may hand out.
func FirstTimestamp(node NodeID) Timestamp {
	return Timestamp(uint64(node)<<TimestampNodeShift | 1)
}

// ReductionOpID names a registered reduction operator. 0 means "no reduction".
type ReductionOpID uint32

// ID packs (kind, creator node, node-local index) into 64 bits:
//
//	[63:60] kind
//	[59:44] creator node
//	[43:0]  local index
//
// ID 0 is the sentinel for "no object" and is never sent over the wire.
type ID uint64

const (
	idKindShift = 60
	idNodeShift = 44
	idNodeMask  = (1 << 16) - 1
	idIndexMask = (1 << idNodeShift) - 1
)

// NoID is the null identifier.
const NoID ID = 0

// MakeID packs an identifier. Index 0 is reserved so that a fully-zero ID
// never denotes a real object.
func MakeID(kind Kind, node NodeID, index uint64) ID {
	if index == 0 || index > idIndexMask {
		panic(fmt.Sprintf("id index %d out of range", index))
	}
	return ID(uint64(kind)<<idKindShift | uint64(node)<<idNodeShift | index)
}

// Kind returns the object class encoded in the id.
func (id ID) Kind() Kind { return Kind(id >> idKindShift) }

// Node returns the creator node encoded in the id.
func (id ID) Node() NodeID { return NodeID((id >> idNodeShift) & idNodeMask) }

// Index returns the creator-local index encoded in the id.
func (id ID) Index() uint64 { return uint64(id) & idIndexMask }

func (id ID) String() string {
	return fmt.Sprintf("%x", uint64(id))
}

// Event is a single-shot synchronization handle: one specific triggering
// (generation) of an event id. The zero Event is NoEvent and is considered
// always triggered.
type Event struct {
	ID  ID
	Gen Generation
}

// NoEvent is the always-triggered null event.
var NoEvent = Event{}

// Exists reports whether the handle refers to a real event.
func (e Event) Exists() bool { return e.ID != NoID }

func (e Event) String() string {
	return fmt.Sprintf("%x/%d", uint64(e.ID), e.Gen)
}

// UserEvent is an event whose triggering is under user control.
type UserEvent struct {
	Event
}

// NoUserEvent is the null user event.
var NoUserEvent = UserEvent{}

// Barrier is a handle to one phase (generation) of a phase barrier. The
// timestamp, when non-zero, names the arrival-count adjustment this handle
// was returned from, so that arrivals through the handle cannot overtake it.
type Barrier struct {
	ID        ID
	Gen       Generation
	Timestamp Timestamp
}

// NoBarrier is the null barrier handle.
var NoBarrier = Barrier{}

// Exists reports whether the handle refers to a real barrier.
func (b Barrier) Exists() bool { return b.ID != NoID }

func (b Barrier) String() string {
	return fmt.Sprintf("%x/%d", uint64(b.ID), b.Gen)
}

// AdvanceBarrier returns the handle for the next phase. The timestamp resets:
// adjustment ordering is per-phase.
func (b Barrier) AdvanceBarrier() Barrier {
	return Barrier{ID: b.ID, Gen: b.Gen + 1}
}

// GetPreviousPhase returns the handle for the preceding phase.
func (b Barrier) GetPreviousPhase() Barrier {
	return Barrier{ID: b.ID, Gen: b.Gen - 1, Timestamp: b.Timestamp}
}
