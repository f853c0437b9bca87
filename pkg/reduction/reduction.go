package reduction

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/loomworks/loom/pkg/types"
)

// Op is an associative operator that folds right-hand values into an
// accumulator. Both sides are raw little-endian bytes: reduction values ride
// inside barrier messages, so the operator owns the layout.
type Op interface {
	SizeofLHS() int
	SizeofRHS() int
	// Apply folds rhs into lhs in place.
	Apply(lhs, rhs []byte)
}

// Table maps reduction op ids to operators. A runtime owns one table; remote
// barrier triggers carry the op id so every subscriber resolves the same
// operator.
type Table struct {
	mu  sync.RWMutex
	ops map[types.ReductionOpID]Op
}

// Builtin op ids. User-registered ops should use ids above ReservedOpIDs.
const (
	SumInt32ID   types.ReductionOpID = 1
	SumInt64ID   types.ReductionOpID = 2
	SumFloat64ID types.ReductionOpID = 3
	MinInt32ID   types.ReductionOpID = 4
	MaxInt32ID   types.ReductionOpID = 5

	ReservedOpIDs types.ReductionOpID = 256
)

// NewTable creates a table pre-populated with the builtin operators.
func NewTable() *Table {
	t := &Table{ops: make(map[types.ReductionOpID]Op)}
	t.ops[SumInt32ID] = int32Op{apply: func(a, b int32) int32 { return a + b }}
	t.ops[SumInt64ID] = sumInt64Op{}
	t.ops[SumFloat64ID] = sumFloat64Op{}
	t.ops[MinInt32ID] = int32Op{apply: func(a, b int32) int32 {
		if b < a {
			return b
		}
		return a
	}}
	t.ops[MaxInt32ID] = int32Op{apply: func(a, b int32) int32 {
		if b > a {
			return b
		}
		return a
	}}
	return t
}

// Register adds a user-defined operator.
func (t *Table) Register(id types.ReductionOpID, op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ops[id]; ok {
		return fmt.Errorf("reduction op %d already registered", id)
	}
	t.ops[id] = op
	return nil
}

// Get resolves an operator id. Returns nil for the zero id.
func (t *Table) Get(id types.ReductionOpID) Op {
	if id == 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ops[id]
}

type int32Op struct {
	apply func(a, b int32) int32
}

func (int32Op) SizeofLHS() int { return 4 }
func (int32Op) SizeofRHS() int { return 4 }

func (op int32Op) Apply(lhs, rhs []byte) {
	a := int32(binary.LittleEndian.Uint32(lhs))
	b := int32(binary.LittleEndian.Uint32(rhs))
	binary.LittleEndian.PutUint32(lhs, uint32(op.apply(a, b)))
}

type sumInt64Op struct{}

func (sumInt64Op) SizeofLHS() int { return 8 }
func (sumInt64Op) SizeofRHS() int { return 8 }

func (sumInt64Op) Apply(lhs, rhs []byte) {
	a := int64(binary.LittleEndian.Uint64(lhs))
	b := int64(binary.LittleEndian.Uint64(rhs))
	binary.LittleEndian.PutUint64(lhs, uint64(a+b))
}

type sumFloat64Op struct{}

func (sumFloat64Op) SizeofLHS() int { return 8 }
func (sumFloat64Op) SizeofRHS() int { return 8 }

func (sumFloat64Op) Apply(lhs, rhs []byte) {
	a := math.Float64frombits(binary.LittleEndian.Uint64(lhs))
	b := math.Float64frombits(binary.LittleEndian.Uint64(rhs))
	binary.LittleEndian.PutUint64(lhs, math.Float64bits(a+b))
}

// EncodeInt32 packs a value for the int32 operators.
func EncodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// DecodeInt32 unpacks an int32 reduction result.
func DecodeInt32(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

// EncodeInt64 packs a value for the int64 operators.
func EncodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

// DecodeInt64 unpacks an int64 reduction result.
func DecodeInt64(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}
