package reduction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/types"
)

func TestBuiltinFolds(t *testing.T) {
	table := NewTable()

	tests := []struct {
		name     string
		id       types.ReductionOpID
		initial  int32
		values   []int32
		expected int32
	}{
		{name: "sum", id: SumInt32ID, initial: 0, values: []int32{7, 35}, expected: 42},
		{name: "sum with negatives", id: SumInt32ID, initial: 10, values: []int32{-4, -6}, expected: 0},
		{name: "min", id: MinInt32ID, initial: 1 << 30, values: []int32{5, -3, 12}, expected: -3},
		{name: "max", id: MaxInt32ID, initial: -(1 << 30), values: []int32{5, -3, 12}, expected: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := table.Get(tt.id)
			require.NotNil(t, op)

			acc := EncodeInt32(tt.initial)
			for _, v := range tt.values {
				op.Apply(acc, EncodeInt32(v))
			}
			assert.Equal(t, tt.expected, DecodeInt32(acc))
		})
	}
}

func TestSumInt64(t *testing.T) {
	op := NewTable().Get(SumInt64ID)
	acc := EncodeInt64(1 << 40)
	op.Apply(acc, EncodeInt64(1))
	assert.Equal(t, int64(1<<40)+1, DecodeInt64(acc))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	table := NewTable()
	assert.Error(t, table.Register(SumInt32ID, sumInt64Op{}))
	assert.NoError(t, table.Register(ReservedOpIDs+1, sumInt64Op{}))
}

func TestZeroIDMeansNoReduction(t *testing.T) {
	assert.Nil(t, NewTable().Get(0))
}
