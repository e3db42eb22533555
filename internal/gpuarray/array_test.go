package gpuarray

import (
	"testing"

	"github.com/born-ml/redux/internal/numeric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuf struct{ n int }

func (f fakeBuf) ByteLen() int { return f.n }

func TestNewContiguousStrides(t *testing.T) {
	a := NewContiguous([]int64{2, 3, 4}, numeric.Float32, fakeBuf{2 * 3 * 4 * 4}, 0)
	require.NoError(t, a.Validate())
	// Row-major: innermost axis has the element's byte width as stride.
	assert.Equal(t, []int64{48, 16, 4}, a.Strides)
	assert.EqualValues(t, 24, a.NumElements())
	assert.Equal(t, 3, a.Rank())
}

func TestHasZeroLength(t *testing.T) {
	a := NewContiguous([]int64{2, 0, 4}, numeric.Float32, fakeBuf{0}, 0)
	assert.True(t, a.HasZeroLength())
	assert.EqualValues(t, 0, a.NumElements())
}

func TestRankZeroScalar(t *testing.T) {
	a := NewContiguous(nil, numeric.Float32, fakeBuf{4}, 0)
	assert.Equal(t, 0, a.Rank())
	assert.EqualValues(t, 1, a.NumElements())
	assert.False(t, a.HasZeroLength())
}

func TestValidateMismatch(t *testing.T) {
	a := &Array{Lengths: []int64{2, 3}, Strides: []int64{4}, DType: numeric.Float32}
	assert.Error(t, a.Validate())
}

func TestValidateUnknownDType(t *testing.T) {
	a := &Array{Lengths: []int64{2}, Strides: []int64{4}, DType: numeric.DType(999)}
	assert.Error(t, a.Validate())
}
