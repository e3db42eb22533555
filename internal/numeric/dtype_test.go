package numeric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorPromotion(t *testing.T) {
	require.Equal(t, Float32, Float16.AccumulatorType())
	assert.Equal(t, Float32, Float32.AccumulatorType())
	assert.Equal(t, Float64, Float64.AccumulatorType())
	assert.Equal(t, Int32, Int8.AccumulatorType())
	assert.Equal(t, Int64, Int64.AccumulatorType())
}

func TestCategory(t *testing.T) {
	assert.True(t, Float32.IsFloat())
	assert.False(t, Float32.IsInteger())
	assert.True(t, Int32.IsInteger())
	assert.Equal(t, CategorySignedInt, Int32.Category())
	assert.Equal(t, CategoryUnsignedInt, Uint32.Category())
	assert.Equal(t, CategoryBool, Bool.Category())
}

func TestByteWidthAndWGSL(t *testing.T) {
	assert.Equal(t, 4, Float32.ByteWidth())
	assert.Equal(t, 8, Int64.ByteWidth())
	assert.Equal(t, "f32", Float32.WGSL())
	assert.Equal(t, "i32", Int32.WGSL())
	assert.Equal(t, "u32", Uint32.WGSL())
}

func TestValid(t *testing.T) {
	assert.True(t, Float32.Valid())
	assert.False(t, DType(999).Valid())
}

func TestStringUnknown(t *testing.T) {
	assert.Contains(t, DType(999).String(), "DType")
}

func TestParseRoundTripsWithString(t *testing.T) {
	for t2 := Float16; t2 <= Bool; t2++ {
		got, ok := Parse(t2.String())
		assert.True(t, ok)
		assert.Equal(t, t2, got)
	}
}

func TestParseRejectsUnknownName(t *testing.T) {
	_, ok := Parse("nonsense")
	assert.False(t, ok)
}

func TestGPUSupportedRejectsEightByteTypesWithFourByteWGSL(t *testing.T) {
	for _, dt := range []DType{Float64, Int64, Uint64} {
		assert.Falsef(t, dt.GPUSupported(), "%s: width %d disagrees with its 4-byte WGSL type %s", dt, dt.ByteWidth(), dt.WGSL())
	}
}

func TestGPUSupportedAcceptsWidthMatchedTypes(t *testing.T) {
	for _, dt := range []DType{Float16, Float32, Int8, Int16, Int32, Uint8, Uint16, Uint32, Bool} {
		assert.Truef(t, dt.GPUSupported(), "%s should have a correctly-sized WGSL representation", dt)
	}
}
