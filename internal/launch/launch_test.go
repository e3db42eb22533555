package launch

import (
	"encoding/binary"
	"testing"

	"github.com/born-ml/redux/internal/gpuarray"
	"github.com/born-ml/redux/internal/numeric"
	"github.com/born-ml/redux/internal/opkind"
	"github.com/born-ml/redux/internal/reduxplan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuf struct{ n int }

func (f fakeBuf) ByteLen() int { return f.n }

func contiguous(lengths []int64, dt numeric.DType) *gpuarray.Array {
	n := int64(1)
	for _, l := range lengths {
		n *= l
	}
	return gpuarray.NewContiguous(lengths, dt, fakeBuf{int(n) * dt.ByteWidth()}, 0)
}

func buildPlan(t *testing.T) *reduxplan.Plan {
	t.Helper()
	src := contiguous([]int64{32, 50, 79}, numeric.Float32)
	dst := contiguous([]int64{50}, numeric.Float32)
	p, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{0, 2}, Op: opkind.Sum})
	require.NoError(t, err)
	return p
}

func TestBuildParamsRoundTrip(t *testing.T) {
	p := buildPlan(t)
	args, err := Build(p, 0, 0, 0, 4)
	require.NoError(t, err)
	require.Len(t, args.Params, 48)
	assert.Equal(t, uint32(p.M), binary.LittleEndian.Uint32(args.Params[0:4]))
	assert.Equal(t, uint32(p.N), binary.LittleEndian.Uint32(args.Params[4:8]))
}

func TestBuildFreeAxesLayout(t *testing.T) {
	p := buildPlan(t)
	args, err := Build(p, 0, 0, 0, 4)
	require.NoError(t, err)
	require.Len(t, args.FreeAxes, len(p.Free)*16)
}

func TestBuildReducedAxesLayout(t *testing.T) {
	p := buildPlan(t)
	args, err := Build(p, 0, 0, 0, 4)
	require.NoError(t, err)
	require.Len(t, args.ReducedAxes, len(p.Reduced)*12)
	gotWeight := binary.LittleEndian.Uint32(args.ReducedAxes[8:12])
	assert.Equal(t, uint32(p.Reduced[0].ArgWeight), gotWeight)
}

func TestBuildRejectsEmptyPlan(t *testing.T) {
	src := contiguous([]int64{0, 5}, numeric.Float32)
	dst := contiguous([]int64{0}, numeric.Float32)
	p, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{1}, Op: opkind.Sum})
	require.NoError(t, err)
	require.True(t, p.Empty)
	_, err = Build(p, 0, 0, 0, 4)
	assert.Error(t, err)
}

func TestElementStrideConversion(t *testing.T) {
	assert.EqualValues(t, -20, elementStride(-80, 4))
	assert.EqualValues(t, 3, elementStride(12, 4))
}

func TestWorkgroupsMatchesGrid(t *testing.T) {
	p := buildPlan(t)
	args, err := Build(p, 0, 0, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(p.Grid), args.Workgroups)
}
