package reduxref

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/born-ml/redux/internal/gpuarray"
	"github.com/born-ml/redux/internal/numeric"
	"github.com/born-ml/redux/internal/opkind"
	"github.com/born-ml/redux/internal/reduxplan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcg32 is a minimal PCG XSH-RR 32 generator, used only to produce
// deterministic test fixtures (spec §8's scenario data is generated
// this way: seed 1, multiplier 6364136223846793005, increment
// 1442695040888963407).
type pcg32 struct{ state uint64 }

const (
	pcgMult = 6364136223846793005
	pcgInc  = 1442695040888963407
)

func newPCG32(seed uint64) *pcg32 { return &pcg32{state: seed} }

func (p *pcg32) Uint32() uint32 {
	old := p.state
	p.state = old*pcgMult + pcgInc
	xorshifted := uint32(((old >> 18) ^ old) >> 27)
	rot := uint32(old >> 59)
	return (xorshifted >> rot) | (xorshifted << ((32 - rot) & 31))
}

func (p *pcg32) Float32() float32 {
	return float32(p.Uint32()) / float32(math.MaxUint32)
}

type fakeBuf struct{ n int }

func (f fakeBuf) ByteLen() int { return f.n }

func contiguous(lengths []int64, dt numeric.DType) *gpuarray.Array {
	n := int64(1)
	for _, l := range lengths {
		n *= l
	}
	return gpuarray.NewContiguous(lengths, dt, fakeBuf{int(n) * dt.ByteWidth()}, 0)
}

func putFloat32s(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func getFloat32s(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func getInt32s(buf []byte) []int32 {
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func putUint32s(vals []uint32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func getUint32s(buf []byte) []uint32 {
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out
}

func TestExecuteSumReduceAllAxes(t *testing.T) {
	src := contiguous([]int64{2, 3}, numeric.Float32)
	dst := contiguous(nil, numeric.Float32)
	plan, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{0, 1}, Op: opkind.Sum})
	require.NoError(t, err)

	srcData := putFloat32s([]float32{1, 2, 3, 4, 5, 6})
	dstData := make([]byte, 4)

	err = Execute(plan, opkind.Sum, Buffers{Src: srcData, Dst: dstData, SrcType: numeric.Float32})
	require.NoError(t, err)
	assert.Equal(t, float32(21), getFloat32s(dstData)[0])
}

func TestExecuteSumFreeAxisKept(t *testing.T) {
	src := contiguous([]int64{2, 3}, numeric.Float32)
	dst := contiguous([]int64{2}, numeric.Float32)
	plan, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{1}, Op: opkind.Sum})
	require.NoError(t, err)

	srcData := putFloat32s([]float32{1, 2, 3, 4, 5, 6})
	dstData := make([]byte, 8)

	err = Execute(plan, opkind.Sum, Buffers{Src: srcData, Dst: dstData, SrcType: numeric.Float32})
	require.NoError(t, err)
	got := getFloat32s(dstData)
	assert.Equal(t, []float32{6, 15}, got)
}

// TestArgmaxOrderSensitivity encodes spec §8 scenario 1 vs 2: reversing
// reduce_axes reorders the digit weighting of the returned flat index,
// but both must name the same winning element once translated back.
func TestArgmaxOrderSensitivity(t *testing.T) {
	const d0, d1 = 5, 7
	rng := newPCG32(1)
	data := make([]float32, d0*d1)
	for i := range data {
		data[i] = rng.Float32()
	}
	// Force a unique, known maximum at (i=3, j=5).
	data[3*d1+5] = 100

	src := contiguous([]int64{d0, d1}, numeric.Float32)
	dst := contiguous(nil, numeric.Float32)
	idx := contiguous(nil, numeric.Int32)
	srcData := putFloat32s(data)

	p1, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, DstIdx: idx, ReduceAxes: []int{0, 1}, Op: opkind.MaxAndArgmax})
	require.NoError(t, err)
	dst1, idx1 := make([]byte, 4), make([]byte, 4)
	require.NoError(t, Execute(p1, opkind.MaxAndArgmax, Buffers{Src: srcData, Dst: dst1, DstIdx: idx1, SrcType: numeric.Float32, DstIdxType: numeric.Int32}))
	// R=[axis0,axis1]: flat = i*7+j
	assert.EqualValues(t, 3*d1+5, getInt32s(idx1)[0])
	assert.Equal(t, float32(100), getFloat32s(dst1)[0])

	p2, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, DstIdx: idx, ReduceAxes: []int{1, 0}, Op: opkind.MaxAndArgmax})
	require.NoError(t, err)
	dst2, idx2 := make([]byte, 4), make([]byte, 4)
	require.NoError(t, Execute(p2, opkind.MaxAndArgmax, Buffers{Src: srcData, Dst: dst2, DstIdx: idx2, SrcType: numeric.Float32, DstIdxType: numeric.Int32}))
	// R=[axis1,axis0]: flat = j*5+i
	assert.EqualValues(t, 5*d0+3, getInt32s(idx2)[0])
	assert.Equal(t, float32(100), getFloat32s(dst2)[0])
}

func TestExecuteTieBreakLowestIndexWins(t *testing.T) {
	src := contiguous([]int64{4}, numeric.Float32)
	dst := contiguous(nil, numeric.Float32)
	idx := contiguous(nil, numeric.Int32)
	plan, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, DstIdx: idx, ReduceAxes: []int{0}, Op: opkind.Argmax})
	require.NoError(t, err)

	srcData := putFloat32s([]float32{5, 9, 9, 2})
	idxData := make([]byte, 4)
	require.NoError(t, Execute(plan, opkind.Argmax, Buffers{Src: srcData, DstIdx: idxData, SrcType: numeric.Float32, DstIdxType: numeric.Int32}))
	assert.EqualValues(t, 1, getInt32s(idxData)[0])
}

func TestExecuteNaNPropagatesThroughMax(t *testing.T) {
	src := contiguous([]int64{3}, numeric.Float32)
	dst := contiguous(nil, numeric.Float32)
	plan, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{0}, Op: opkind.Max})
	require.NoError(t, err)

	nan := float32(math.NaN())
	srcData := putFloat32s([]float32{1, nan, 3})
	dstData := make([]byte, 4)
	require.NoError(t, Execute(plan, opkind.Max, Buffers{Src: srcData, Dst: dstData, SrcType: numeric.Float32}))
	got := getFloat32s(dstData)[0]
	assert.True(t, math.IsNaN(float64(got)))
}

func TestExecuteProdNZSkipsZeros(t *testing.T) {
	src := contiguous([]int64{5}, numeric.Float32)
	dst := contiguous(nil, numeric.Float32)
	plan, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{0}, Op: opkind.ProdNZ})
	require.NoError(t, err)

	srcData := putFloat32s([]float32{2, 0, 3, 0, 5})
	dstData := make([]byte, 4)
	require.NoError(t, Execute(plan, opkind.ProdNZ, Buffers{Src: srcData, Dst: dstData, SrcType: numeric.Float32}))
	assert.Equal(t, float32(30), getFloat32s(dstData)[0])
}

func TestExecuteBitwiseAndSaturatedUint32(t *testing.T) {
	src := contiguous([]int64{3}, numeric.Uint32)
	dst := contiguous(nil, numeric.Uint32)
	plan, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{0}, Op: opkind.And})
	require.NoError(t, err)

	srcData := putUint32s([]uint32{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFE})
	dstData := make([]byte, 4)
	require.NoError(t, Execute(plan, opkind.And, Buffers{Src: srcData, Dst: dstData, SrcType: numeric.Uint32}))
	assert.Equal(t, uint32(0xFFFFFFFE), getUint32s(dstData)[0])
}

// TestExecuteMinAndArgminNonSequentialReduceAxisOrder encodes spec §8
// scenario 3: with more than two reduce axes given out of ascending
// order, the returned flat index must weight digits by the caller's
// reduce_axes order, not by axis-index order or the planner's internal
// coalescing order.
func TestExecuteMinAndArgminNonSequentialReduceAxisOrder(t *testing.T) {
	// Shape has two free axes (0,1) and four reduce axes (2,3,4,5),
	// each of length 2; reduce_axes is passed as {4,2,5,3} so the
	// digit weighting must follow that order, not {2,3,4,5}.
	shape := []int64{2, 3, 2, 2, 2, 2}
	src := contiguous(shape, numeric.Float32)
	dst := contiguous([]int64{2, 3}, numeric.Float32)
	idx := contiguous([]int64{2, 3}, numeric.Int32)
	plan, err := reduxplan.Build(reduxplan.Request{
		Src: src, Dst: dst, DstIdx: idx, ReduceAxes: []int{4, 2, 5, 3}, Op: opkind.MinAndArgmin,
	})
	require.NoError(t, err)

	n := int64(1)
	for _, l := range shape {
		n *= l
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = 100 + float32(i)
	}

	// Strides for row-major [2,3,2,2,2,2]: axis5=1, axis4=2, axis3=4, axis2=8, axis1=16, axis0=48.
	// Place the minimum for free cell (i=0,j=0) at reduced coords (axis4=1, axis2=0, axis5=1, axis3=0).
	target := int64(0)*48 + int64(0)*16 + 0*8 + 0*4 + 1*2 + 1*1
	data[target] = -1

	srcData := putFloat32s(data)
	dstData := make([]byte, 2*3*4)
	idxData := make([]byte, 2*3*4)
	require.NoError(t, Execute(plan, opkind.MinAndArgmin, Buffers{
		Src: srcData, Dst: dstData, DstIdx: idxData, SrcType: numeric.Float32, DstIdxType: numeric.Int32,
	}))

	// dst/dst_idx are laid out over free axes (i,j) in order; cell (0,0) is index 0.
	assert.Equal(t, float32(-1), getFloat32s(dstData)[0])
	// Weight order is the call order {4,2,5,3}, all lengths 2: axis4 weight 8, axis2 weight 4, axis5 weight 2, axis3 weight 1.
	wantIdx := int64(1)*8 + int64(0)*4 + int64(1)*2 + int64(0)*1
	assert.EqualValues(t, wantIdx, getInt32s(idxData)[0])
}

func TestExecuteEmptyPlanIsNoop(t *testing.T) {
	src := contiguous([]int64{0, 5}, numeric.Float32)
	dst := contiguous([]int64{0}, numeric.Float32)
	plan, err := reduxplan.Build(reduxplan.Request{Src: src, Dst: dst, ReduceAxes: []int{1}, Op: opkind.Sum})
	require.NoError(t, err)
	require.True(t, plan.Empty)
	assert.NoError(t, Execute(plan, opkind.Sum, Buffers{SrcType: numeric.Float32}))
}
