// Package reduxref is a pure-Go reference executor for a
// reduxplan.Plan: it runs the exact same axis-decomposition and
// operator-combine rules the generated WGSL kernel does, but against
// plain byte slices in process memory. It serves as the engine's test
// oracle (no GPU or WGSL execution required to validate planner and
// operator-registry correctness) and as a no-GPU execution fallback.
//
// It generalizes internal/backend/cpu/reduce.go's single-axis
// SumDim/Argmax — which decomposes a flat element index into
// coordinates via `coord := temp / strides[d]; temp %= strides[d]`
// against one fixed reduced dimension — into the same decomposition
// applied independently to a Plan's arbitrary free-axis and
// reduced-axis sets.
package reduxref

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/born-ml/redux/internal/numeric"
	"github.com/born-ml/redux/internal/opkind"
	"github.com/born-ml/redux/internal/parallel"
	"github.com/born-ml/redux/internal/reduxplan"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Buffers holds the raw byte storage for one reduction call. Offset
// fields are in bytes, matching internal/gpuarray.Array.Offset.
type Buffers struct {
	Src        []byte
	Dst        []byte
	DstIdx     []byte
	SrcOffset  int64
	DstOffset  int64
	DstIdxOff  int64
	SrcType    numeric.DType
	DstIdxType numeric.DType
}

// Execute runs p against bufs, writing results into Dst/DstIdx. The M
// independent reduction fibres are distributed across goroutines via
// internal/parallel, mirroring the GPU's own per-fibre independence —
// each fibre reads disjoint src bytes and writes a disjoint dst cell,
// so no synchronization is needed beyond the first error encountered.
func Execute(p *reduxplan.Plan, op opkind.Op, bufs Buffers) error {
	if p.Empty {
		return nil
	}
	isFloat := bufs.SrcType.IsFloat()

	var errMu sync.Mutex
	var firstErr error
	setErr := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	parallel.For(int(p.M), func(mi int) {
		m := int64(mi)
		srcFreeOff, dstFreeOff, dstIdxFreeOff := decomposeFree(p, m)

		var acc opkind.RefValue
		var accIdx int64
		for k := int64(0); k < p.N; k++ {
			srcOff, flatIdx := decomposeReduced(p, k)
			raw, err := readElem(bufs.Src, bufs.SrcOffset+srcFreeOff+srcOff, bufs.SrcType)
			if err != nil {
				setErr(errors.Wrap(err, "reduxref: read element"))
				return
			}
			val := op.RefLoad(raw, isFloat)
			if k == 0 {
				acc = val
				accIdx = flatIdx
				continue
			}
			if op.NeedsFirstElementSeed() {
				if op.RefWins(acc, val, isFloat) {
					acc = val
					accIdx = flatIdx
				}
			} else {
				acc = op.RefCombine(acc, val, isFloat)
			}
		}

		if op.WritesValue() {
			if err := writeElem(bufs.Dst, bufs.DstOffset+dstFreeOff, bufs.SrcType, acc); err != nil {
				setErr(errors.Wrap(err, "reduxref: write dst"))
				return
			}
		}
		if op.TracksIndex() {
			if err := writeIndex(bufs.DstIdx, bufs.DstIdxOff+dstIdxFreeOff, bufs.DstIdxType, accIdx); err != nil {
				setErr(errors.Wrap(err, "reduxref: write dst_idx"))
			}
		}
	}, parallel.DefaultConfig())

	return firstErr
}

// decomposeFree mirrors the kernel's free-axis loop: a row-major
// mixed-radix decomposition of the flat free index m into per-axis
// byte offsets.
func decomposeFree(p *reduxplan.Plan, m int64) (srcOff, dstOff, dstIdxOff int64) {
	rem := m
	for _, ax := range p.Free {
		coord := rem % ax.Length
		rem /= ax.Length
		srcOff += coord * ax.SrcStride
		dstOff += coord * ax.DstStride
		if ax.HasDstIdx {
			dstIdxOff += coord * ax.DstIdxStride
		}
	}
	return
}

// decomposeReduced mirrors the kernel's reducedOffset function: axes
// are consumed from last to first so the first-listed reduce axis
// carries the highest place value, matching ArgWeight's convention
// (spec §3's argmax_weight). k then already enumerates the same
// mixed-radix space ArgWeight was built from, so the flat argument
// index equals k directly.
func decomposeReduced(p *reduxplan.Plan, k int64) (srcOff int64, flatIdx int64) {
	rem := k
	for i := len(p.Reduced) - 1; i >= 0; i-- {
		ax := p.Reduced[i]
		coord := rem % ax.Length
		rem /= ax.Length
		srcOff += coord * ax.SrcStride
	}
	return srcOff, k
}

func readElem(buf []byte, byteOff int64, dt numeric.DType) (opkind.RefValue, error) {
	if byteOff < 0 || int(byteOff)+dt.ByteWidth() > len(buf) {
		return opkind.RefValue{}, errors.Errorf("reduxref: offset %d out of range (len %d)", byteOff, len(buf))
	}
	b := buf[byteOff:]
	switch dt {
	case numeric.Float16:
		return opkind.RefValue{F: float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())}, nil
	case numeric.Float32:
		return opkind.RefValue{F: float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))}, nil
	case numeric.Float64:
		return opkind.RefValue{F: math.Float64frombits(binary.LittleEndian.Uint64(b))}, nil
	case numeric.Int8:
		return opkind.RefValue{I: int64(int8(b[0]))}, nil
	case numeric.Int16:
		return opkind.RefValue{I: int64(int16(binary.LittleEndian.Uint16(b)))}, nil
	case numeric.Int32:
		return opkind.RefValue{I: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
	case numeric.Int64:
		return opkind.RefValue{I: int64(binary.LittleEndian.Uint64(b))}, nil
	case numeric.Uint8:
		return opkind.RefValue{I: int64(b[0])}, nil
	case numeric.Uint16:
		return opkind.RefValue{I: int64(binary.LittleEndian.Uint16(b))}, nil
	case numeric.Uint32:
		return opkind.RefValue{I: int64(binary.LittleEndian.Uint32(b))}, nil
	case numeric.Uint64:
		return opkind.RefValue{I: int64(binary.LittleEndian.Uint64(b))}, nil
	case numeric.Bool:
		v := int64(0)
		if b[0] != 0 {
			v = 1
		}
		return opkind.RefValue{I: v}, nil
	default:
		return opkind.RefValue{}, errors.Errorf("reduxref: unsupported dtype %s", dt)
	}
}

// EncodeElem renders v as dt's on-wire byte representation. It is
// exported for callers outside this package that need the same codec
// without a full Execute call — e.g. the redux facade's Size-0
// identity fill (spec §4.1), which writes directly to a device buffer
// with no reduction fibre to walk.
func EncodeElem(dt numeric.DType, v opkind.RefValue) ([]byte, error) {
	buf := make([]byte, dt.ByteWidth())
	if err := writeElem(buf, 0, dt, v); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeElem(buf []byte, byteOff int64, dt numeric.DType, v opkind.RefValue) error {
	if byteOff < 0 || int(byteOff)+dt.ByteWidth() > len(buf) {
		return errors.Errorf("reduxref: write offset %d out of range (len %d)", byteOff, len(buf))
	}
	b := buf[byteOff:]
	switch dt {
	case numeric.Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v.F)).Bits())
	case numeric.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v.F)))
	case numeric.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.F))
	case numeric.Int8:
		b[0] = byte(int8(v.I))
	case numeric.Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v.I)))
	case numeric.Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v.I)))
	case numeric.Int64:
		binary.LittleEndian.PutUint64(b, uint64(v.I))
	case numeric.Uint8:
		b[0] = byte(v.I)
	case numeric.Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v.I))
	case numeric.Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v.I))
	case numeric.Uint64:
		binary.LittleEndian.PutUint64(b, uint64(v.I))
	case numeric.Bool:
		if v.I != 0 {
			b[0] = 1
		} else {
			b[0] = 0
		}
	default:
		return errors.Errorf("reduxref: unsupported dtype %s", dt)
	}
	return nil
}

func writeIndex(buf []byte, byteOff int64, dt numeric.DType, idx int64) error {
	return writeElem(buf, byteOff, dt, opkind.RefValue{I: idx})
}
