// Package gpuarray defines the engine-side view of the external GpuArray
// buffer abstraction: a tensor descriptor (shape, signed byte strides,
// element type, device pointer) that the caller owns and the engine
// only ever reads. Allocation, deallocation, and device transfer of the
// underlying buffer are the responsibility of the external GPU context
// collaborator (internal/gpucontext) — this package never allocates.
package gpuarray

import (
	"fmt"

	"github.com/born-ml/redux/internal/numeric"
)

// Buffer is the minimal device-pointer contract the engine needs from
// an external GpuArray implementation: an opaque handle plus a byte
// offset into it. Concrete GPU backends (internal/gpucontext) supply
// buffers that satisfy this; the CPU reference executor
// (internal/reduxref) supplies a plain []byte-backed one.
type Buffer interface {
	// ByteLen returns the buffer's total allocated size in bytes,
	// independent of any Array's offset/strides into it.
	ByteLen() int
}

// Array is a read-only tensor descriptor: rank, per-axis length, per-axis
// signed byte stride, element type, and the device buffer + byte offset
// it is a view over.
//
// Invariant: the product of Lengths equals the logical element count.
// Strides may alias only when ReadOnly is true (spec §3) — the engine
// itself never writes to src-only arrays, so this is purely advisory
// metadata plumbed through by the caller.
type Array struct {
	Lengths  []int64
	Strides  []int64 // byte strides, signed
	DType    numeric.DType
	Buf      Buffer
	Offset   int64 // byte offset into Buf
	ReadOnly bool
}

// Rank returns the tensor's number of axes.
func (a *Array) Rank() int { return len(a.Lengths) }

// NumElements returns the logical element count (product of lengths;
// 1 for a rank-0 scalar).
func (a *Array) NumElements() int64 {
	n := int64(1)
	for _, l := range a.Lengths {
		n *= l
	}
	return n
}

// HasZeroLength reports whether any axis has length 0, i.e. the array
// is logically empty (spec §4.1 "Size-0 and empty dimensions").
func (a *Array) HasZeroLength() bool {
	for _, l := range a.Lengths {
		if l == 0 {
			return true
		}
	}
	return false
}

// Validate checks the descriptor's internal consistency: matching
// Lengths/Strides arity and a non-nil element type.
func (a *Array) Validate() error {
	if len(a.Lengths) != len(a.Strides) {
		return fmt.Errorf("gpuarray: %d lengths but %d strides", len(a.Lengths), len(a.Strides))
	}
	if !a.DType.Valid() {
		return fmt.Errorf("gpuarray: unknown dtype %d", int(a.DType))
	}
	for i, l := range a.Lengths {
		if l < 0 {
			return fmt.Errorf("gpuarray: negative length %d at axis %d", l, i)
		}
	}
	return nil
}

// NewContiguous builds an Array over buf with C-order (row-major) byte
// strides derived from lengths — the common case for freshly allocated
// destinations.
func NewContiguous(lengths []int64, dtype numeric.DType, buf Buffer, offset int64) *Array {
	strides := make([]int64, len(lengths))
	elemSize := int64(dtype.ByteWidth())
	stride := elemSize
	for i := len(lengths) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= lengths[i]
	}
	return &Array{
		Lengths: lengths,
		Strides: strides,
		DType:   dtype,
		Buf:     buf,
		Offset:  offset,
	}
}
