// Package redux is the engine's public facade: one reduce_<op> entry
// point per operator in the fixed table (spec §6). It is the thin,
// re-exporting wrapper the teacher's tensor/tensor.go is for
// internal/tensor — same shape (type aliases plus delegating
// functions), new content, since this facade delegates to the
// planner, kernel-source generator, launch configurator, and GPU
// context instead of to an autodiff-aware tensor type.
package redux

import (
	"context"

	"github.com/born-ml/redux/internal/gpuarray"
	"github.com/born-ml/redux/internal/gpucontext"
	"github.com/born-ml/redux/internal/kernelsrc"
	"github.com/born-ml/redux/internal/launch"
	"github.com/born-ml/redux/internal/numeric"
	"github.com/born-ml/redux/internal/opkind"
	"github.com/born-ml/redux/internal/reduxplan"
	"github.com/born-ml/redux/internal/reduxref"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/pkg/errors"
)

// Array is the public alias for the engine's tensor descriptor.
type Array = gpuarray.Array

// DType re-exports the element-type registry's enum for callers that
// build Arrays without importing internal/numeric directly.
type DType = numeric.DType

const (
	Float16 = numeric.Float16
	Float32 = numeric.Float32
	Float64 = numeric.Float64
	Int8    = numeric.Int8
	Int16   = numeric.Int16
	Int32   = numeric.Int32
	Int64   = numeric.Int64
	Uint8   = numeric.Uint8
	Uint16  = numeric.Uint16
	Uint32  = numeric.Uint32
	Uint64  = numeric.Uint64
	Bool    = numeric.Bool
)

// DeviceBuffer is the capability an Array's Buf must additionally
// provide for the facade to dispatch real GPU work: the underlying
// wgpu handle, plus its byte offset from the start of that allocation
// (Array.Offset already carries a logical offset on top of this).
type DeviceBuffer interface {
	gpuarray.Buffer
	Handle() *wgpu.Buffer
}

// Engine binds the facade to one GPU context. Construct one per
// process (or per device, for multi-GPU setups); it is safe for
// concurrent use, since internal/gpucontext.Context is.
type Engine struct {
	ctx *gpucontext.Context
}

// New wraps an already-acquired GPU context.
func New(ctx *gpucontext.Context) *Engine {
	return &Engine{ctx: ctx}
}

// rankBucket rounds a rank up to the engine's fixed set of padded
// signature buckets (spec §4.2's "padded fixed-rank kernel argument
// layout"): a handful of buckets keeps the kernel cache small while
// still covering the engine's supported rank range.
func rankBucket(n int) int {
	for _, b := range []int{1, 2, 4, 8} {
		if n <= b {
			return b
		}
	}
	return 16
}

// Reduce runs op over src, writing into dst (and dstIdx, for
// index-tracking operators) along reduceAxes. This is the single path
// every reduce_<op> wrapper below funnels through.
func (e *Engine) Reduce(ctx context.Context, op opkind.Op, src, dst, dstIdx *gpuarray.Array, reduceAxes []int) error {
	plan, err := reduxplan.Build(reduxplan.Request{
		Src: src, Dst: dst, DstIdx: dstIdx, ReduceAxes: reduceAxes, Op: op,
	})
	if err != nil {
		return err
	}
	if plan.Empty {
		return e.fillIdentity(plan, op, dst, dstIdx)
	}

	idxType := numeric.Int32
	if dstIdx != nil {
		idxType = dstIdx.DType
	}
	sig := kernelsrc.Signature{
		Op:             op,
		SrcType:        src.DType,
		IdxType:        idxType,
		MaxFreeRank:    rankBucket(len(plan.Free)),
		MaxReducedRank: rankBucket(len(plan.Reduced)),
		BlockSize:      plan.BlockSize,
	}

	pipeline, err := e.ctx.Pipeline(sig)
	if err != nil {
		return errors.Wrap(&reduxplan.Error{Kind: reduxplan.CompileFail, Msg: err.Error()}, "redux: compile pipeline")
	}

	srcBuf, ok := src.Buf.(DeviceBuffer)
	if !ok {
		return errors.New("redux: src buffer does not implement DeviceBuffer")
	}

	elemWidth := src.DType.ByteWidth()
	dstElemBase, dstIdxElemBase := int64(0), int64(0)
	if dst != nil {
		dstElemBase = dst.Offset / int64(elemWidth)
	}
	if dstIdx != nil {
		dstIdxElemBase = dstIdx.Offset / int64(idxType.ByteWidth())
	}

	args, err := launch.Build(plan, src.Offset/int64(elemWidth), dstElemBase, dstIdxElemBase, elemWidth)
	if err != nil {
		return errors.Wrap(&reduxplan.Error{Kind: reduxplan.LaunchFail, Msg: err.Error()}, "redux: build launch args")
	}

	freeBuf, err := e.ctx.AllocStorage(args.FreeAxes)
	if err != nil {
		return errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: err.Error()}, "redux: alloc free-axis descriptors")
	}
	defer e.ctx.Free(freeBuf, uint64(len(args.FreeAxes)))

	reducedBuf, err := e.ctx.AllocStorage(args.ReducedAxes)
	if err != nil {
		return errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: err.Error()}, "redux: alloc reduced-axis descriptors")
	}
	defer e.ctx.Free(reducedBuf, uint64(len(args.ReducedAxes)))

	paramsBuf, err := e.ctx.AllocUniform(args.Params)
	if err != nil {
		return errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: err.Error()}, "redux: alloc params")
	}
	defer e.ctx.Free(paramsBuf, uint64(len(args.Params)))

	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: srcBuf.Handle(), Offset: 0, Size: uint64(srcBuf.ByteLen())},
	}
	binding := uint32(1)
	if op.WritesValue() {
		dstBuf, ok := dst.Buf.(DeviceBuffer)
		if !ok {
			return errors.New("redux: dst buffer does not implement DeviceBuffer")
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: binding, Buffer: dstBuf.Handle(), Offset: 0, Size: uint64(dstBuf.ByteLen())})
		binding++
	}
	if op.TracksIndex() {
		dstIdxBuf, ok := dstIdx.Buf.(DeviceBuffer)
		if !ok {
			return errors.New("redux: dst_idx buffer does not implement DeviceBuffer")
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: binding, Buffer: dstIdxBuf.Handle(), Offset: 0, Size: uint64(dstIdxBuf.ByteLen())})
		binding++
	}
	entries = append(entries,
		wgpu.BindGroupEntry{Binding: binding, Buffer: freeBuf, Offset: 0, Size: uint64(len(args.FreeAxes))},
		wgpu.BindGroupEntry{Binding: binding + 1, Buffer: reducedBuf, Offset: 0, Size: uint64(len(args.ReducedAxes))},
		wgpu.BindGroupEntry{Binding: binding + 2, Buffer: paramsBuf, Offset: 0, Size: uint64(len(args.Params))},
	)

	if err := e.ctx.Dispatch(ctx, pipeline, entries, args.Workgroups); err != nil {
		return errors.Wrap(&reduxplan.Error{Kind: reduxplan.LaunchFail, Msg: err.Error()}, "redux: dispatch")
	}
	return nil
}

// fillIdentity implements spec §4.1's Size-0 rule: no kernel launches,
// the engine writes the operator's identity element (and 0 for
// argument indices) to every dst cell directly.
func (e *Engine) fillIdentity(plan *reduxplan.Plan, op opkind.Op, dst, dstIdx *gpuarray.Array) error {
	if plan.M == 0 {
		return nil
	}
	isFloat := plan.DType.IsFloat()

	var dstBuf, dstIdxBuf DeviceBuffer
	var identityBytes, zeroIdxBytes []byte
	if op.WritesValue() {
		buf, ok := dst.Buf.(DeviceBuffer)
		if !ok {
			return errors.New("redux: dst buffer does not implement DeviceBuffer")
		}
		dstBuf = buf
		var err error
		identityBytes, err = reduxref.EncodeElem(plan.DType, op.RefIdentity(isFloat))
		if err != nil {
			return errors.Wrap(err, "redux: encode identity")
		}
	}
	if op.TracksIndex() {
		buf, ok := dstIdx.Buf.(DeviceBuffer)
		if !ok {
			return errors.New("redux: dst_idx buffer does not implement DeviceBuffer")
		}
		dstIdxBuf = buf
		var err error
		zeroIdxBytes, err = reduxref.EncodeElem(dstIdx.DType, opkind.RefValue{})
		if err != nil {
			return errors.Wrap(err, "redux: encode zero index")
		}
	}

	for m := int64(0); m < plan.M; m++ {
		rem := m
		var dstOff, dstIdxOff int64
		for _, ax := range plan.Free {
			coord := rem % ax.Length
			rem /= ax.Length
			dstOff += coord * ax.DstStride
			if ax.HasDstIdx {
				dstIdxOff += coord * ax.DstIdxStride
			}
		}
		if dstBuf != nil {
			if err := e.ctx.WriteBuffer(dstBuf.Handle(), uint64(dst.Offset+dstOff), identityBytes); err != nil {
				return errors.Wrap(err, "redux: write identity")
			}
		}
		if dstIdxBuf != nil {
			if err := e.ctx.WriteBuffer(dstIdxBuf.Handle(), uint64(dstIdx.Offset+dstIdxOff), zeroIdxBytes); err != nil {
				return errors.Wrap(err, "redux: write zero index")
			}
		}
	}
	return nil
}

func (e *Engine) ReduceSum(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Sum, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceProd(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Prod, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceProdNZ(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.ProdNZ, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceMax(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Max, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceMin(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Min, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceAnd(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.And, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceOr(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Or, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceXor(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Xor, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceAny(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Any, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceAll(ctx context.Context, src, dst *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.All, src, dst, nil, reduceAxes)
}

func (e *Engine) ReduceArgmax(ctx context.Context, src, dstIdx *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Argmax, src, nil, dstIdx, reduceAxes)
}

func (e *Engine) ReduceArgmin(ctx context.Context, src, dstIdx *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.Argmin, src, nil, dstIdx, reduceAxes)
}

func (e *Engine) ReduceMaxAndArgmax(ctx context.Context, src, dst, dstIdx *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.MaxAndArgmax, src, dst, dstIdx, reduceAxes)
}

func (e *Engine) ReduceMinAndArgmin(ctx context.Context, src, dst, dstIdx *gpuarray.Array, reduceAxes []int) error {
	return e.Reduce(ctx, opkind.MinAndArgmin, src, dst, dstIdx, reduceAxes)
}
