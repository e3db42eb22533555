// Package reduxplan implements the reduction planner: it classifies a
// source tensor's axes into free and reduced sets, sorts and coalesces
// them for memory-friendly iteration, and partitions the work across
// GPU blocks/warps/threads (spec §4.1).
package reduxplan

import (
	"sort"

	"github.com/born-ml/redux/internal/gpuarray"
	"github.com/born-ml/redux/internal/numeric"
	"github.com/born-ml/redux/internal/opkind"
)

// WarpSize is the number of threads the planner assumes cooperate
// lock-step within a single intra-warp reduction (spec §4.1).
const WarpSize = 32

// DefaultBlockSize is the planner's default thread-block size when the
// caller does not override it.
const DefaultBlockSize = 256

// Strategy is the intra-block reduction strategy the planner selects
// based on fibre size N (spec §4.1, §4.2).
type Strategy int

const (
	// StrategyPackedWarp packs multiple independent reductions into one
	// warp with thread-private accumulation (N < WarpSize).
	StrategyPackedWarp Strategy = iota
	// StrategyWarpShuffle dedicates one warp per reduction, combining
	// via warp shuffles (WarpSize <= N < 256).
	StrategyWarpShuffle
	// StrategyBlockTree dedicates multiple warps per reduction, combining
	// via a shared-memory tree followed by a final shuffle (N >= 256).
	StrategyBlockTree
)

// FreeAxis describes one free (surviving) axis in the plan's chosen
// iteration order: stride-sorted and coalesced, but always tagged with
// the destination stride it corresponds to in source order (spec §3).
type FreeAxis struct {
	Length       int64
	SrcStride    int64
	DstStride    int64
	HasDstIdx    bool
	DstIdxStride int64
}

// ReducedAxis describes one reduced axis, kept in the caller's original
// order (spec §3: "not the ascending-stride order used for F").
type ReducedAxis struct {
	Length      int64
	SrcStride   int64
	ArgWeight   int64
}

// Plan is the reduction planner's output: everything the kernel-source
// generator and launch configurator need to execute one reduction
// (spec §3).
type Plan struct {
	Free    []FreeAxis
	Reduced []ReducedAxis

	M int64 // product of free-axis lengths: independent parallel reductions
	N int64 // product of reduced-axis lengths: size of each reduction

	Op    opkind.Op
	DType numeric.DType

	// HotAxis is the index into Reduced of the axis with the smallest
	// |SrcStride| — the axis warp threads stride along sequentially
	// (spec §4.1 "hot axis").
	HotAxis int

	Strategy            Strategy
	ThreadsPerReduction int
	ReductionsPerBlock  int
	Grid                int
	BlockSize           int

	// Empty is true when any source axis has length 0: the engine
	// writes identities directly and launches no kernel (spec §4.1).
	Empty bool
}

// Request bundles a caller's reduction call before planning (spec §3).
type Request struct {
	Src        *gpuarray.Array
	Dst        *gpuarray.Array
	DstIdx     *gpuarray.Array // nil unless Op.TracksIndex()
	ReduceAxes []int
	Op         opkind.Op
	BlockSize  int // 0 selects DefaultBlockSize
}

// Build validates req and produces a Plan, or an *Error describing the
// first validation failure encountered (spec §4.1 "Failures").
func Build(req Request) (*Plan, error) {
	if err := validateArrays(req); err != nil {
		return nil, err
	}
	if err := validateIndexPresence(req); err != nil {
		return nil, err
	}
	if !req.Op.SupportsType(req.Src.DType) {
		return nil, newErr(BadType, "op %s does not support element type %s", req.Op, req.Src.DType)
	}
	if !req.Src.DType.GPUSupported() {
		return nil, newErr(BadType, "element type %s has no GPU representation; use internal/reduxref directly", req.Src.DType)
	}
	if req.DstIdx != nil && !req.DstIdx.DType.GPUSupported() {
		return nil, newErr(BadType, "dst_idx type %s has no GPU representation; use internal/reduxref directly", req.DstIdx.DType)
	}

	rank := req.Src.Rank()
	reduceSet, err := normalizeAxes(req.ReduceAxes, rank)
	if err != nil {
		return nil, err
	}

	if req.Dst.Rank() != rank-len(reduceSet) {
		return nil, newErr(BadRank, "dst rank %d, want %d (src rank %d minus %d reduced axes)",
			req.Dst.Rank(), rank-len(reduceSet), rank, len(reduceSet))
	}

	freeSrcAxes := make([]int, 0, rank-len(reduceSet))
	for i := 0; i < rank; i++ {
		if !reduceSet[i] {
			freeSrcAxes = append(freeSrcAxes, i)
		}
	}

	if err := validateFreeShapeMatch(req, freeSrcAxes); err != nil {
		return nil, err
	}

	p := &Plan{
		Op:        req.Op,
		DType:     req.Src.DType,
		BlockSize: req.BlockSize,
	}
	if p.BlockSize == 0 {
		p.BlockSize = DefaultBlockSize
	}

	p.Free = buildFreeAxes(req, freeSrcAxes)
	p.Reduced = buildReducedAxes(req, req.ReduceAxes)

	p.M = productFreeLengths(p.Free)
	p.N = productReducedLengths(p.Reduced)

	if req.Src.HasZeroLength() || req.Dst.HasZeroLength() {
		p.Empty = true
		return p, nil
	}

	p.Free = sortAndCoalesceFree(p.Free)
	if !req.Op.TracksIndex() {
		p.Reduced = coalesceReduced(p.Reduced)
	}
	p.HotAxis = hotAxis(p.Reduced)

	applyWorkloadSplit(p)

	return p, nil
}

func validateArrays(req Request) error {
	if err := req.Src.Validate(); err != nil {
		return newErr(BadShape, "invalid src: %v", err)
	}
	if err := req.Dst.Validate(); err != nil {
		return newErr(BadShape, "invalid dst: %v", err)
	}
	if req.DstIdx != nil {
		if err := req.DstIdx.Validate(); err != nil {
			return newErr(BadShape, "invalid dst_idx: %v", err)
		}
	}
	return nil
}

func validateIndexPresence(req Request) error {
	wantsIdx := req.Op.TracksIndex()
	hasIdx := req.DstIdx != nil
	switch {
	case wantsIdx && !hasIdx:
		return newErr(MissingIndex, "op %s requires dst_idx", req.Op)
	case !wantsIdx && hasIdx:
		return newErr(UnexpectedIndex, "op %s does not accept dst_idx", req.Op)
	}
	if hasIdx && !req.DstIdx.DType.IsInteger() {
		return newErr(BadType, "dst_idx must be an integer type, got %s", req.DstIdx.DType)
	}
	return nil
}

// normalizeAxes validates reduceAxes against rank and returns a
// membership set (BAD_AXIS on out-of-range or repeated axis).
func normalizeAxes(reduceAxes []int, rank int) (map[int]bool, error) {
	set := make(map[int]bool, len(reduceAxes))
	for _, a := range reduceAxes {
		if a < 0 || a >= rank {
			return nil, newErr(BadAxis, "reduce axis %d out of range for rank %d", a, rank)
		}
		if set[a] {
			return nil, newErr(BadAxis, "reduce axis %d repeated", a)
		}
		set[a] = true
	}
	return set, nil
}

// validateFreeShapeMatch checks that src's free axes, in source order,
// have the same lengths as dst's axes in order (spec §3, BAD_SHAPE).
func validateFreeShapeMatch(req Request, freeSrcAxes []int) error {
	if len(freeSrcAxes) != req.Dst.Rank() {
		return newErr(BadShape, "free axis count %d does not match dst rank %d", len(freeSrcAxes), req.Dst.Rank())
	}
	for i, srcAxis := range freeSrcAxes {
		if req.Src.Lengths[srcAxis] != req.Dst.Lengths[i] {
			return newErr(BadShape, "free axis %d has length %d in src but %d in dst",
				srcAxis, req.Src.Lengths[srcAxis], req.Dst.Lengths[i])
		}
	}
	if req.DstIdx != nil {
		for i := range freeSrcAxes {
			if req.DstIdx.Lengths[i] != req.Dst.Lengths[i] {
				return newErr(BadShape, "dst_idx axis %d has length %d, want %d matching dst",
					i, req.DstIdx.Lengths[i], req.Dst.Lengths[i])
			}
		}
	}
	return nil
}

func buildFreeAxes(req Request, freeSrcAxes []int) []FreeAxis {
	out := make([]FreeAxis, len(freeSrcAxes))
	for i, srcAxis := range freeSrcAxes {
		fa := FreeAxis{
			Length:    req.Src.Lengths[srcAxis],
			SrcStride: req.Src.Strides[srcAxis],
			DstStride: req.Dst.Strides[i],
		}
		if req.DstIdx != nil {
			fa.HasDstIdx = true
			fa.DstIdxStride = req.DstIdx.Strides[i]
		}
		out[i] = fa
	}
	return out
}

func buildReducedAxes(req Request, reduceAxes []int) []ReducedAxis {
	out := make([]ReducedAxis, len(reduceAxes))
	for i, srcAxis := range reduceAxes {
		out[i] = ReducedAxis{
			Length:    req.Src.Lengths[srcAxis],
			SrcStride: req.Src.Strides[srcAxis],
		}
	}
	// argmax_weight[i] = product of lengths of axes after i, in caller order (spec §3).
	weight := int64(1)
	for i := len(out) - 1; i >= 0; i-- {
		out[i].ArgWeight = weight
		weight *= out[i].Length
	}
	return out
}

func productFreeLengths(free []FreeAxis) int64 {
	n := int64(1)
	for _, f := range free {
		n *= f.Length
	}
	return n
}

func productReducedLengths(reduced []ReducedAxis) int64 {
	n := int64(1)
	for _, r := range reduced {
		n *= r.Length
	}
	return n
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// sortAndCoalesceFree sorts the launch iteration order of free axes by
// ascending |src stride| and coalesces adjacent axes that are
// contiguous in both src and dst, to a fixed point (spec §4.1).
func sortAndCoalesceFree(free []FreeAxis) []FreeAxis {
	sorted := append([]FreeAxis(nil), free...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return abs64(sorted[i].SrcStride) < abs64(sorted[j].SrcStride)
	})

	for {
		merged := false
		out := make([]FreeAxis, 0, len(sorted))
		i := 0
		for i < len(sorted) {
			if i+1 < len(sorted) && freeContiguous(sorted[i], sorted[i+1]) {
				inner, outer := sorted[i], sorted[i+1]
				out = append(out, FreeAxis{
					Length:       inner.Length * outer.Length,
					SrcStride:    inner.SrcStride,
					DstStride:    inner.DstStride,
					HasDstIdx:    inner.HasDstIdx,
					DstIdxStride: inner.DstIdxStride,
				})
				i += 2
				merged = true
				continue
			}
			out = append(out, sorted[i])
			i++
		}
		sorted = out
		if !merged {
			break
		}
	}
	return sorted
}

// freeContiguous reports whether inner (smaller |stride|) and outer
// axes are memory-contiguous in both src and dst, matching sign.
func freeContiguous(inner, outer FreeAxis) bool {
	if inner.SrcStride*inner.Length != outer.SrcStride {
		return false
	}
	if inner.DstStride*inner.Length != outer.DstStride {
		return false
	}
	if inner.HasDstIdx != outer.HasDstIdx {
		return false
	}
	if inner.HasDstIdx && inner.DstIdxStride*inner.Length != outer.DstIdxStride {
		return false
	}
	return true
}

// coalesceReduced merges adjacent (in caller order) reduced axes whose
// src strides are memory-contiguous. Only called when the operator does
// not track an index, since argmax requires stable digit boundaries
// (spec §4.1).
func coalesceReduced(reduced []ReducedAxis) []ReducedAxis {
	cur := append([]ReducedAxis(nil), reduced...)
	for {
		merged := false
		out := make([]ReducedAxis, 0, len(cur))
		i := 0
		for i < len(cur) {
			if i+1 < len(cur) && reducedContiguous(cur[i], cur[i+1]) {
				inner, outer := cur[i], cur[i+1]
				out = append(out, ReducedAxis{
					Length:    inner.Length * outer.Length,
					SrcStride: inner.SrcStride,
					ArgWeight: outer.ArgWeight,
				})
				i += 2
				merged = true
				continue
			}
			out = append(out, cur[i])
			i++
		}
		cur = out
		if !merged {
			break
		}
	}
	return cur
}

func reducedContiguous(inner, outer ReducedAxis) bool {
	return inner.SrcStride*inner.Length == outer.SrcStride
}

// hotAxis returns the index into reduced of the axis with the smallest
// |SrcStride| (spec §4.1 "hot axis"); 0 for an empty/rank-0 reduction.
func hotAxis(reduced []ReducedAxis) int {
	if len(reduced) == 0 {
		return 0
	}
	best := 0
	for i := 1; i < len(reduced); i++ {
		if abs64(reduced[i].SrcStride) < abs64(reduced[best].SrcStride) {
			best = i
		}
	}
	return best
}

// applyWorkloadSplit chooses the intra-block strategy and grid/block
// shape per the spec §4.1 rule of thumb.
func applyWorkloadSplit(p *Plan) {
	switch {
	case p.N < WarpSize:
		p.Strategy = StrategyPackedWarp
		p.ThreadsPerReduction = 1
	case p.N < 256:
		p.Strategy = StrategyWarpShuffle
		p.ThreadsPerReduction = WarpSize
	default:
		p.Strategy = StrategyBlockTree
		p.ThreadsPerReduction = p.BlockSize
	}

	p.ReductionsPerBlock = p.BlockSize / p.ThreadsPerReduction
	if p.ReductionsPerBlock < 1 {
		p.ReductionsPerBlock = 1
	}

	if p.M == 0 {
		p.Grid = 0
		return
	}
	p.Grid = int((p.M + int64(p.ReductionsPerBlock) - 1) / int64(p.ReductionsPerBlock))
}
