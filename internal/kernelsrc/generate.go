// Package kernelsrc generates WGSL compute-shader source for the
// reduction engine's runtime-programmable kernel (spec §4.2). One
// generated kernel handles any shape and stride within its static
// signature's rank bounds, because shape and stride are passed as
// launch arguments rather than baked into the source.
//
// Intra-block combination is implemented as a shared-memory segmented
// tree reduction rather than warp-shuffle intrinsics: WGSL has no
// portable shuffle built-in (subgroup operations are an optional
// extension), and neither the teacher (born-ml/born's
// globalSumShader/globalArgmaxShader) nor openfluke-loom's
// GenerateShader use shuffles either — both reduce purely through
// workgroup shared memory with workgroupBarrier() staging. The same
// shared-memory tree here plays the role of spec §4.2's warp-shuffle
// stage 2 and the inter-warp stage 3: segmenting the tree by
// ThreadsPerReduction collapses to "no shared reduction" when that
// equals 1 (StrategyPackedWarp), to a single warp-sized tree when it
// is 32 (StrategyWarpShuffle), and to a full block tree when it spans
// the block (StrategyBlockTree) — one kernel body serves all three.
package kernelsrc

import (
	"fmt"
	"strings"

	"github.com/born-ml/redux/internal/numeric"
	"github.com/born-ml/redux/internal/opkind"
)

// Signature is the kernel's static cache key (spec §4.3): everything
// that must be baked into the compiled source rather than passed as a
// launch argument.
type Signature struct {
	Op             opkind.Op
	SrcType        numeric.DType
	IdxType        numeric.DType // zero value ignored unless Op.TracksIndex()
	MaxFreeRank    int
	MaxReducedRank int
	BlockSize      int
}

// Key returns a stable string uniquely identifying the signature,
// suitable as an in-memory map key (internal/gpucontext additionally
// hashes this for the on-disk cache filename, per spec §6).
func (s Signature) Key() string {
	return fmt.Sprintf("%s_%s_%s_f%d_r%d_b%d",
		s.Op, s.SrcType, s.IdxType, s.MaxFreeRank, s.MaxReducedRank, s.BlockSize)
}

// Generate produces WGSL source for sig. It is deterministic: the same
// Signature always yields byte-identical source, which is what makes
// the kernel-binary cache of internal/gpucontext sound.
func Generate(sig Signature) (string, error) {
	if !sig.Op.SupportsType(sig.SrcType) {
		return "", fmt.Errorf("kernelsrc: op %s does not support type %s", sig.Op, sig.SrcType)
	}
	if sig.MaxFreeRank < 0 || sig.MaxReducedRank < 1 {
		return "", fmt.Errorf("kernelsrc: invalid rank bounds (free=%d, reduced=%d)", sig.MaxFreeRank, sig.MaxReducedRank)
	}
	if sig.BlockSize <= 0 {
		return "", fmt.Errorf("kernelsrc: invalid block size %d", sig.BlockSize)
	}

	accType := sig.SrcType.AccumulatorType()
	wgslT := sig.SrcType.WGSL()
	wgslAcc := accType.WGSL()
	wgslIdx := sig.IdxType.WGSL()

	tracksIdx := sig.Op.TracksIndex()
	writesVal := sig.Op.WritesValue()
	comparison := sig.Op.NeedsFirstElementSeed()

	var b strings.Builder

	fmt.Fprint(&b, structDecls)

	binding := 0
	fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read> src: array<%s>;\n", binding, wgslT)
	binding++
	if writesVal {
		fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read_write> dst: array<%s>;\n", binding, wgslT)
		binding++
	}
	if tracksIdx {
		fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read_write> dst_idx: array<%s>;\n", binding, wgslIdx)
		binding++
	}
	fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read> free_axes: array<FreeAxisDesc, %d>;\n", binding, maxInt(sig.MaxFreeRank, 1))
	binding++
	fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read> reduced_axes: array<ReducedAxisDesc, %d>;\n", binding, sig.MaxReducedRank)
	binding++
	fmt.Fprintf(&b, "@group(0) @binding(%d) var<uniform> params: Params;\n\n", binding)

	fmt.Fprintf(&b, "var<workgroup> shared_val: array<%s, %du>;\n", wgslAcc, sig.BlockSize)
	if tracksIdx {
		fmt.Fprintf(&b, "var<workgroup> shared_idx: array<%s, %du>;\n", wgslIdx, sig.BlockSize)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "fn loadElem(off: i32) -> %s {\n", wgslT)
	b.WriteString("    return src[u32(i32(params.src_base) + off)];\n")
	b.WriteString("}\n\n")

	fmt.Fprintf(&b, reducedOffsetFunc, sig.MaxReducedRank)

	fmt.Fprintf(&b, "@compute @workgroup_size(%du)\n", sig.BlockSize)
	b.WriteString("fn main(\n")
	b.WriteString("    @builtin(workgroup_id) wg_id: vec3<u32>,\n")
	b.WriteString("    @builtin(local_invocation_id) local_id: vec3<u32>\n")
	b.WriteString(") {\n")
	b.WriteString("    let tid = local_id.x;\n")
	b.WriteString("    let group = tid / params.threads_per_reduction;\n")
	b.WriteString("    let lane = tid % params.threads_per_reduction;\n")
	b.WriteString("    let reduction_idx = wg_id.x * params.reductions_per_block + group;\n")
	b.WriteString("    if (reduction_idx >= params.m) { return; }\n\n")

	fmt.Fprintf(&b, freeOffsetBody, sig.MaxFreeRank)

	b.WriteString("    // Sequential stage: seed from this thread's first assigned element,\n")
	b.WriteString("    // then fold the rest. The accumulator is never initialised from dst,\n")
	b.WriteString("    // so a pre-filled sentinel in dst can never leak into the result.\n")
	b.WriteString("    let seed = reducedOffset(lane, src_free_off);\n")
	loadExpr := loadTransform(sig.Op, "loadElem(seed.src_off)", sig.SrcType, wgslAcc)
	fmt.Fprintf(&b, "    var acc: %s = %s;\n", wgslAcc, loadExpr)
	if tracksIdx {
		b.WriteString("    var acc_idx: u32 = seed.flat_idx;\n")
	}
	b.WriteString("    var k: u32 = lane + params.threads_per_reduction;\n")
	b.WriteString("    loop {\n")
	b.WriteString("        if (k >= params.n) { break; }\n")
	b.WriteString("        let pos = reducedOffset(k, src_free_off);\n")
	loadExprLoop := loadTransform(sig.Op, "loadElem(pos.src_off)", sig.SrcType, wgslAcc)
	fmt.Fprintf(&b, "        let val: %s = %s;\n", wgslAcc, loadExprLoop)

	writeCombineStep(&b, sig.Op, comparison, tracksIdx, wgslAcc)

	b.WriteString("        k = k + params.threads_per_reduction;\n")
	b.WriteString("    }\n\n")

	b.WriteString("    shared_val[tid] = acc;\n")
	if tracksIdx {
		b.WriteString("    shared_idx[tid] = acc_idx;\n")
	}
	b.WriteString("    workgroupBarrier();\n\n")

	b.WriteString("    // Segmented tree reduction: collapses to a no-op when\n")
	b.WriteString("    // threads_per_reduction == 1 (StrategyPackedWarp), to a single pass\n")
	b.WriteString("    // when it is warp-sized (StrategyWarpShuffle), and to a full tree when\n")
	b.WriteString("    // it spans the block (StrategyBlockTree).\n")
	b.WriteString("    var s: u32 = params.threads_per_reduction / 2u;\n")
	b.WriteString("    loop {\n")
	b.WriteString("        if (s == 0u) { break; }\n")
	b.WriteString("        if (lane < s) {\n")
	fmt.Fprintf(&b, "            let other: %s = shared_val[tid + s];\n", wgslAcc)
	if tracksIdx {
		b.WriteString("            let other_idx = shared_idx[tid + s];\n")
	}
	writeTreeCombineStep(&b, sig.Op, comparison, tracksIdx, wgslAcc)
	b.WriteString("        }\n")
	b.WriteString("        workgroupBarrier();\n")
	b.WriteString("        s = s / 2u;\n")
	b.WriteString("    }\n\n")

	b.WriteString("    if (lane == 0u) {\n")
	if writesVal {
		b.WriteString("        let out_idx = u32(i32(params.dst_base) + dst_free_off);\n")
		fmt.Fprintf(&b, "        dst[out_idx] = %s(shared_val[tid]);\n", wgslT)
	}
	if tracksIdx {
		b.WriteString("        let out_idx_pos = u32(i32(params.dst_idx_base) + dst_idx_free_off);\n")
		b.WriteString("        dst_idx[out_idx_pos] = shared_idx[tid];\n")
	}
	b.WriteString("    }\n")
	b.WriteString("}\n")

	return b.String(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

const structDecls = `struct FreeAxisDesc {
    length: u32,
    src_stride: i32,
    dst_stride: i32,
    dst_idx_stride: i32,
};

struct ReducedAxisDesc {
    length: u32,
    src_stride: i32,
    arg_weight: u32,
};

// 12 x 4-byte fields = 48 bytes, a multiple of the 16-byte alignment
// uniform buffers require (internal/launch rounds every uniform
// upload to this boundary, matching the teacher's createUniformBuffer).
struct Params {
    m: u32,
    n: u32,
    free_rank: u32,
    reduced_rank: u32,
    threads_per_reduction: u32,
    reductions_per_block: u32,
    src_base: u32,
    dst_base: u32,
    dst_idx_base: u32,
    _pad0: u32,
    _pad1: u32,
    _pad2: u32,
};

struct ReducedPos {
    src_off: i32,
    flat_idx: u32,
};

`

const reducedOffsetFunc = `// reducedOffset decomposes a flat reduced-space position k into
// per-reduced-axis coordinates and returns the resulting source
// offset. Axes are consumed from last to first so the first-listed
// reduce axis carries the highest place value, matching arg_weight's
// convention: k then already enumerates the same mixed-radix space
// arg_weight was built from, so the flat argument index equals k
// directly; arg_weight itself lives on the plan for inspection and is
// not needed again here.
fn reducedOffset(k: u32, src_free_off: i32) -> ReducedPos {
    var rrem: u32 = k;
    var src_off: i32 = src_free_off;
    for (var ia: u32 = 0u; ia < %du; ia = ia + 1u) {
        if (ia < params.reduced_rank) {
            let a = params.reduced_rank - 1u - ia;
            let ax = reduced_axes[a];
            let coord = rrem %% ax.length;
            rrem = rrem / ax.length;
            src_off = src_off + i32(coord) * ax.src_stride;
        }
    }
    var result: ReducedPos;
    result.src_off = src_off;
    result.flat_idx = k;
    return result;
}

`

const freeOffsetBody = `    // Decompose reduction_idx into per-free-axis coordinates and
    // accumulate the fixed offsets shared by every thread in this group.
    var rem: u32 = reduction_idx;
    var src_free_off: i32 = 0;
    var dst_free_off: i32 = 0;
    var dst_idx_free_off: i32 = 0;
    for (var a: u32 = 0u; a < %du; a = a + 1u) {
        if (a < params.free_rank) {
            let ax = free_axes[a];
            let coord = rem %% ax.length;
            rem = rem / ax.length;
            src_free_off = src_free_off + i32(coord) * ax.src_stride;
            dst_free_off = dst_free_off + i32(coord) * ax.dst_stride;
            dst_idx_free_off = dst_idx_free_off + i32(coord) * ax.dst_idx_stride;
        }
    }

`

// loadTransform applies the operator's load-time transform (spec §4.2
// stage 1) in the source element type, then casts the result into the
// accumulator type. prodnz's zero-substitution must compare against
// zero in the source's own representation, before any widening.
func loadTransform(op opkind.Op, raw string, srcType numeric.DType, wgslAcc string) string {
	transformed := op.LoadTransform(raw, srcType)
	return fmt.Sprintf("%s(%s)", wgslAcc, transformed)
}

func writeCombineStep(b *strings.Builder, op opkind.Op, comparison, tracksIdx bool, wgslAcc string) {
	if !comparison {
		fmt.Fprintf(b, "        acc = %s;\n", op.CombineExpr("acc", "val"))
		return
	}
	cond := "val > acc"
	if !op.IsMaxFamily() {
		cond = "val < acc"
	}
	if wgslAcc == "f32" {
		cond = "(val != val) || (" + cond + ")"
	}
	fmt.Fprintf(b, "        if (%s) {\n", cond)
	b.WriteString("            acc = val;\n")
	if tracksIdx {
		b.WriteString("            acc_idx = pos.flat_idx;\n")
	}
	b.WriteString("        }\n")
}

// writeTreeCombineStep emits the inter-thread combine used by the
// shared-memory tree reduction. Unlike the sequential per-thread stage
// (writeCombineStep), where a strict > / < comparison over strictly
// increasing k already leaves a tie on the earlier (lower-index)
// value, this stage merges two threads' already-reduced champions in
// an order that says nothing about which one holds the lower flat
// index. On an exact value tie it must therefore compare
// other_idx/shared_idx[tid] explicitly and keep the lower one, or the
// tree can surface a higher index than the true lowest-index winner.
func writeTreeCombineStep(b *strings.Builder, op opkind.Op, comparison, tracksIdx bool, wgslAcc string) {
	if !comparison {
		fmt.Fprintf(b, "            shared_val[tid] = %s;\n", op.CombineExpr("shared_val[tid]", "other"))
		return
	}
	cond := "other > shared_val[tid]"
	if !op.IsMaxFamily() {
		cond = "other < shared_val[tid]"
	}
	if wgslAcc == "f32" {
		cond = "(other != other) || (" + cond + ")"
	}
	if tracksIdx {
		cond = "(" + cond + ") || (other == shared_val[tid] && other_idx < shared_idx[tid])"
	}
	fmt.Fprintf(b, "            if (%s) {\n", cond)
	b.WriteString("                shared_val[tid] = other;\n")
	if tracksIdx {
		b.WriteString("                shared_idx[tid] = other_idx;\n")
	}
	b.WriteString("            }\n")
}
