// Package launch turns a reduxplan.Plan into concrete kernel-invocation
// arguments: the FreeAxisDesc/ReducedAxisDesc storage buffers, the
// Params uniform buffer, and the workgroup dispatch count described by
// internal/kernelsrc's generated WGSL (spec §4.3). It is the Go-side
// mirror of internal/backend/webgpu/compute.go's runBinaryOp/runUnaryOp
// parameter-marshalling, generalized from a flat elementwise dispatch
// to the planner's block/warp partition.
package launch

import (
	"encoding/binary"

	"github.com/born-ml/redux/internal/reduxplan"
	"github.com/pkg/errors"
)

// uniformAlign rounds byte lengths up to WebGPU's uniform-buffer
// alignment requirement, matching the teacher's createUniformBuffer.
func uniformAlign(n int) int {
	return (n + 15) &^ 15
}

// FreeAxisDesc mirrors internal/kernelsrc's WGSL FreeAxisDesc struct
// byte-for-byte: four little-endian 4-byte fields.
type FreeAxisDesc struct {
	Length       uint32
	SrcStride    int32
	DstStride    int32
	DstIdxStride int32
}

func (d FreeAxisDesc) appendTo(buf []byte) []byte {
	var tmp [16]byte
	binary.LittleEndian.PutUint32(tmp[0:4], d.Length)
	binary.LittleEndian.PutUint32(tmp[4:8], uint32(d.SrcStride))
	binary.LittleEndian.PutUint32(tmp[8:12], uint32(d.DstStride))
	binary.LittleEndian.PutUint32(tmp[12:16], uint32(d.DstIdxStride))
	return append(buf, tmp[:]...)
}

// ReducedAxisDesc mirrors internal/kernelsrc's WGSL ReducedAxisDesc.
type ReducedAxisDesc struct {
	Length    uint32
	SrcStride int32
	ArgWeight uint32
}

func (d ReducedAxisDesc) appendTo(buf []byte) []byte {
	var tmp [12]byte
	binary.LittleEndian.PutUint32(tmp[0:4], d.Length)
	binary.LittleEndian.PutUint32(tmp[4:8], uint32(d.SrcStride))
	binary.LittleEndian.PutUint32(tmp[8:12], d.ArgWeight)
	return append(buf, tmp[:]...)
}

// Params mirrors internal/kernelsrc's WGSL Params uniform struct.
type Params struct {
	M                   uint32
	N                   uint32
	FreeRank            uint32
	ReducedRank         uint32
	ThreadsPerReduction uint32
	ReductionsPerBlock  uint32
	SrcBase             uint32
	DstBase             uint32
	DstIdxBase          uint32
}

func (p Params) bytes() []byte {
	buf := make([]byte, 0, 48)
	var tmp [4]byte
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	put(p.M)
	put(p.N)
	put(p.FreeRank)
	put(p.ReducedRank)
	put(p.ThreadsPerReduction)
	put(p.ReductionsPerBlock)
	put(p.SrcBase)
	put(p.DstBase)
	put(p.DstIdxBase)
	put(0) // _pad0
	put(0) // _pad1
	put(0) // _pad2
	return buf
}

// Args is the fully-marshalled kernel invocation for one Plan: the raw
// byte payloads for the free/reduced axis storage buffers and the
// Params uniform buffer, plus the workgroup dispatch count. It is
// deliberately backend-agnostic — internal/gpucontext is what turns
// these bytes into actual wgpu.Buffer uploads.
type Args struct {
	FreeAxes    []byte
	ReducedAxes []byte
	Params      []byte
	Workgroups  uint32
}

// Build marshals p (and the byte element offsets of the three device
// arrays) into an Args ready for dispatch. srcBase/dstBase/dstIdxBase
// are element offsets, not byte offsets — the kernel adds them to the
// per-axis byte stride math after converting to element units via
// ElementStrides.
func Build(p *reduxplan.Plan, srcElemBase, dstElemBase, dstIdxElemBase int64, elemWidth int) (*Args, error) {
	if p == nil {
		return nil, errors.New("launch: nil plan")
	}
	if p.Empty {
		return nil, errors.New("launch: cannot build launch args for an empty reduction")
	}
	if elemWidth <= 0 {
		return nil, errors.Errorf("launch: invalid element width %d", elemWidth)
	}

	freeBytes := make([]byte, 0, len(p.Free)*16)
	for _, f := range p.Free {
		dstIdxStride := int64(0)
		if f.HasDstIdx {
			dstIdxStride = f.DstIdxStride
		}
		desc := FreeAxisDesc{
			Length:       uint32(f.Length),
			SrcStride:    int32(elementStride(f.SrcStride, elemWidth)),
			DstStride:    int32(elementStride(f.DstStride, elemWidth)),
			DstIdxStride: int32(elementStride(dstIdxStride, elemWidth)),
		}
		freeBytes = desc.appendTo(freeBytes)
	}

	reducedBytes := make([]byte, 0, len(p.Reduced)*12)
	for _, r := range p.Reduced {
		desc := ReducedAxisDesc{
			Length:    uint32(r.Length),
			SrcStride: int32(elementStride(r.SrcStride, elemWidth)),
			ArgWeight: uint32(r.ArgWeight),
		}
		reducedBytes = desc.appendTo(reducedBytes)
	}

	params := Params{
		M:                   uint32(p.M),
		N:                   uint32(p.N),
		FreeRank:            uint32(len(p.Free)),
		ReducedRank:         uint32(len(p.Reduced)),
		ThreadsPerReduction: uint32(p.ThreadsPerReduction),
		ReductionsPerBlock:  uint32(p.ReductionsPerBlock),
		SrcBase:             uint32(srcElemBase),
		DstBase:             uint32(dstElemBase),
		DstIdxBase:          uint32(dstIdxElemBase),
	}

	return &Args{
		FreeAxes:    freeBytes,
		ReducedAxes: reducedBytes,
		Params:      params.bytes(),
		Workgroups:  uint32(p.Grid),
	}, nil
}

// elementStride converts a signed byte stride into a signed element
// stride. The plan's strides are always exact multiples of elemWidth
// because internal/gpuarray validates this on construction.
func elementStride(byteStride int64, elemWidth int) int64 {
	return byteStride / int64(elemWidth)
}

// UniformSize returns the 16-byte-aligned size the Params payload must
// be uploaded as, matching the teacher's createUniformBuffer rounding.
func UniformSize(params []byte) int {
	return uniformAlign(len(params))
}
