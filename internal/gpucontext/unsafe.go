package gpucontext

import "unsafe"

// mappedBytes views a CreateBuffer-mapped pointer as a byte slice for
// the duration of the map, mirroring the teacher's
// createBuffer/createUniformBuffer helpers in
// internal/backend/webgpu/compute.go.
func mappedBytes(ptr unsafe.Pointer, size uint64) []byte {
	//nolint:gosec // unsafe.Slice for zero-copy conversion from a wgpu-mapped pointer
	return unsafe.Slice((*byte)(ptr), size)
}
