// Package gpucontext owns the engine's external GPU context
// collaborator (spec §5, §6): adapter/device/queue acquisition,
// buffer allocation, shader compilation, and the process-wide kernel
// binary cache. It generalizes born-ml/born's
// internal/backend/webgpu.Backend — which owns exactly one concrete
// GPU backend (WebGPU) and one shader/pipeline cache pair guarded by a
// single RWMutex — into a context whose cache key is a
// kernelsrc.Signature rather than a shader name string, and whose
// kernel-source layer is additionally persisted to disk so that a
// process restart does not pay kernelsrc.Generate + shader compilation
// again for every signature it has already seen.
package gpucontext

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/born-ml/redux/internal/kernelsrc"
	"github.com/born-ml/redux/internal/reduxplan"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is the engine's handle on the GPU: instance, adapter,
// device, queue, plus the shader and pipeline caches keyed by kernel
// signature (spec §6's "Persisted state").
type Context struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu        sync.RWMutex
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline

	diskCacheDir string

	memMu          sync.Mutex
	bytesAllocated uint64
	bytesPeak      uint64
}

// Option configures a Context at construction time.
type Option func(*Context)

// WithDiskCache sets the directory used to persist generated WGSL
// source across process restarts, keyed by the signature's cache key
// (spec §6). An empty dir disables the disk tier; the in-memory
// shader/pipeline cache is always enabled.
func WithDiskCache(dir string) Option {
	return func(c *Context) { c.diskCacheDir = dir }
}

// New acquires an adapter, device, and queue, mirroring the teacher's
// Backend.New() panic-recovery pattern since the underlying cgo-free
// wgpu_native bindings can panic rather than return an error when the
// native library is missing.
func New(opts ...Option) (ctx *Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx = nil
			err = errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: fmt.Sprintf("native library not available: %v", r)}, "gpucontext")
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: fmt.Sprintf("request adapter: %v", adapterErr)}, "gpucontext")
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: fmt.Sprintf("request device: %v", deviceErr)}, "gpucontext")
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: "failed to get queue"}, "gpucontext")
	}

	c := &Context{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	for _, opt := range opts {
		opt(c)
	}
	klog.V(2).InfoS("gpucontext: device acquired")
	return c, nil
}

// Close releases all GPU resources. Safe to call once; a second call
// is a no-op.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pipelines {
		p.Release()
	}
	c.pipelines = nil
	for _, s := range c.shaders {
		s.Release()
	}
	c.shaders = nil
	if c.queue != nil {
		c.queue.Release()
		c.queue = nil
	}
	if c.device != nil {
		c.device.Release()
		c.device = nil
	}
	if c.adapter != nil {
		c.adapter.Release()
		c.adapter = nil
	}
	if c.instance != nil {
		c.instance.Release()
		c.instance = nil
	}
}

// Pipeline returns the compute pipeline for sig, generating WGSL
// source, compiling it, and creating the pipeline on first use. Later
// calls with the same signature hit the in-memory cache; the
// generated source itself is additionally cached to disk when
// WithDiskCache was set, so a cold process still skips
// kernelsrc.Generate for signatures compiled in a previous run.
func (c *Context) Pipeline(sig kernelsrc.Signature) (*wgpu.ComputePipeline, error) {
	key := sig.Key()

	c.mu.RLock()
	if p, ok := c.pipelines[key]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	src, err := c.source(sig)
	if err != nil {
		return nil, errors.Wrap(&reduxplan.Error{Kind: reduxplan.CompileFail, Msg: fmt.Sprintf("kernel source for %s: %v", key, err)}, "gpucontext")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipelines[key]; ok {
		return p, nil
	}

	shader := c.device.CreateShaderModuleWGSL(src)
	pipeline := c.device.CreateComputePipelineSimple(nil, shader, "main")
	c.shaders[key] = shader
	c.pipelines[key] = pipeline
	klog.V(3).InfoS("gpucontext: compiled kernel", "signature", key, "sourceBytes", len(src))
	return pipeline, nil
}

// source returns the WGSL source for sig, consulting the disk cache
// before falling back to kernelsrc.Generate.
func (c *Context) source(sig kernelsrc.Signature) (string, error) {
	if c.diskCacheDir != "" {
		if src, ok := c.readDiskCache(sig); ok {
			return src, nil
		}
	}
	src, err := kernelsrc.Generate(sig)
	if err != nil {
		return "", err
	}
	if c.diskCacheDir != "" {
		c.writeDiskCache(sig, src)
	}
	return src, nil
}

func (c *Context) cachePath(sig kernelsrc.Signature) string {
	sum := sha256.Sum256([]byte(sig.Key()))
	return filepath.Join(c.diskCacheDir, hex.EncodeToString(sum[:])+".wgsl")
}

func (c *Context) readDiskCache(sig kernelsrc.Signature) (string, bool) {
	b, err := os.ReadFile(c.cachePath(sig))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (c *Context) writeDiskCache(sig kernelsrc.Signature, src string) {
	if err := os.MkdirAll(c.diskCacheDir, 0o755); err != nil {
		klog.V(2).ErrorS(err, "gpucontext: disk cache mkdir failed", "dir", c.diskCacheDir)
		return
	}
	if err := os.WriteFile(c.cachePath(sig), []byte(src), 0o644); err != nil {
		klog.V(2).ErrorS(err, "gpucontext: disk cache write failed", "path", c.cachePath(sig))
	}
}

// AllocStorage creates a read-only storage buffer uploaded with data.
func (c *Context) AllocStorage(data []byte) (*wgpu.Buffer, error) {
	return c.alloc(data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
}

// AllocUniform creates a uniform buffer, rounding size up to the
// device's 16-byte alignment requirement (matching the teacher's
// createUniformBuffer).
func (c *Context) AllocUniform(data []byte) (*wgpu.Buffer, error) {
	aligned := (len(data) + 15) &^ 15
	padded := data
	if aligned != len(data) {
		padded = make([]byte, aligned)
		copy(padded, data)
	}
	return c.alloc(padded, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
}

func (c *Context) alloc(data []byte, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	size := uint64(len(data))
	buf, err := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	if err != nil {
		return nil, errors.Wrap(&reduxplan.Error{Kind: reduxplan.DeviceAllocFail, Msg: fmt.Sprintf("device alloc fail: %v", err)}, "gpucontext")
	}
	ptr := buf.GetMappedRange(0, size)
	mappedSlice := mappedBytes(ptr, size)
	copy(mappedSlice, data)
	buf.Unmap()

	c.memMu.Lock()
	c.bytesAllocated += size
	if c.bytesAllocated > c.bytesPeak {
		c.bytesPeak = c.bytesAllocated
	}
	c.memMu.Unlock()
	klog.V(4).InfoS("gpucontext: buffer allocated", "bytes", humanize.Bytes(size), "peak", humanize.Bytes(c.bytesPeak))

	return buf, nil
}

// Free releases buf and accounts its size back out of the running
// allocation total.
func (c *Context) Free(buf *wgpu.Buffer, size uint64) {
	buf.Release()
	c.memMu.Lock()
	if size <= c.bytesAllocated {
		c.bytesAllocated -= size
	}
	c.memMu.Unlock()
}

// WriteBuffer uploads data into dst at the given byte offset, for the
// host-side writes the engine needs outside of kernel dispatch (e.g.
// filling a Size-0 reduction's dst with the operator's identity
// without launching a kernel), matching the teacher pack's
// queue.WriteBuffer(buf, offset, data) idiom.
func (c *Context) WriteBuffer(dst *wgpu.Buffer, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.queue.WriteBuffer(dst, offset, data)
	return nil
}

// Dispatch runs pipeline over the given bind-group entries with the
// given workgroup count, blocking until the submitted work completes
// on the queue's timeline. ctx is accepted for cancellation of the
// (future) async submission-completion wait; the current wgpu binding
// submits synchronously, so ctx.Err() is only checked before dispatch.
func (c *Context) Dispatch(ctx context.Context, pipeline *wgpu.ComputePipeline, entries []wgpu.BindGroupEntry, workgroups uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if workgroups == 0 {
		return nil
	}
	// A per-call trace ID disambiguates concurrent dispatches in the
	// debug log, the same role gomlx-gomlx's metrics package uses
	// uuid.NewString() for when scoping concurrently-created metrics.
	traceID := uuid.NewString()
	klog.V(4).InfoS("gpucontext: dispatch", "trace", traceID, "workgroups", workgroups)

	layout := pipeline.GetBindGroupLayout(0)
	bindGroup, err := c.device.CreateBindGroup(&wgpu.BindGroupDescriptor{Layout: layout, Entries: entries})
	if err != nil {
		return errors.Wrap(&reduxplan.Error{Kind: reduxplan.LaunchFail, Msg: fmt.Sprintf("bind group: %v", err)}, "gpucontext")
	}
	defer bindGroup.Release()

	encoder := c.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(workgroups, 1, 1)
	pass.End()

	cmd := encoder.Finish(nil)
	c.queue.Submit(cmd)
	klog.V(4).InfoS("gpucontext: dispatch complete", "trace", traceID)
	return nil
}

// MemoryStats reports the context's running allocation totals, for
// callers that want to log or assert on device memory pressure.
type MemoryStats struct {
	BytesAllocated uint64
	BytesPeak      uint64
}

func (c *Context) MemoryStats() MemoryStats {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	return MemoryStats{BytesAllocated: c.bytesAllocated, BytesPeak: c.bytesPeak}
}

func (c *Context) String() string {
	return fmt.Sprintf("gpucontext(shaders=%d, pipelines=%d, alloc=%s)",
		len(c.shaders), len(c.pipelines), humanize.Bytes(c.bytesAllocated))
}
