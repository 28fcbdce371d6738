// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/software"

	"github.com/gogpu/gpusync/backend"
)

// Device errors.
var (
	// ErrNoAdapter is returned when a HAL instance exposes no adapters.
	ErrNoAdapter = errors.New("wgpu: no GPU adapters found")

	// ErrForeignObject is returned when an object from another backend or
	// device is passed to this device.
	ErrForeignObject = errors.New("wgpu: object does not belong to this device")

	// ErrDestroyed is returned when using a destroyed object.
	ErrDestroyed = errors.New("wgpu: object destroyed")

	// ErrInvalidDescriptor is returned for zero-sized or malformed descriptors.
	ErrInvalidDescriptor = errors.New("wgpu: invalid descriptor")

	// ErrProvider is returned when a device provider does not expose HAL objects.
	ErrProvider = errors.New("wgpu: provider does not expose HAL device and queue")
)

// copyAlign is the WebGPU copy size and offset alignment.
const copyAlign = 4

// Info describes the adapter a device was opened on.
type Info struct {
	// Name is the adapter name (e.g., "NVIDIA GeForce RTX 3080").
	Name string
	// Vendor is the adapter vendor.
	Vendor string
	// DeviceType is the type of GPU (discrete, integrated, etc.).
	DeviceType gputypes.DeviceType
	// Backend is the graphics API in use.
	Backend gputypes.Backend
	// Driver is the driver version string.
	Driver string
}

// String returns a human-readable description of the adapter.
func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %s)", i.Name, i.DeviceType, i.Backend)
}

// Device adapts a hal.Device and hal.Queue to backend.Device.
//
// Device is safe for concurrent use.
type Device struct {
	raw      hal.Device
	queue    *Queue
	instance hal.Instance
	info     Info

	// external devices are owned by a provider and not destroyed here.
	external bool

	lost      atomic.Bool
	destroyed atomic.Bool

	mu     sync.Mutex
	allocs map[*CommandAllocator]struct{}
}

// Open opens the first suitable adapter of b. Discrete and integrated GPUs
// are preferred over other adapter types.
func Open(b hal.Backend) (*Device, error) {
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	d := newDevice(open.Device, open.Queue, false)
	d.instance = instance
	d.info = Info{
		Name:       selected.Info.Name,
		Vendor:     selected.Info.Vendor,
		DeviceType: selected.Info.DeviceType,
		Backend:    selected.Info.Backend,
		Driver:     selected.Info.Driver,
	}
	slogger().Info("wgpu: device opened", "adapter", d.info.String())
	return d, nil
}

// OpenVariant opens a device on the HAL backend registered for v.
func OpenVariant(v gputypes.Backend) (*Device, error) {
	b, ok := hal.GetBackend(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s", hal.ErrBackendNotFound, v)
	}
	return Open(b)
}

// OpenSoftware opens a device on the pure Go software HAL. It is always
// available and executes commands on the CPU.
func OpenSoftware() (*Device, error) {
	return Open(software.API{})
}

// FromProvider wraps the device of an external provider such as a gogpu
// window. The provider must also implement HalDevice() any and HalQueue()
// any returning hal.Device and hal.Queue. The returned device does not
// destroy the provider's device.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProvider
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrProvider)
	}
	q, ok := hp.HalQueue().(hal.Queue)
	if !ok || q == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrProvider)
	}

	d := newDevice(dev, q, true)
	ai := provider.AdapterInfo()
	d.info = Info{Name: ai.Name, DeviceType: deviceType(ai.Type)}
	slogger().Info("wgpu: using provider device", "adapter", ai.Name, "type", ai.Type)
	return d, nil
}

// Wrap adapts an already opened HAL device and queue. The caller keeps
// ownership of both.
func Wrap(dev hal.Device, q hal.Queue) *Device {
	return newDevice(dev, q, true)
}

func newDevice(raw hal.Device, q hal.Queue, external bool) *Device {
	d := &Device{
		raw:      raw,
		external: external,
		allocs:   make(map[*CommandAllocator]struct{}),
	}
	d.queue = &Queue{dev: d, raw: q}
	return d
}

func deviceType(t gpucontext.AdapterType) gputypes.DeviceType {
	switch t {
	case gpucontext.AdapterTypeDiscrete:
		return gputypes.DeviceTypeDiscreteGPU
	case gpucontext.AdapterTypeIntegrated:
		return gputypes.DeviceTypeIntegratedGPU
	case gpucontext.AdapterTypeSoftware:
		return gputypes.DeviceTypeCPU
	default:
		return gputypes.DeviceTypeOther
	}
}

// Name returns "wgpu".
func (d *Device) Name() string { return backend.NameWGPU }

// Info returns the adapter the device was opened on.
func (d *Device) Info() Info { return d.info }

// Raw returns the underlying HAL device.
func (d *Device) Raw() hal.Device { return d.raw }

// Queue returns the submission queue.
func (d *Device) Queue() backend.Queue { return d.queue }

// Lost reports whether the HAL has reported device loss.
func (d *Device) Lost() bool { return d.lost.Load() }

// check maps HAL errors to backend errors and latches device loss.
func (d *Device) check(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceLost):
		if !d.lost.Swap(true) {
			slogger().Warn("wgpu: device lost", "error", err)
		}
		return fmt.Errorf("%w: %w", backend.ErrDeviceLost, err)
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return fmt.Errorf("%w: %w", backend.ErrOutOfMemory, err)
	default:
		return err
	}
}

func (d *Device) alive() error {
	if d.lost.Load() {
		return backend.ErrDeviceLost
	}
	if d.destroyed.Load() {
		return fmt.Errorf("device: %w", ErrDestroyed)
	}
	return nil
}

// CreateBuffer allocates a HAL buffer with the usages of its heap.
func (d *Device) CreateBuffer(desc backend.BufferDesc) (backend.Buffer, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidDescriptor, desc.Label)
	}
	rawSize := alignUp(desc.Size, copyAlign)
	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  rawSize,
		Usage: heapUsage(desc.Heap),
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %q: %w", desc.Label, d.check(err))
	}
	return &Buffer{
		resourceBase: resourceBase{dev: d, label: desc.Label, kind: backend.KindBuffer, size: desc.Size},
		heap:         desc.Heap,
		raw:          raw,
		rawSize:      rawSize,
	}, nil
}

// CreateTexture allocates a single-mip, single-sample HAL texture.
func (d *Device) CreateTexture(desc backend.TextureDesc) (backend.Texture, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	desc.Height = max(desc.Height, 1)
	desc.Depth = max(desc.Depth, 1)
	if desc.Dimension == gputypes.TextureDimensionUndefined {
		desc.Dimension = gputypes.TextureDimension2D
	}
	size := backend.TextureBytes(desc)
	if desc.Width == 0 || size == 0 {
		return nil, fmt.Errorf("%w: texture %q (%dx%dx%d %v)",
			ErrInvalidDescriptor, desc.Label, desc.Width, desc.Height, desc.Depth, desc.Format)
	}
	raw, err := d.raw.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: desc.Depth},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         textureUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("create texture %q: %w", desc.Label, d.check(err))
	}
	return &Texture{
		resourceBase: resourceBase{dev: d, label: desc.Label, kind: backend.KindTexture, size: size},
		desc:         desc,
		raw:          raw,
	}, nil
}

// DestroyResource frees a buffer or texture.
func (d *Device) DestroyResource(r backend.Resource) {
	switch res := r.(type) {
	case *Buffer:
		if res.dev != d || res.destroyed.Swap(true) {
			return
		}
		d.raw.DestroyBuffer(res.raw)
	case *Texture:
		if res.dev != d || res.destroyed.Swap(true) {
			return
		}
		d.raw.DestroyTexture(res.raw)
	}
}

// Map maps an upload or readback buffer. Nested maps share one HAL mapping.
func (d *Device) Map(b backend.Buffer) ([]byte, error) {
	buf, ok := b.(*Buffer)
	if !ok || buf.dev != d {
		return nil, ErrForeignObject
	}
	if buf.destroyed.Load() {
		return nil, fmt.Errorf("map %q: %w", buf.label, ErrDestroyed)
	}
	if !buf.heap.HostVisible() {
		return nil, fmt.Errorf("map %q: %w", buf.label, backend.ErrNotMappable)
	}
	if err := d.alive(); err != nil {
		return nil, err
	}

	buf.mapMu.Lock()
	defer buf.mapMu.Unlock()
	if buf.mapCount == 0 {
		m, err := d.raw.MapBuffer(buf.raw, 0, buf.rawSize)
		if err != nil {
			return nil, fmt.Errorf("map %q: %w", buf.label, d.check(err))
		}
		buf.mapped = unsafe.Slice((*byte)(m.Ptr), buf.size)
	}
	buf.mapCount++
	return buf.mapped, nil
}

// Unmap ends a mapping started by Map.
func (d *Device) Unmap(b backend.Buffer) {
	buf, ok := b.(*Buffer)
	if !ok || buf.dev != d {
		return
	}
	buf.mapMu.Lock()
	defer buf.mapMu.Unlock()
	if buf.mapCount == 0 {
		return
	}
	buf.mapCount--
	if buf.mapCount > 0 {
		return
	}
	buf.mapped = nil
	if err := d.raw.UnmapBuffer(buf.raw); err != nil {
		slogger().Warn("wgpu: unmap failed", "buffer", buf.label, "error", d.check(err))
	}
}

// CreateCommandAllocator creates an allocator. Direct allocators own a HAL
// command encoder.
func (d *Device) CreateCommandAllocator(kind backend.ListKind) (backend.CommandAllocator, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	a := &CommandAllocator{dev: d, kind: kind}
	if kind == backend.ListDirect {
		enc, err := d.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "gpusync allocator"})
		if err != nil {
			return nil, fmt.Errorf("create command encoder: %w", d.check(err))
		}
		a.enc = enc
	}
	d.mu.Lock()
	d.allocs[a] = struct{}{}
	d.mu.Unlock()
	return a, nil
}

// CreateCommandList creates a closed command list.
func (d *Device) CreateCommandList(kind backend.ListKind, label string) (backend.CommandList, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	return &CommandList{dev: d, kind: kind, label: label}, nil
}

// CreateFence creates a fence whose completed value starts at initial.
func (d *Device) CreateFence(initial uint64) (backend.Fence, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	f := &Fence{q: d.queue}
	f.completed.Store(initial)
	return f, nil
}

// WaitIdle blocks until the HAL device is idle or ctx is done.
func (d *Device) WaitIdle(ctx context.Context) error {
	if err := d.alive(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- d.raw.WaitIdle() }()
	select {
	case err := <-done:
		return d.check(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy releases the allocators' encoders and, for devices opened by this
// package, the HAL device and instance.
func (d *Device) Destroy() {
	if d.destroyed.Swap(true) {
		return
	}
	if !d.lost.Load() {
		if err := d.raw.WaitIdle(); err != nil {
			slogger().Warn("wgpu: wait idle on destroy", "error", err)
		}
	}

	d.mu.Lock()
	allocs := make([]*CommandAllocator, 0, len(d.allocs))
	for a := range d.allocs {
		allocs = append(allocs, a)
	}
	d.mu.Unlock()
	for _, a := range allocs {
		a.Destroy()
	}

	if d.external {
		slogger().Debug("wgpu: external device released")
		return
	}
	d.raw.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
	slogger().Debug("wgpu: device destroyed")
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}
