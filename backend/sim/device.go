// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpusync/backend"
	"github.com/gogpu/gputypes"
)

// Device errors.
var (
	// ErrForeignObject is returned when an object from another backend or
	// device is passed to this device.
	ErrForeignObject = errors.New("sim: object does not belong to this device")

	// ErrDestroyed is returned when using a destroyed object.
	ErrDestroyed = errors.New("sim: object destroyed")

	// ErrInvalidDescriptor is returned for zero-sized or malformed descriptors.
	ErrInvalidDescriptor = errors.New("sim: invalid descriptor")
)

// Config configures a simulated device.
type Config struct {
	// Latency is added before each queued submission or signal executes.
	Latency time.Duration

	// MaxMemory caps the total bytes of live resources. Zero means unlimited.
	MaxMemory uint64

	// OnViolation, if set, is called for every validation failure. It may be
	// called from the queue goroutine.
	OnViolation func(Violation)
}

// DefaultConfig returns a configuration with no latency and no memory cap.
func DefaultConfig() Config {
	return Config{}
}

// Device is a simulated GPU device.
//
// Device is safe for concurrent use.
type Device struct {
	cfg   Config
	queue *Queue

	mu         sync.Mutex
	used       uint64
	fences     []*Fence
	violations []Violation

	lost    atomic.Bool
	nextID  atomic.Uint64
	idleMu  sync.Mutex
	idle    *Fence
	idleVal uint64
}

// New creates a simulated device with the given configuration.
func New(cfg Config) *Device {
	d := &Device{cfg: cfg}
	d.queue = newQueue(d)
	d.idle = d.newFence(0)
	slogger().Debug("sim: device created", "latency", cfg.Latency, "maxMemory", cfg.MaxMemory)
	return d
}

// Name returns "sim".
func (d *Device) Name() string { return backend.NameSim }

// Config returns the device configuration.
func (d *Device) Config() Config { return d.cfg }

// Queue returns the device's submission queue.
func (d *Device) Queue() backend.Queue { return d.queue }

// SimQueue returns the concrete queue, for tests that suspend it.
func (d *Device) SimQueue() *Queue { return d.queue }

// MemoryUsed returns the bytes held by live resources.
func (d *Device) MemoryUsed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Lost reports whether the device has been lost.
func (d *Device) Lost() bool { return d.lost.Load() }

// Lose marks the device as lost. Pending submissions are dropped and every
// fence waiter returns backend.ErrDeviceLost.
func (d *Device) Lose() {
	if d.lost.Swap(true) {
		return
	}
	slogger().Warn("sim: device lost")

	d.mu.Lock()
	fences := append([]*Fence(nil), d.fences...)
	d.mu.Unlock()
	for _, f := range fences {
		f.wake()
	}
	d.queue.wake()
}

// reserve accounts for a new allocation against the memory cap.
func (d *Device) reserve(size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.MaxMemory > 0 && !backend.InRange(d.used, size, d.cfg.MaxMemory) {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			backend.ErrOutOfMemory, size, d.used, d.cfg.MaxMemory)
	}
	d.used += size
	return nil
}

func (d *Device) unreserve(size uint64) {
	d.mu.Lock()
	d.used -= min(size, d.used)
	d.mu.Unlock()
}

// CreateBuffer allocates a buffer.
func (d *Device) CreateBuffer(desc backend.BufferDesc) (backend.Buffer, error) {
	if d.lost.Load() {
		return nil, backend.ErrDeviceLost
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidDescriptor, desc.Label)
	}
	if err := d.reserve(desc.Size); err != nil {
		return nil, err
	}

	state := desc.InitialState
	if fixed, ok := desc.Heap.FixedState(); ok {
		state = fixed
	}
	b := &Buffer{
		resourceBase: resourceBase{
			dev:   d,
			id:    d.nextID.Add(1),
			label: desc.Label,
			kind:  backend.KindBuffer,
			size:  desc.Size,
			state: state,
		},
		heap: desc.Heap,
		data: make([]byte, desc.Size),
	}
	return b, nil
}

// CreateTexture allocates a texture.
func (d *Device) CreateTexture(desc backend.TextureDesc) (backend.Texture, error) {
	if d.lost.Load() {
		return nil, backend.ErrDeviceLost
	}
	if desc.Depth == 0 {
		desc.Depth = 1
	}
	if desc.Height == 0 {
		desc.Height = 1
	}
	if desc.Dimension == gputypes.TextureDimensionUndefined {
		desc.Dimension = gputypes.TextureDimension2D
	}
	size := backend.TextureBytes(desc)
	if desc.Width == 0 || size == 0 {
		return nil, fmt.Errorf("%w: texture %q (%dx%dx%d %v)",
			ErrInvalidDescriptor, desc.Label, desc.Width, desc.Height, desc.Depth, desc.Format)
	}
	if err := d.reserve(size); err != nil {
		return nil, err
	}

	t := &Texture{
		resourceBase: resourceBase{
			dev:   d,
			id:    d.nextID.Add(1),
			label: desc.Label,
			kind:  backend.KindTexture,
			size:  size,
			state: desc.InitialState,
		},
		desc: desc,
		data: make([]byte, size),
	}
	return t, nil
}

// DestroyResource frees a buffer or texture.
func (d *Device) DestroyResource(r backend.Resource) {
	base := baseOf(r)
	if base == nil || base.dev != d {
		return
	}
	if base.destroyed.Swap(true) {
		return
	}
	if n := base.pending.Load(); n > 0 {
		d.report(ViolationDestroyInFlight, base.label, "destroyed with %d pending submissions", n)
	}
	d.unreserve(base.size)
}

// Map returns the memory of an upload or readback buffer.
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
	if d.lost.Load() {
		return nil, backend.ErrDeviceLost
	}
	if n := buf.pending.Load(); n > 0 {
		d.report(ViolationMapInFlight, buf.label, "mapped with %d pending submissions", n)
	}
	buf.mapped.Add(1)
	return buf.data, nil
}

// Unmap ends a mapping.
func (d *Device) Unmap(b backend.Buffer) {
	if buf, ok := b.(*Buffer); ok && buf.dev == d {
		if buf.mapped.Add(-1) < 0 {
			buf.mapped.Store(0)
		}
	}
}

// CreateCommandAllocator creates a command allocator.
func (d *Device) CreateCommandAllocator(kind backend.ListKind) (backend.CommandAllocator, error) {
	if d.lost.Load() {
		return nil, backend.ErrDeviceLost
	}
	return &CommandAllocator{dev: d, kind: kind}, nil
}

// CreateCommandList creates a closed command list.
func (d *Device) CreateCommandList(kind backend.ListKind, label string) (backend.CommandList, error) {
	if d.lost.Load() {
		return nil, backend.ErrDeviceLost
	}
	return &CommandList{dev: d, kind: kind, label: label}, nil
}

// CreateComputePipeline creates a pipeline executed by desc.Kernel.
func (d *Device) CreateComputePipeline(desc backend.ComputeDesc) (backend.Pipeline, error) {
	if desc.Kernel == nil {
		return nil, fmt.Errorf("compute pipeline %q: no reference kernel: %w", desc.Label, backend.ErrUnsupported)
	}
	return &Pipeline{label: desc.Label, kernel: desc.Kernel, bindings: desc.Bindings}, nil
}

// CreateFence creates a fence.
func (d *Device) CreateFence(initial uint64) (backend.Fence, error) {
	if d.lost.Load() {
		return nil, backend.ErrDeviceLost
	}
	return d.newFence(initial), nil
}

func (d *Device) newFence(initial uint64) *Fence {
	f := &Fence{dev: d, ch: make(chan struct{})}
	f.completed.Store(initial)
	d.mu.Lock()
	d.fences = append(d.fences, f)
	d.mu.Unlock()
	return f
}

// WaitIdle blocks until everything submitted so far has executed.
func (d *Device) WaitIdle(ctx context.Context) error {
	d.idleMu.Lock()
	d.idleVal++
	v := d.idleVal
	err := d.queue.Signal(d.idle, v)
	d.idleMu.Unlock()
	if err != nil {
		return err
	}
	return d.idle.Wait(ctx, v)
}

// Destroy stops the queue goroutine after draining queued work.
func (d *Device) Destroy() {
	d.queue.close()
	slogger().Debug("sim: device destroyed")
}

// =============================================================================
// Resources
// =============================================================================

// resourceBase is shared by buffers and textures.
type resourceBase struct {
	dev   *Device
	id    uint64
	label string
	kind  backend.ResourceKind
	size  uint64

	// state is the resource state on the GPU timeline. Only the queue
	// goroutine touches it after creation.
	state backend.State

	pending   atomic.Int32
	destroyed atomic.Bool
}

func (r *resourceBase) Label() string              { return r.label }
func (r *resourceBase) Kind() backend.ResourceKind { return r.kind }
func (r *resourceBase) Size() uint64               { return r.size }
func (r *resourceBase) base() *resourceBase        { return r }

type hasBase interface{ base() *resourceBase }

func baseOf(r backend.Resource) *resourceBase {
	if hb, ok := r.(hasBase); ok {
		return hb.base()
	}
	return nil
}

// Buffer is a simulated buffer.
type Buffer struct {
	resourceBase
	heap   backend.HeapKind
	data   []byte
	mapped atomic.Int32
}

// Heap returns the buffer's heap.
func (b *Buffer) Heap() backend.HeapKind { return b.heap }

// Texture is a simulated texture. Texels are stored tightly packed.
type Texture struct {
	resourceBase
	desc backend.TextureDesc
	data []byte
}

// Desc returns the texture descriptor.
func (t *Texture) Desc() backend.TextureDesc { return t.desc }

// offset returns the byte offset of texel (x, y, z).
func (t *Texture) offset(x, y, z uint32) uint64 {
	bpp := uint64(backend.BytesPerPixel(t.desc.Format))
	w, h := uint64(t.desc.Width), uint64(t.desc.Height)
	return ((uint64(z)*h+uint64(y))*w + uint64(x)) * bpp
}
