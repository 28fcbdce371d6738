// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusync/backend"
)

// =============================================================================
// Helpers
// =============================================================================

func openSoftware(t *testing.T) *Device {
	t.Helper()
	d, err := OpenSoftware()
	if err != nil {
		t.Fatalf("OpenSoftware() error = %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func mustBuffer(t *testing.T, d *Device, label string, size uint64, heap backend.HeapKind) *Buffer {
	t.Helper()
	b, err := d.CreateBuffer(backend.BufferDesc{Label: label, Size: size, Heap: heap})
	if err != nil {
		t.Fatalf("CreateBuffer(%q) error = %v", label, err)
	}
	return b.(*Buffer)
}

// record resets a fresh list against a fresh allocator of the given kind.
func record(t *testing.T, d *Device, kind backend.ListKind) (*CommandList, *CommandAllocator) {
	t.Helper()
	a, err := d.CreateCommandAllocator(kind)
	if err != nil {
		t.Fatalf("CreateCommandAllocator() error = %v", err)
	}
	l, err := d.CreateCommandList(kind, "test")
	if err != nil {
		t.Fatalf("CreateCommandList() error = %v", err)
	}
	if err := l.Reset(a, nil); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	return l.(*CommandList), a.(*CommandAllocator)
}

func writeMapped(t *testing.T, d *Device, b *Buffer, data []byte) {
	t.Helper()
	mem, err := d.Map(b)
	if err != nil {
		t.Fatalf("Map(%q) error = %v", b.Label(), err)
	}
	copy(mem, data)
	d.Unmap(b)
}

func readMapped(t *testing.T, d *Device, b *Buffer) []byte {
	t.Helper()
	mem, err := d.Map(b)
	if err != nil {
		t.Fatalf("Map(%q) error = %v", b.Label(), err)
	}
	defer d.Unmap(b)
	return bytes.Clone(mem)
}

// submit executes l and waits for a fence signaled after it.
func submit(t *testing.T, d *Device, lists ...backend.CommandList) {
	t.Helper()
	if err := d.Queue().Execute(lists...); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	f, err := d.CreateFence(0)
	if err != nil {
		t.Fatalf("CreateFence() error = %v", err)
	}
	defer f.Destroy()
	if err := d.Queue().Signal(f, 1); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Wait(ctx, 1); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func sequence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*5 + 1)
	}
	return out
}

// =============================================================================
// Device
// =============================================================================

func TestOpenSoftware(t *testing.T) {
	d := openSoftware(t)
	if d.Name() != backend.NameWGPU {
		t.Errorf("Name() = %q, want %q", d.Name(), backend.NameWGPU)
	}
	if got := d.Info().DeviceType; got != gputypes.DeviceTypeCPU {
		t.Errorf("Info().DeviceType = %v, want %v", got, gputypes.DeviceTypeCPU)
	}
	if d.Info().String() == "" {
		t.Error("Info().String() is empty")
	}
}

func TestOpenNoopBackend(t *testing.T) {
	d, err := Open(noop.API{})
	if err != nil {
		t.Fatalf("Open(noop) error = %v", err)
	}
	defer d.Destroy()
	if got := d.Info().Name; got != "Noop Adapter" {
		t.Errorf("Info().Name = %q, want %q", got, "Noop Adapter")
	}

	up := mustBuffer(t, d, "up", 32, backend.HeapUpload)
	writeMapped(t, d, up, sequence(32))
	l, a := record(t, d, backend.ListDirect)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	submit(t, d, l)
	if err := a.Reset(); err != nil {
		t.Errorf("Reset() after completed submission = %v, want nil", err)
	}
}

func TestRegisteredFactoryFallsBackToSoftware(t *testing.T) {
	dev, err := backend.Get(backend.NameWGPU)
	if err != nil {
		t.Fatalf("Get(wgpu) error = %v", err)
	}
	defer dev.Destroy()
	d, ok := dev.(*Device)
	if !ok {
		t.Fatalf("Get(wgpu) = %T, want *Device", dev)
	}
	if d.Info().Name == "" {
		t.Error("Info().Name is empty")
	}
}

func TestCreateBufferValidation(t *testing.T) {
	d := openSoftware(t)
	if _, err := d.CreateBuffer(backend.BufferDesc{Label: "empty"}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("CreateBuffer(size 0) = %v, want ErrInvalidDescriptor", err)
	}
	b := mustBuffer(t, d, "odd", 6, backend.HeapDefault)
	if b.Size() != 6 {
		t.Errorf("Size() = %d, want 6", b.Size())
	}
	if b.rawSize != 8 {
		t.Errorf("rawSize = %d, want 8", b.rawSize)
	}
}

func TestCreateTextureValidation(t *testing.T) {
	d := openSoftware(t)
	_, err := d.CreateTexture(backend.TextureDesc{Label: "bc1", Width: 4, Height: 4, Format: gputypes.TextureFormatBC1RGBAUnorm})
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("CreateTexture(BC1) = %v, want ErrInvalidDescriptor", err)
	}
	tex, err := d.CreateTexture(backend.TextureDesc{Label: "rgba", Width: 8, Height: 2, Format: gputypes.TextureFormatRGBA8Unorm})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	desc := tex.Desc()
	if desc.Depth != 1 || desc.Dimension != gputypes.TextureDimension2D {
		t.Errorf("Desc() = %+v, want depth 1 and 2D", desc)
	}
	if tex.Size() != 64 {
		t.Errorf("Size() = %d, want 64", tex.Size())
	}
}

func TestMapDefaultHeap(t *testing.T) {
	d := openSoftware(t)
	b := mustBuffer(t, d, "local", 16, backend.HeapDefault)
	if _, err := d.Map(b); !errors.Is(err, backend.ErrNotMappable) {
		t.Errorf("Map(default heap) = %v, want ErrNotMappable", err)
	}
}

func TestNestedMapSharesMemory(t *testing.T) {
	d := openSoftware(t)
	b := mustBuffer(t, d, "up", 16, backend.HeapUpload)

	a, err := d.Map(b)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	c, err := d.Map(b)
	if err != nil {
		t.Fatalf("second Map() error = %v", err)
	}
	a[3] = 42
	if c[3] != 42 {
		t.Errorf("nested mapping does not alias: got %d, want 42", c[3])
	}
	d.Unmap(b)
	d.Unmap(b)
	if b.mapCount != 0 || b.mapped != nil {
		t.Errorf("after Unmap: mapCount = %d, mapped = %v, want 0 and nil", b.mapCount, b.mapped != nil)
	}
}

func TestDestroyedBufferRejected(t *testing.T) {
	d := openSoftware(t)
	up := mustBuffer(t, d, "up", 16, backend.HeapUpload)
	dst := mustBuffer(t, d, "dst", 16, backend.HeapDefault)
	d.DestroyResource(dst)

	l, _ := record(t, d, backend.ListDirect)
	l.CopyBuffer(dst, 0, up, 0, 16)
	if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Close() after copy into destroyed buffer = %v, want ErrInvalidCommand", err)
	}
}

// =============================================================================
// Transfers
// =============================================================================

func TestBufferRoundTrip(t *testing.T) {
	d := openSoftware(t)
	const n = 256
	want := sequence(n)

	up := mustBuffer(t, d, "up", n, backend.HeapUpload)
	local := mustBuffer(t, d, "local", n, backend.HeapDefault)
	rb := mustBuffer(t, d, "rb", n, backend.HeapReadback)
	writeMapped(t, d, up, want)

	l, _ := record(t, d, backend.ListDirect)
	l.Barrier([]backend.Barrier{{Resource: local, Before: backend.StateCommon, After: backend.StateCopyDest}})
	l.CopyBuffer(local, 0, up, 0, n)
	l.Barrier([]backend.Barrier{{Resource: local, Before: backend.StateCopyDest, After: backend.StateCopySource}})
	l.CopyBuffer(rb, 0, local, 0, n)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if l.CommandCount() != 4 {
		t.Errorf("CommandCount() = %d, want 4", l.CommandCount())
	}
	submit(t, d, l)

	if got := readMapped(t, d, rb); !bytes.Equal(got, want) {
		t.Errorf("readback = %v..., want %v...", got[:8], want[:8])
	}
}

func TestCopyBufferRules(t *testing.T) {
	d := openSoftware(t)
	src := mustBuffer(t, d, "src", 64, backend.HeapUpload)
	dst := mustBuffer(t, d, "dst", 64, backend.HeapDefault)

	tests := []struct {
		name           string
		dstOff, srcOff uint64
		size           uint64
	}{
		{"out of bounds", 32, 0, 64},
		{"unaligned size", 0, 0, 6},
		{"unaligned offset", 2, 0, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := record(t, d, backend.ListDirect)
			l.CopyBuffer(dst, tt.dstOff, src, tt.srcOff, tt.size)
			if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
				t.Errorf("Close() = %v, want ErrInvalidCommand", err)
			}
		})
	}
}

func TestTextureRoundTrip(t *testing.T) {
	d := openSoftware(t)
	// 64 RGBA8 texels fill a 256-byte row, so the footprint is tightly packed.
	const w, h, pitch = 64, 2, 256
	want := sequence(pitch * h)

	tex, err := d.CreateTexture(backend.TextureDesc{Label: "tex", Width: w, Height: h, Format: gputypes.TextureFormatRGBA8Unorm})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	up := mustBuffer(t, d, "up", pitch*h, backend.HeapUpload)
	rb := mustBuffer(t, d, "rb", pitch*h, backend.HeapReadback)
	writeMapped(t, d, up, want)

	region := backend.TextureCopy{RowPitch: pitch, Width: w, Height: h, Depth: 1}
	l, _ := record(t, d, backend.ListDirect)
	l.Barrier([]backend.Barrier{{Resource: tex, Before: backend.StateCommon, After: backend.StateCopyDest}})
	l.CopyBufferToTexture(tex, up, region)
	l.Barrier([]backend.Barrier{{Resource: tex, Before: backend.StateCopyDest, After: backend.StateCopySource}})
	l.CopyTextureToBuffer(rb, tex, region)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	submit(t, d, l)

	if got := readMapped(t, d, rb); !bytes.Equal(got, want) {
		t.Errorf("texture readback differs from upload")
	}
}

func TestTextureCopyRegionChecks(t *testing.T) {
	d := openSoftware(t)
	tex, err := d.CreateTexture(backend.TextureDesc{Label: "tex", Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	buf := mustBuffer(t, d, "up", 1024, backend.HeapUpload)

	tests := []struct {
		name   string
		region backend.TextureCopy
	}{
		{"empty box", backend.TextureCopy{RowPitch: 256, Width: 0, Height: 1, Depth: 1}},
		{"short pitch", backend.TextureCopy{RowPitch: 8, Width: 4, Height: 1, Depth: 1}},
		{"outside texture", backend.TextureCopy{RowPitch: 256, Origin: backend.Origin3D{X: 2}, Width: 4, Height: 1, Depth: 1}},
		{"outside buffer", backend.TextureCopy{BufferOffset: 512, RowPitch: 256, Width: 4, Height: 4, Depth: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := record(t, d, backend.ListDirect)
			l.CopyBufferToTexture(tex, buf, tt.region)
			if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
				t.Errorf("Close() = %v, want ErrInvalidCommand", err)
			}
		})
	}
}

// =============================================================================
// Lists, bundles and allocators
// =============================================================================

func TestListStateMachine(t *testing.T) {
	d := openSoftware(t)
	l, a := record(t, d, backend.ListDirect)

	if err := l.Reset(a, nil); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Reset() while recording = %v, want ErrInvalidCommand", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("second Close() = %v, want ErrInvalidCommand", err)
	}

	bundleAlloc, _ := d.CreateCommandAllocator(backend.ListBundle)
	if err := l.Reset(bundleAlloc, nil); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Reset(bundle allocator) = %v, want ErrInvalidCommand", err)
	}
}

func TestForeignObjects(t *testing.T) {
	d := openSoftware(t)
	other := openSoftware(t)

	l, err := d.CreateCommandList(backend.ListDirect, "list")
	if err != nil {
		t.Fatalf("CreateCommandList() error = %v", err)
	}
	a, _ := other.CreateCommandAllocator(backend.ListDirect)
	if err := l.Reset(a, nil); !errors.Is(err, ErrForeignObject) {
		t.Errorf("Reset(foreign allocator) = %v, want ErrForeignObject", err)
	}

	rl, _ := record(t, d, backend.ListDirect)
	if err := rl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := other.Queue().Execute(rl); !errors.Is(err, ErrForeignObject) {
		t.Errorf("Execute(foreign list) = %v, want ErrForeignObject", err)
	}
}

func TestBundleRestrictions(t *testing.T) {
	d := openSoftware(t)
	src := mustBuffer(t, d, "src", 16, backend.HeapUpload)
	dst := mustBuffer(t, d, "dst", 16, backend.HeapDefault)

	l, _ := record(t, d, backend.ListBundle)
	l.CopyBuffer(dst, 0, src, 0, 16)
	if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Close() after copy in bundle = %v, want ErrInvalidCommand", err)
	}

	l, _ = record(t, d, backend.ListBundle)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Queue().Execute(l); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Execute(bundle) = %v, want ErrInvalidCommand", err)
	}
}

func TestExecuteBundleMarksBundleAllocator(t *testing.T) {
	d := openSoftware(t)
	bundle, bundleAlloc := record(t, d, backend.ListBundle)
	if err := bundle.Close(); err != nil {
		t.Fatalf("bundle Close() error = %v", err)
	}

	l, alloc := record(t, d, backend.ListDirect)
	l.ExecuteBundle(bundle)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	submit(t, d, l)

	last := d.queue.LastSubmission()
	if got := alloc.lastSubmit.Load(); got != last {
		t.Errorf("primary allocator lastSubmit = %d, want %d", got, last)
	}
	if got := bundleAlloc.lastSubmit.Load(); got != last {
		t.Errorf("bundle allocator lastSubmit = %d, want %d", got, last)
	}
}

func TestOpenBundleRejected(t *testing.T) {
	d := openSoftware(t)
	bundle, _ := record(t, d, backend.ListBundle)

	l, _ := record(t, d, backend.ListDirect)
	l.ExecuteBundle(bundle)
	if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Close() after executing open bundle = %v, want ErrInvalidCommand", err)
	}
}

func TestAllocatorReset(t *testing.T) {
	d := openSoftware(t)
	l, a := record(t, d, backend.ListDirect)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	submit(t, d, l)

	if a.InFlight() {
		t.Error("InFlight() = true after the fence was reached")
	}
	if len(a.bufs) != 1 {
		t.Errorf("allocator holds %d command buffers, want 1", len(a.bufs))
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if len(a.bufs) != 0 {
		t.Errorf("allocator holds %d command buffers after Reset, want 0", len(a.bufs))
	}

	// Pretend a later submission is still executing.
	a.lastSubmit.Store(d.queue.LastSubmission() + 1)
	if err := a.Reset(); !errors.Is(err, backend.ErrInFlight) {
		t.Errorf("Reset() in flight = %v, want ErrInFlight", err)
	}
}

func TestDestroyedAllocatorCannotEncode(t *testing.T) {
	d := openSoftware(t)
	l, a := record(t, d, backend.ListDirect)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	a.Destroy()
	if err := d.Queue().Execute(l); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Execute() with destroyed allocator = %v, want ErrDestroyed", err)
	}
}

// =============================================================================
// Fences
// =============================================================================

func TestFenceSignalWithoutSubmissions(t *testing.T) {
	d := openSoftware(t)
	f, err := d.CreateFence(3)
	if err != nil {
		t.Fatalf("CreateFence() error = %v", err)
	}
	if got := f.Completed(); got != 3 {
		t.Errorf("Completed() = %d, want 3", got)
	}
	if err := d.Queue().Signal(f, 4); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	if got := f.Completed(); got != 4 {
		t.Errorf("Completed() = %d, want 4", got)
	}
}

func TestFenceWaitCanceled(t *testing.T) {
	d := openSoftware(t)
	f, _ := d.CreateFence(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait(never signaled) = %v, want DeadlineExceeded", err)
	}
}

func TestFenceValuesFollowSubmissions(t *testing.T) {
	d := openSoftware(t)
	f, _ := d.CreateFence(0)

	for v := uint64(1); v <= 3; v++ {
		l, _ := record(t, d, backend.ListDirect)
		if err := l.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := d.Queue().Execute(l); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if err := d.Queue().Signal(f, v); err != nil {
			t.Fatalf("Signal(%d) error = %v", v, err)
		}
	}
	if err := f.Wait(context.Background(), 3); err != nil {
		t.Fatalf("Wait(3) error = %v", err)
	}
	if got := f.Completed(); got != 3 {
		t.Errorf("Completed() = %d, want 3", got)
	}
}

// =============================================================================
// Compute
// =============================================================================

func TestCreateComputePipelineNeedsWGSL(t *testing.T) {
	d := openSoftware(t)
	_, err := d.CreateComputePipeline(backend.ComputeDesc{Label: "kernel only", Bindings: 1})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("CreateComputePipeline(no WGSL) = %v, want ErrUnsupported", err)
	}
	if _, err := d.CreateComputePipeline(backend.ComputeDesc{Label: "bad", WGSL: "not wgsl"}); err == nil {
		t.Error("CreateComputePipeline(invalid WGSL) error = nil, want error")
	}
}

func TestDispatchNeedsBindings(t *testing.T) {
	d := openSoftware(t)
	p := &Pipeline{dev: d, label: "two", bindings: 2}
	buf := mustBuffer(t, d, "buf", 16, backend.HeapDefault)

	l, _ := record(t, d, backend.ListDirect)
	l.SetPipeline(p)
	l.SetBuffer(0, buf)
	l.Dispatch(1, 1, 1)
	if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Close() after under-bound dispatch = %v, want ErrInvalidCommand", err)
	}

	l, _ = record(t, d, backend.ListDirect)
	l.Dispatch(1, 1, 1)
	if err := l.Close(); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Errorf("Close() after dispatch without pipeline = %v, want ErrInvalidCommand", err)
	}
}
