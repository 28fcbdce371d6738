package backend

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/gputypes"
)

// HeapKind is the memory pool a buffer lives in.
type HeapKind uint8

const (
	// HeapDefault is device-local memory the CPU cannot address.
	HeapDefault HeapKind = iota
	// HeapUpload is CPU-writable memory the GPU reads.
	HeapUpload
	// HeapReadback is CPU-readable memory the GPU writes.
	HeapReadback
)

// String returns the string representation of HeapKind.
func (h HeapKind) String() string {
	switch h {
	case HeapDefault:
		return "Default"
	case HeapUpload:
		return "Upload"
	case HeapReadback:
		return "Readback"
	default:
		return fmt.Sprintf("Unknown(%d)", int(h))
	}
}

// HostVisible reports whether buffers in this heap can be mapped.
func (h HeapKind) HostVisible() bool { return h == HeapUpload || h == HeapReadback }

// FixedState returns the only state a resource in this heap may be in.
// Default-heap resources have no fixed state.
func (h HeapKind) FixedState() (State, bool) {
	switch h {
	case HeapUpload:
		return StateGenericRead, true
	case HeapReadback:
		return StateCopyDest, true
	default:
		return StateCommon, false
	}
}

// ResourceKind distinguishes buffers from textures.
type ResourceKind uint8

const (
	// KindBuffer is a linear byte range.
	KindBuffer ResourceKind = iota
	// KindTexture is a 1D, 2D or 3D image.
	KindTexture
)

// String returns the string representation of ResourceKind.
func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "Buffer"
	case KindTexture:
		return "Texture"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Heap  HeapKind

	// InitialState is ignored for upload and readback heaps.
	InitialState State
}

// TextureDesc describes a device-local texture.
type TextureDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	Depth     uint32
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureDimension

	InitialState State
}

// Resource is memory owned by a device.
type Resource interface {
	Label() string
	Kind() ResourceKind
	// Size is the allocation size in bytes.
	Size() uint64
}

// Buffer is a linear resource.
type Buffer interface {
	Resource
	Heap() HeapKind
}

// Texture is an image resource. Textures always live in the default heap.
type Texture interface {
	Resource
	Desc() TextureDesc
}

// Origin3D is a texel coordinate.
type Origin3D struct {
	X, Y, Z uint32
}

// TextureCopy describes a copy between a texture box and a placed
// footprint in a buffer. Rows of the footprint are RowPitch bytes apart and
// slices are RowPitch*Height bytes apart.
type TextureCopy struct {
	BufferOffset uint64
	RowPitch     uint32

	Origin Origin3D
	Width  uint32
	Height uint32
	Depth  uint32
}

// InRange reports whether the size bytes at off lie within limit bytes.
// Unlike off+size <= limit it cannot wrap around.
func InRange(off, size, limit uint64) bool {
	return size <= limit && off <= limit-size
}

// FootprintFits reports whether the buffer bytes touched by c, for texels
// of bpp bytes, lie within a buffer of size bytes.
func (c TextureCopy) FootprintFits(bpp uint32, size uint64) bool {
	rows := uint64(c.Height) * uint64(c.Depth)
	if rows == 0 {
		return c.BufferOffset <= size
	}
	hi, span := bits.Mul64(rows-1, uint64(c.RowPitch))
	if hi != 0 {
		return false
	}
	span, carry := bits.Add64(span, uint64(c.Width)*uint64(bpp), 0)
	return carry == 0 && InRange(c.BufferOffset, span, size)
}

// BoxFits reports whether the copy box lies within a texture of the given
// extent.
func (c TextureCopy) BoxFits(width, height, depth uint32) bool {
	return InRange(uint64(c.Origin.X), uint64(c.Width), uint64(width)) &&
		InRange(uint64(c.Origin.Y), uint64(c.Height), uint64(height)) &&
		InRange(uint64(c.Origin.Z), uint64(c.Depth), uint64(depth))
}
