package gpusync

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/gpusync/backend"
	"github.com/gogpu/gputypes"
)

// Alignment requirements of the GPU copy and binding ABI.
const (
	// ConstantBufferAlignment is the size and offset granularity of
	// constant buffers.
	ConstantBufferAlignment = 256

	// TexturePitchAlignment is the required alignment of texture row
	// pitches in staging buffers.
	TexturePitchAlignment = 256

	// TexturePlacementAlignment is the required alignment of texture
	// footprint offsets in staging buffers.
	TexturePlacementAlignment = 512
)

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Region is a named sub-range of a staging buffer.
type Region struct {
	Name   string
	Offset uint64
	Size   uint64
}

// End returns one past the last byte of the region.
func (r Region) End() uint64 { return r.Offset + r.Size }

// Layout is the fixed byte layout of a staging buffer.
type Layout struct {
	regions []Region
	size    uint64
}

// FlatLayout returns a layout with one region named "data".
func FlatLayout(size uint64) Layout {
	return Layout{regions: []Region{{Name: "data", Size: size}}, size: size}
}

// Size returns the total size of the layout in bytes.
func (l Layout) Size() uint64 { return l.size }

// Regions returns the regions in offset order.
func (l Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}

// Region returns the region with the given name.
func (l Layout) Region(name string) (Region, bool) {
	for _, r := range l.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// LayoutBuilder assembles a Layout region by region.
//
//	layout, err := gpusync.NewLayout().
//		Add("vertices", vertexBytes, 4).
//		Add("indices", indexBytes, 4).
//		AddConstants("camera", 64).
//		Build()
type LayoutBuilder struct {
	regions []Region
	offset  uint64
	err     error
}

// NewLayout starts an empty layout.
func NewLayout() *LayoutBuilder {
	return &LayoutBuilder{}
}

// Add appends a region aligned to align bytes. align must be a power of two;
// zero means 1.
func (b *LayoutBuilder) Add(name string, size, align uint64) *LayoutBuilder {
	if b.err != nil {
		return b
	}
	if align == 0 {
		align = 1
	}
	switch {
	case size == 0:
		b.err = fmt.Errorf("layout region %q: zero size", name)
	case bits.OnesCount64(align) != 1:
		b.err = fmt.Errorf("layout region %q: alignment %d is not a power of two", name, align)
	}
	for _, r := range b.regions {
		if r.Name == name && b.err == nil {
			b.err = fmt.Errorf("layout region %q: duplicate name", name)
		}
	}
	if b.err != nil {
		return b
	}
	off := AlignUp(b.offset, align)
	b.regions = append(b.regions, Region{Name: name, Offset: off, Size: size})
	b.offset = off + size
	return b
}

// AddConstants appends a constant buffer region. Both its offset and its
// size are rounded to ConstantBufferAlignment.
func (b *LayoutBuilder) AddConstants(name string, size uint64) *LayoutBuilder {
	return b.Add(name, AlignUp(max(size, 1), ConstantBufferAlignment), ConstantBufferAlignment)
}

// AddTexture appends a texture footprint region at TexturePlacementAlignment.
func (b *LayoutBuilder) AddTexture(name string, fp Footprint) *LayoutBuilder {
	return b.Add(name, fp.Size, TexturePlacementAlignment)
}

// Build returns the layout or the first error encountered.
func (b *LayoutBuilder) Build() (Layout, error) {
	if b.err != nil {
		return Layout{}, b.err
	}
	if len(b.regions) == 0 {
		return Layout{}, fmt.Errorf("layout: no regions")
	}
	regions := make([]Region, len(b.regions))
	copy(regions, b.regions)
	return Layout{regions: regions, size: b.offset}, nil
}

// Footprint is the placed layout of a texture box in a staging buffer.
type Footprint struct {
	Format   gputypes.TextureFormat
	Width    uint32
	Height   uint32
	Depth    uint32
	RowPitch uint32
	// Size covers every row at RowPitch.
	Size uint64
}

// TextureFootprint returns the footprint for copying a w×h×d box of the
// given format, with the row pitch rounded to TexturePitchAlignment.
func TextureFootprint(format gputypes.TextureFormat, w, h, d uint32) (Footprint, error) {
	bpp := backend.BytesPerPixel(format)
	if bpp == 0 {
		return Footprint{}, fmt.Errorf("texture footprint: format %v is not copyable", format)
	}
	if w == 0 || h == 0 || d == 0 {
		return Footprint{}, fmt.Errorf("texture footprint: empty box %dx%dx%d", w, h, d)
	}
	pitch := uint32(AlignUp(uint64(w)*uint64(bpp), TexturePitchAlignment))
	return Footprint{
		Format:   format,
		Width:    w,
		Height:   h,
		Depth:    d,
		RowPitch: pitch,
		Size:     uint64(pitch) * uint64(h) * uint64(d),
	}, nil
}
