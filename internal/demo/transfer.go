package demo

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/gogpu/gputypes"
	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/gpusync"
)

// Pattern returns n bytes of a deterministic test pattern.
func Pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

// RoundTrip uploads a pattern into a UAV in one submission and reads it back
// in a second, then compares.
func RoundTrip(ctx context.Context, c *gpusync.Context, _ Config) (Result, error) {
	const size = 4096
	r, err := newRunner(ctx, c, "roundtrip")
	if err != nil {
		return Result{}, err
	}
	defer r.close()

	layout := gpusync.FlatLayout(size)
	dst, err := c.CreateBuffer(gpusync.BufferDesc{Label: "roundtrip", Size: size, Role: gpusync.RoleUnorderedAccess})
	if err != nil {
		return Result{}, err
	}
	up, err := c.CreateUploadBuffer("roundtrip-up", layout)
	if err != nil {
		release(dst)
		return Result{}, err
	}
	rb, err := c.CreateReadbackBuffer("roundtrip-rb", layout)
	if err != nil {
		release(dst, up)
		return Result{}, err
	}
	defer release(dst, up, rb)

	want := Pattern(size)
	if err := up.WriteRegion("data", want); err != nil {
		return Result{}, err
	}
	if err := r.step(func(s *gpusync.Session) error {
		return s.UploadAndSync(dst, up, 0, 0, size)
	}); err != nil {
		return r.res, err
	}
	if err := r.step(func(s *gpusync.Session) error {
		return s.ReadbackAndSync(size, rb, dst)
	}); err != nil {
		return r.res, err
	}

	got, err := rb.ReadRegion("data")
	if err != nil {
		return r.res, err
	}
	if i := firstDiff(got, want); i >= 0 {
		return r.res, fmt.Errorf("%w: byte %d = %#x, want %#x", ErrMismatch, i, got[i], want[i])
	}
	r.res.Verified = size
	return r.res, nil
}

func firstDiff(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range min(len(a), len(b)) {
		if a[i] != b[i] {
			return i
		}
	}
	return min(len(a), len(b))
}

// Texture scenario dimensions. 64 RGBA8 texels fill one pitch-aligned row.
const (
	texWidth  = 64
	texHeight = 16
)

// SourceImage returns the small gradient the texture scenario upscales.
func SourceImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := range 4 {
		for x := range 8 {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 64), B: 0x80, A: 0xff})
		}
	}
	return img
}

// ScaledImage upscales SourceImage to the texture size.
func ScaledImage() *image.RGBA {
	src := SourceImage()
	dst := image.NewRGBA(image.Rect(0, 0, texWidth, texHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// TextureRoundTrip scales an image into an RGBA8 texture through a staging
// footprint and reads the texels back row by row.
func TextureRoundTrip(ctx context.Context, c *gpusync.Context, _ Config) (Result, error) {
	format := gputypes.TextureFormatRGBA8Unorm
	fp, err := gpusync.TextureFootprint(format, texWidth, texHeight, 1)
	if err != nil {
		return Result{}, err
	}
	layout, err := gpusync.NewLayout().AddTexture("texels", fp).Build()
	if err != nil {
		return Result{}, err
	}

	r, err := newRunner(ctx, c, "texture")
	if err != nil {
		return Result{}, err
	}
	defer r.close()

	tex, err := c.CreateTexture(gpusync.TextureDesc{
		Label: "scaled", Width: texWidth, Height: texHeight,
		Format: format, Role: gpusync.RoleTexture,
	})
	if err != nil {
		return Result{}, err
	}
	up, err := c.CreateUploadBuffer("texture-up", layout)
	if err != nil {
		release(tex)
		return Result{}, err
	}
	rb, err := c.CreateReadbackBuffer("texture-rb", layout)
	if err != nil {
		release(tex, up)
		return Result{}, err
	}
	defer release(tex, up, rb)

	img := ScaledImage()
	region, _ := layout.Region("texels")
	rowBytes := uint64(texWidth * 4)
	if err := up.WithMapped(func(mem []byte) error {
		for y := range texHeight {
			off := region.Offset + uint64(y)*uint64(fp.RowPitch)
			copy(mem[off:off+rowBytes], img.Pix[y*img.Stride:])
		}
		return nil
	}); err != nil {
		return Result{}, err
	}

	cp := gpusync.FootprintCopy(fp, region.Offset)
	if err := r.step(func(s *gpusync.Session) error {
		return s.UploadTexture(tex, up, cp)
	}); err != nil {
		return r.res, err
	}
	if err := r.step(func(s *gpusync.Session) error {
		return s.ReadbackTexture(rb, tex, cp)
	}); err != nil {
		return r.res, err
	}

	for y := range texHeight {
		got, err := rb.Read(region.Offset+uint64(y)*uint64(fp.RowPitch), rowBytes)
		if err != nil {
			return r.res, err
		}
		want := img.Pix[y*img.Stride : y*img.Stride+int(rowBytes)]
		if i := firstDiff(got, want); i >= 0 {
			return r.res, fmt.Errorf("%w: row %d byte %d = %#x, want %#x", ErrMismatch, y, i, got[i], want[i])
		}
		r.res.Verified += rowBytes
	}
	return r.res, nil
}
