package gpusync

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/gpusync/backend"
	"github.com/gogpu/gputypes"
)

// TransferOption configures a staging transfer.
type TransferOption func(*transferOptions)

type transferOptions struct {
	final     *State
	restore   bool
	dstOffset uint64
	srcOffset uint64
}

func newTransferOptions(opts []TransferOption) transferOptions {
	o := transferOptions{restore: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithFinalState sets the state the device resource is left in after the
// copy, overriding the steady or restored state.
func WithFinalState(s State) TransferOption {
	return func(o *transferOptions) { o.final = &s }
}

// WithoutRestore leaves the device resource of a readback in CopySource
// instead of returning it to the state it was in before the copy.
func WithoutRestore() TransferOption {
	return func(o *transferOptions) { o.restore = false }
}

// WithOffsets sets the destination and source byte offsets of a readback.
func WithOffsets(dst, src uint64) TransferOption {
	return func(o *transferOptions) {
		o.dstOffset = dst
		o.srcOffset = src
	}
}

// UploadAndSync records the upload of size bytes from src at srcOffset to
// dst at dstOffset, bracketed by barriers:
//
//	dst: current -> CopyDest   (omitted if already CopyDest)
//	copy src -> dst
//	dst: CopyDest -> final     (omitted if final is CopyDest)
//
// final is dst's steady state unless WithFinalState is given. Every
// transition is validated before anything is recorded.
//
// Several uploads into one buffer within a session must pass
// WithFinalState(CopyDest) to every upload but the last. Otherwise the
// second upload leaves the steady state with no use in between and is
// rejected with ErrTransition.
//
// src must not be mapped again until the fence value covering the session
// is reached.
func (s *Session) UploadAndSync(dst *Resource, src *StagingBuffer, dstOffset, srcOffset, size uint64, opts ...TransferOption) error {
	const op = "UploadAndSync"
	if err := s.primary(op); err != nil {
		return err
	}
	if err := s.checkStaging(op, src, true); err != nil {
		return err
	}
	if err := s.checkDeviceBuffer(op, dst); err != nil {
		return err
	}
	if size == 0 || !backend.InRange(srcOffset, size, src.size) || !backend.InRange(dstOffset, size, dst.size) {
		return s.recErr(op, fmt.Errorf("copy %d bytes %q+%d -> %q+%d: %w",
			size, src.label, srcOffset, dst.label, dstOffset, ErrOutOfBounds))
	}

	o := newTransferOptions(opts)
	final := dst.SteadyState()
	if o.final != nil {
		final = *o.final
	}
	return s.bracket(dst, CopyDest, final, func() {
		s.list.CopyBuffer(dst.native.(backend.Buffer), dstOffset, src.native.(backend.Buffer), srcOffset, size)
		s.touch(dst, src.Resource)
	})
}

// UploadRegion uploads a named region of src to dst at dstOffset.
func (s *Session) UploadRegion(dst *Resource, src *StagingBuffer, region string, dstOffset uint64, opts ...TransferOption) error {
	if src == nil {
		return s.recErr("UploadRegion", fmt.Errorf("nil staging buffer"))
	}
	r, ok := src.Region(region)
	if !ok {
		return s.recErr("UploadRegion", fmt.Errorf("%q has no region %q", src.label, region))
	}
	return s.UploadAndSync(dst, src, dstOffset, r.Offset, r.Size, opts...)
}

// ReadbackAndSync records the readback of size bytes of src, which must be
// in UnorderedAccess, into dst:
//
//	src: UnorderedAccess -> CopySource
//	copy src -> dst
//	src: CopySource -> UnorderedAccess  (omitted WithoutRestore)
//
// Offsets default to zero and are set with WithOffsets. dst must not be
// read until the fence value covering the session is reached.
func (s *Session) ReadbackAndSync(size uint64, dst *StagingBuffer, src *Resource, opts ...TransferOption) error {
	const op = "ReadbackAndSync"
	if err := s.primary(op); err != nil {
		return err
	}
	if err := s.checkDeviceBuffer(op, src); err != nil {
		return err
	}
	if cur := src.State(); cur != UnorderedAccess {
		return &TransitionError{Resource: src.label, From: cur, To: CopySource, Current: cur,
			Reason: "readback source must be in UnorderedAccess"}
	}
	o := newTransferOptions(opts)
	final := UnorderedAccess
	if !o.restore {
		final = CopySource
	}
	if o.final != nil {
		final = *o.final
	}
	return s.readback(op, size, dst, src, final, o)
}

// ReadbackBuffer records the readback of size bytes of a buffer in any
// state. The buffer returns to its current state after the copy unless
// WithoutRestore or WithFinalState is given. Upload heap buffers are copied
// without barriers.
func (s *Session) ReadbackBuffer(size uint64, dst *StagingBuffer, src *Resource, opts ...TransferOption) error {
	const op = "ReadbackBuffer"
	if err := s.primary(op); err != nil {
		return err
	}
	if err := src.alive(); err != nil {
		return s.recErr(op, err)
	}
	if src.kind != backend.KindBuffer || src.heap == backend.HeapReadback {
		return s.recErr(op, fmt.Errorf("%q cannot be a readback source", src.label))
	}
	o := newTransferOptions(opts)
	final := src.State()
	switch {
	case o.final != nil:
		final = *o.final
	case !o.restore:
		final = CopySource
	}
	return s.readback(op, size, dst, src, final, o)
}

func (s *Session) readback(op string, size uint64, dst *StagingBuffer, src *Resource, final State, o transferOptions) error {
	if err := s.checkStaging(op, dst, false); err != nil {
		return err
	}
	if size == 0 || !backend.InRange(o.srcOffset, size, src.size) || !backend.InRange(o.dstOffset, size, dst.size) {
		return s.recErr(op, fmt.Errorf("copy %d bytes %q+%d -> %q+%d: %w",
			size, src.label, o.srcOffset, dst.label, o.dstOffset, ErrOutOfBounds))
	}
	record := func() {
		s.list.CopyBuffer(dst.native.(backend.Buffer), o.dstOffset, src.native.(backend.Buffer), o.srcOffset, size)
		s.touch(dst.Resource, src)
	}
	if src.heap == backend.HeapUpload {
		record()
		return nil
	}
	return s.bracket(src, CopySource, final, record)
}

// TextureCopy describes a box of a texture and its footprint in a staging
// buffer.
type TextureCopy struct {
	// X, Y and Z are the texel origin of the box.
	X, Y, Z uint32
	// Width, Height and Depth size the box. Zero Height or Depth means 1.
	Width, Height, Depth uint32
	// RowPitch is the byte distance between rows in the staging buffer. It
	// must be a multiple of TexturePitchAlignment.
	RowPitch uint32
	// Format must match the texture. Undefined means the texture's format.
	Format gputypes.TextureFormat
	// Offset is the footprint offset in the staging buffer. It must be a
	// multiple of TexturePlacementAlignment.
	Offset uint64
}

// FootprintCopy returns the copy of a whole footprint at offset to the
// texture origin.
func FootprintCopy(fp Footprint, offset uint64) TextureCopy {
	return TextureCopy{
		Width: fp.Width, Height: fp.Height, Depth: fp.Depth,
		RowPitch: fp.RowPitch, Format: fp.Format, Offset: offset,
	}
}

func (c TextureCopy) native() backend.TextureCopy {
	return backend.TextureCopy{
		BufferOffset: c.Offset,
		RowPitch:     c.RowPitch,
		Origin:       backend.Origin3D{X: c.X, Y: c.Y, Z: c.Z},
		Width:        c.Width,
		Height:       c.Height,
		Depth:        c.Depth,
	}
}

// UploadTexture records the upload of a footprint in src to a box of dst,
// bracketed by barriers like UploadAndSync. dst ends in its steady state
// unless WithFinalState is given.
func (s *Session) UploadTexture(dst *Resource, src *StagingBuffer, c TextureCopy, opts ...TransferOption) error {
	const op = "UploadTexture"
	if err := s.primary(op); err != nil {
		return err
	}
	if err := s.checkStaging(op, src, true); err != nil {
		return err
	}
	c, err := s.checkTextureCopy(op, dst, src, c)
	if err != nil {
		return err
	}
	o := newTransferOptions(opts)
	final := dst.SteadyState()
	if o.final != nil {
		final = *o.final
	}
	return s.bracket(dst, CopyDest, final, func() {
		s.list.CopyBufferToTexture(dst.native.(backend.Texture), src.native.(backend.Buffer), c.native())
		s.touch(dst, src.Resource)
	})
}

// ReadbackTexture records the readback of a box of src into a footprint of
// dst. src returns to its current state unless WithoutRestore or
// WithFinalState is given.
func (s *Session) ReadbackTexture(dst *StagingBuffer, src *Resource, c TextureCopy, opts ...TransferOption) error {
	const op = "ReadbackTexture"
	if err := s.primary(op); err != nil {
		return err
	}
	if err := s.checkStaging(op, dst, false); err != nil {
		return err
	}
	c, err := s.checkTextureCopy(op, src, dst, c)
	if err != nil {
		return err
	}
	o := newTransferOptions(opts)
	final := src.State()
	switch {
	case o.final != nil:
		final = *o.final
	case !o.restore:
		final = CopySource
	}
	return s.bracket(src, CopySource, final, func() {
		s.list.CopyTextureToBuffer(dst.native.(backend.Buffer), src.native.(backend.Texture), c.native())
		s.touch(dst.Resource, src)
	})
}

// CopyBuffer records a device to device copy. dst must already be in
// CopyDest and src in CopySource; no barriers are recorded.
func (s *Session) CopyBuffer(dst *Resource, dstOffset uint64, src *Resource, srcOffset, size uint64) error {
	const op = "CopyBuffer"
	if err := s.primary(op); err != nil {
		return err
	}
	for _, r := range []*Resource{dst, src} {
		if err := r.alive(); err != nil {
			return s.recErr(op, err)
		}
		if r.kind != backend.KindBuffer {
			return s.recErr(op, fmt.Errorf("%q is not a buffer", r.label))
		}
	}
	if cur := dst.State(); cur != CopyDest {
		return &TransitionError{Resource: dst.label, From: cur, To: CopyDest, Current: cur,
			Reason: "copy destination must be in CopyDest"}
	}
	if cur := src.State(); cur != CopySource && cur != GenericRead {
		return &TransitionError{Resource: src.label, From: cur, To: CopySource, Current: cur,
			Reason: "copy source must be in CopySource"}
	}
	if size == 0 || !backend.InRange(srcOffset, size, src.size) || !backend.InRange(dstOffset, size, dst.size) {
		return s.recErr(op, fmt.Errorf("copy %d bytes %q+%d -> %q+%d: %w",
			size, src.label, srcOffset, dst.label, dstOffset, ErrOutOfBounds))
	}
	s.list.CopyBuffer(dst.native.(backend.Buffer), dstOffset, src.native.(backend.Buffer), srcOffset, size)
	s.touch(dst, src)
	return nil
}

// bracket records r: current -> copyState, the copy, then copyState ->
// final. Both transitions are validated before anything is recorded.
func (s *Session) bracket(r *Resource, copyState, final State, record func()) error {
	var in []Barrier
	if cur := r.State(); cur != copyState {
		b, err := s.ctx.tracker.Transition(r, cur, copyState)
		if err != nil {
			return err
		}
		in = append(in, b)
	}
	if final != copyState {
		if reason := legalState(r, final); reason != "" {
			return &TransitionError{Resource: r.label, From: copyState, To: final, Current: r.State(), Reason: reason}
		}
	}

	if err := s.Barrier(in...); err != nil {
		return err
	}
	record()
	if final == copyState {
		return nil
	}
	return s.Barrier(Barrier{Resource: r, Before: copyState, After: final})
}

func (s *Session) checkStaging(op string, b *StagingBuffer, upload bool) error {
	if b == nil {
		return s.recErr(op, fmt.Errorf("nil staging buffer"))
	}
	if err := b.alive(); err != nil {
		return s.recErr(op, err)
	}
	want := backend.HeapReadback
	if upload {
		want = backend.HeapUpload
	}
	if b.heap != want {
		return s.recErr(op, fmt.Errorf("%q is a %s buffer, want %s", b.label, b.heap, want))
	}
	return nil
}

func (s *Session) checkDeviceBuffer(op string, r *Resource) error {
	if err := r.alive(); err != nil {
		return s.recErr(op, err)
	}
	if r.kind != backend.KindBuffer || r.heap != backend.HeapDefault {
		return s.recErr(op, fmt.Errorf("%q is not a device buffer", r.label))
	}
	return nil
}

// checkTextureCopy validates c against the texture and staging buffer and
// fills in defaults.
func (s *Session) checkTextureCopy(op string, tex *Resource, buf *StagingBuffer, c TextureCopy) (TextureCopy, error) {
	if err := tex.alive(); err != nil {
		return c, s.recErr(op, err)
	}
	if tex.kind != backend.KindTexture {
		return c, s.recErr(op, fmt.Errorf("%q is not a texture", tex.label))
	}
	d := tex.tex
	if c.Format == gputypes.TextureFormatUndefined {
		c.Format = d.Format
	}
	c.Height = max(c.Height, 1)
	c.Depth = max(c.Depth, 1)

	bpp := backend.BytesPerPixel(c.Format)
	switch {
	case c.Format != d.Format:
		return c, s.recErr(op, fmt.Errorf("footprint format %v, texture %q is %v", c.Format, tex.label, d.Format))
	case bpp == 0:
		return c, s.recErr(op, fmt.Errorf("format %v is not copyable", c.Format))
	case c.Width == 0:
		return c, s.recErr(op, fmt.Errorf("empty copy box"))
	case c.RowPitch%TexturePitchAlignment != 0:
		return c, s.recErr(op, fmt.Errorf("row pitch %d: %w", c.RowPitch, ErrMisaligned))
	case c.Offset%TexturePlacementAlignment != 0:
		return c, s.recErr(op, fmt.Errorf("footprint offset %d: %w", c.Offset, ErrMisaligned))
	case uint64(c.RowPitch) < uint64(c.Width)*uint64(bpp):
		return c, s.recErr(op, fmt.Errorf("row pitch %d shorter than %d texels", c.RowPitch, c.Width))
	case uint64(c.X)+uint64(c.Width) > uint64(d.Width),
		uint64(c.Y)+uint64(c.Height) > uint64(max(d.Height, 1)),
		uint64(c.Z)+uint64(c.Depth) > uint64(max(d.Depth, 1)):
		return c, s.recErr(op, fmt.Errorf("box %d,%d,%d+%dx%dx%d outside %q: %w",
			c.X, c.Y, c.Z, c.Width, c.Height, c.Depth, tex.label, ErrOutOfBounds))
	}
	hi, span := bits.Mul64(uint64(c.RowPitch), uint64(c.Height)*uint64(c.Depth))
	if hi != 0 || !backend.InRange(c.Offset, span, buf.size) {
		return c, s.recErr(op, fmt.Errorf("footprint of %d rows at %d does not fit %q (%d bytes): %w",
			uint64(c.Height)*uint64(c.Depth), c.Offset, buf.label, buf.size, ErrOutOfBounds))
	}
	return c, nil
}
