package gpusync_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusync"
	"github.com/gogpu/gpusync/backend"
	"github.com/gogpu/gpusync/backend/sim"
)

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func recordedBarriers(t *testing.T, s *gpusync.Session) []backend.Barrier {
	t.Helper()
	l, ok := s.Native().(*sim.CommandList)
	if !ok {
		t.Fatalf("Native() = %T, want *sim.CommandList", s.Native())
	}
	return l.Barriers()
}

// =============================================================================
// Buffer transfers
// =============================================================================

func TestUploadReadbackRoundTrip(t *testing.T) {
	c, dev := newContext(t)
	const n = 1024
	want := pattern(n)

	dst := mustBuffer(t, c, "uav", n, gpusync.RoleUnorderedAccess, gpusync.Common)
	up := mustUpload(t, c, "up", n)
	rb := mustReadback(t, c, "rb", n)
	if err := up.Write(0, want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	s := begin(t, c, "upload")
	if err := s.UploadAndSync(dst, up, 0, 0, n); err != nil {
		t.Fatalf("UploadAndSync() error = %v", err)
	}
	run(t, c, end(t, s))
	if got := dst.State(); got != gpusync.UnorderedAccess {
		t.Errorf("State() after upload = %v, want UnorderedAccess", got)
	}

	s = begin(t, c, "readback")
	if err := s.ReadbackAndSync(n, rb, dst); err != nil {
		t.Fatalf("ReadbackAndSync() error = %v", err)
	}
	run(t, c, end(t, s))

	got, err := rb.Read(0, n)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("readback bytes differ from uploaded bytes")
	}
	if got := dst.State(); got != gpusync.UnorderedAccess {
		t.Errorf("State() after readback = %v, want UnorderedAccess", got)
	}
	noViolations(t, dev)
}

func TestUploadRecordsBalancedBarriers(t *testing.T) {
	c, _ := newContext(t)
	dst := mustBuffer(t, c, "vb", 64, gpusync.RoleVertex, gpusync.Common)
	up := mustUpload(t, c, "up", 64)

	s := begin(t, c, "upload")
	if err := s.UploadAndSync(dst, up, 0, 0, 64); err != nil {
		t.Fatalf("UploadAndSync() error = %v", err)
	}

	got := recordedBarriers(t, s)
	want := []backend.Barrier{
		{Resource: dst.Native(), Before: gpusync.Common, After: gpusync.CopyDest},
		{Resource: dst.Native(), Before: gpusync.CopyDest, After: gpusync.GenericRead},
	}
	if len(got) != len(want) {
		t.Fatalf("recorded %d barriers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("barrier[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if s.BarrierCount() != 2 {
		t.Errorf("BarrierCount() = %d, want 2", s.BarrierCount())
	}
}

func TestUploadSteadyStates(t *testing.T) {
	tests := []struct {
		role gpusync.Role
		opts []gpusync.TransferOption
		want gpusync.State
	}{
		{gpusync.RoleVertex, nil, gpusync.GenericRead},
		{gpusync.RoleIndex, nil, gpusync.GenericRead},
		{gpusync.RoleConstant, nil, gpusync.GenericRead},
		{gpusync.RoleUnorderedAccess, nil, gpusync.UnorderedAccess},
		{gpusync.RoleIndirectArgument, nil, gpusync.IndirectArgument},
		{gpusync.RoleVertex, []gpusync.TransferOption{gpusync.WithFinalState(gpusync.CopySource)}, gpusync.CopySource},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			c, dev := newContext(t)
			dst := mustBuffer(t, c, "dst", 32, tt.role, gpusync.Common)
			up := mustUpload(t, c, "up", 32)

			s := begin(t, c, "upload")
			if err := s.UploadAndSync(dst, up, 0, 0, 32, tt.opts...); err != nil {
				t.Fatalf("UploadAndSync() error = %v", err)
			}
			run(t, c, end(t, s))
			if got := dst.State(); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
			noViolations(t, dev)
		})
	}
}

func TestUploadAlreadyInCopyDest(t *testing.T) {
	c, dev := newContext(t)
	dst := mustBuffer(t, c, "dst", 16, gpusync.RoleGeneric, gpusync.CopyDest)
	up := mustUpload(t, c, "up", 16)

	s := begin(t, c, "upload")
	if err := s.UploadAndSync(dst, up, 0, 0, 16, gpusync.WithFinalState(gpusync.CopyDest)); err != nil {
		t.Fatalf("UploadAndSync() error = %v", err)
	}
	if n := s.BarrierCount(); n != 0 {
		t.Errorf("BarrierCount() = %d, want 0", n)
	}
	run(t, c, end(t, s))
	noViolations(t, dev)
}

func TestUploadRegionAtOffset(t *testing.T) {
	c, dev := newContext(t)
	layout, err := gpusync.NewLayout().
		Add("header", 4, 4).
		AddConstants("camera", 64).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	up, err := c.CreateUploadBuffer("frame", layout)
	if err != nil {
		t.Fatalf("CreateUploadBuffer() error = %v", err)
	}
	camera := pattern(64)
	if err := up.WriteRegion("camera", camera); err != nil {
		t.Fatalf("WriteRegion() error = %v", err)
	}

	cb := mustBuffer(t, c, "cb", 512, gpusync.RoleConstant, gpusync.Common)
	rb := mustReadback(t, c, "rb", 512)

	s := begin(t, c, "upload")
	if err := s.UploadRegion(cb, up, "camera", 256); err != nil {
		t.Fatalf("UploadRegion() error = %v", err)
	}
	run(t, c, end(t, s))

	s = begin(t, c, "readback")
	if err := s.ReadbackBuffer(512, rb, cb); err != nil {
		t.Fatalf("ReadbackBuffer() error = %v", err)
	}
	run(t, c, end(t, s))

	got, err := rb.Read(256, 64)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, camera) {
		t.Error("region bytes differ after round trip")
	}
	if st := cb.State(); st != gpusync.GenericRead {
		t.Errorf("State() after ReadbackBuffer = %v, want restored GenericRead", st)
	}
	noViolations(t, dev)
}

func TestReadbackWithoutRestore(t *testing.T) {
	c, dev := newContext(t)
	src := mustBuffer(t, c, "uav", 16, gpusync.RoleUnorderedAccess, gpusync.UnorderedAccess)
	rb := mustReadback(t, c, "rb", 16)

	s := begin(t, c, "readback")
	if err := s.ReadbackAndSync(16, rb, src, gpusync.WithoutRestore()); err != nil {
		t.Fatalf("ReadbackAndSync() error = %v", err)
	}
	if n := s.BarrierCount(); n != 1 {
		t.Errorf("BarrierCount() = %d, want 1", n)
	}
	run(t, c, end(t, s))
	if got := src.State(); got != gpusync.CopySource {
		t.Errorf("State() = %v, want CopySource", got)
	}
	noViolations(t, dev)
}

func TestReadbackRequiresUnorderedAccess(t *testing.T) {
	c, _ := newContext(t)
	src := mustBuffer(t, c, "b", 16, gpusync.RoleGeneric, gpusync.Common)
	rb := mustReadback(t, c, "rb", 16)

	s := begin(t, c, "readback")
	err := s.ReadbackAndSync(16, rb, src)
	if !errors.Is(err, gpusync.ErrTransition) {
		t.Errorf("ReadbackAndSync() error = %v, want ErrTransition", err)
	}
	if n := s.BarrierCount(); n != 0 {
		t.Errorf("BarrierCount() = %d after rejected readback, want 0", n)
	}
}

func TestUploadTwoRegionsOneSession(t *testing.T) {
	tests := []struct {
		name  string
		first []gpusync.TransferOption
		err   error
	}{
		{"steady state between uploads", nil, gpusync.ErrTransition},
		{"CopyDest between uploads", []gpusync.TransferOption{gpusync.WithFinalState(gpusync.CopyDest)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dev := newContext(t)
			dst := mustBuffer(t, c, "dst", 32, gpusync.RoleVertex, gpusync.Common)
			up := mustUpload(t, c, "up", 32)
			want := pattern(32)
			if err := up.Write(0, want); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			s := begin(t, c, "upload")
			if err := s.UploadAndSync(dst, up, 0, 0, 16, tt.first...); err != nil {
				t.Fatalf("first UploadAndSync() error = %v", err)
			}
			err := s.UploadAndSync(dst, up, 16, 16, 16)
			if !errors.Is(err, tt.err) {
				t.Fatalf("second UploadAndSync() error = %v, want %v", err, tt.err)
			}
			run(t, c, end(t, s))
			if got := dst.State(); got != gpusync.GenericRead {
				t.Errorf("State() = %v, want GenericRead", got)
			}
			noViolations(t, dev)
			if tt.err != nil {
				return
			}

			rb := mustReadback(t, c, "rb", 32)
			s = begin(t, c, "readback")
			if err := s.ReadbackBuffer(32, rb, dst); err != nil {
				t.Fatalf("ReadbackBuffer() error = %v", err)
			}
			run(t, c, end(t, s))
			got, err := rb.Read(0, 32)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Read() = %v, want %v", got, want)
			}
		})
	}
}

func TestReadbackAfterUploadNeedsUse(t *testing.T) {
	c, dev := newContext(t)
	dst := mustBuffer(t, c, "uav", 16, gpusync.RoleUnorderedAccess, gpusync.Common)
	up := mustUpload(t, c, "up", 16)
	rb := mustReadback(t, c, "rb", 16)

	s := begin(t, c, "both")
	if err := s.UploadAndSync(dst, up, 0, 0, 16); err != nil {
		t.Fatalf("UploadAndSync() error = %v", err)
	}
	// UnorderedAccess was just entered; leaving it again without a use is
	// a redundant barrier pair.
	if err := s.ReadbackAndSync(16, rb, dst); !errors.Is(err, gpusync.ErrTransition) {
		t.Fatalf("ReadbackAndSync() without use error = %v, want ErrTransition", err)
	}
	if err := s.Use(dst); err != nil {
		t.Fatalf("Use() error = %v", err)
	}
	if err := s.ReadbackAndSync(16, rb, dst); err != nil {
		t.Fatalf("ReadbackAndSync() after use error = %v", err)
	}
	run(t, c, end(t, s))
	noViolations(t, dev)
}

func TestUploadValidation(t *testing.T) {
	c, _ := newContext(t)
	dst := mustBuffer(t, c, "dst", 16, gpusync.RoleGeneric, gpusync.Common)
	up := mustUpload(t, c, "up", 16)
	rb := mustReadback(t, c, "rb", 16)

	s := begin(t, c, "upload")
	tests := []struct {
		name string
		err  error
		call func() error
	}{
		{"source past end", gpusync.ErrOutOfBounds, func() error { return s.UploadAndSync(dst, up, 0, 8, 16) }},
		{"destination past end", gpusync.ErrOutOfBounds, func() error { return s.UploadAndSync(dst, up, 8, 0, 16) }},
		{"zero size", gpusync.ErrOutOfBounds, func() error { return s.UploadAndSync(dst, up, 0, 0, 0) }},
		{"source offset wraps", gpusync.ErrOutOfBounds, func() error { return s.UploadAndSync(dst, up, 0, math.MaxUint64, 2) }},
		{"destination offset wraps", gpusync.ErrOutOfBounds, func() error { return s.UploadAndSync(dst, up, math.MaxUint64-7, 0, 16) }},
		{"readback source offset wraps", gpusync.ErrOutOfBounds, func() error {
			return s.ReadbackBuffer(16, rb, dst, gpusync.WithOffsets(0, math.MaxUint64-7))
		}},
		{"readback destination offset wraps", gpusync.ErrOutOfBounds, func() error {
			return s.ReadbackBuffer(2, rb, dst, gpusync.WithOffsets(math.MaxUint64, 0))
		}},
		{"readback source", gpusync.ErrRecording, func() error { return s.UploadAndSync(dst, rb, 0, 0, 16) }},
		{"staging destination", gpusync.ErrRecording, func() error { return s.UploadAndSync(up.Resource, up, 0, 0, 16) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.err) {
				t.Errorf("UploadAndSync() error = %v, want %v", err, tt.err)
			}
		})
	}
	if got := dst.State(); got != gpusync.Common {
		t.Errorf("State() after rejected uploads = %v, want Common", got)
	}
}

func TestCopyBufferRequiresCopyStates(t *testing.T) {
	c, dev := newContext(t)
	a := mustBuffer(t, c, "a", 16, gpusync.RoleGeneric, gpusync.Common)
	b := mustBuffer(t, c, "b", 16, gpusync.RoleGeneric, gpusync.Common)

	s := begin(t, c, "copy")
	if err := s.CopyBuffer(b, 0, a, 0, 16); !errors.Is(err, gpusync.ErrTransition) {
		t.Errorf("CopyBuffer() in Common error = %v, want ErrTransition", err)
	}
	if err := s.Transition(a, gpusync.CopySource); err != nil {
		t.Fatalf("Transition(a) error = %v", err)
	}
	if err := s.Transition(b, gpusync.CopyDest); err != nil {
		t.Fatalf("Transition(b) error = %v", err)
	}
	if err := s.CopyBuffer(b, 0, a, 0, 16); err != nil {
		t.Fatalf("CopyBuffer() error = %v", err)
	}
	run(t, c, end(t, s))
	noViolations(t, dev)
}

// =============================================================================
// Staging reuse
// =============================================================================

func TestStagingBusyUntilFenceReached(t *testing.T) {
	c, dev := newContext(t)
	resume := suspend(t, dev)

	dst := mustBuffer(t, c, "dst", 16, gpusync.RoleVertex, gpusync.Common)
	up := mustUpload(t, c, "up", 16)

	s := begin(t, c, "upload")
	if err := s.UploadAndSync(dst, up, 0, 0, 16); err != nil {
		t.Fatalf("UploadAndSync() error = %v", err)
	}
	if err := up.Write(0, []byte{1}); !errors.Is(err, gpusync.ErrResourceBusy) {
		t.Errorf("Write() while recording = %v, want ErrResourceBusy", err)
	}

	if err := c.Submit(end(t, s)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := up.Write(0, []byte{1}); !errors.Is(err, gpusync.ErrResourceBusy) {
		t.Errorf("Write() before signal = %v, want ErrResourceBusy", err)
	}

	v, err := c.Signal()
	if err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	err = up.Write(0, []byte{1})
	if !errors.Is(err, gpusync.ErrMap) || !errors.Is(err, gpusync.ErrResourceBusy) {
		t.Errorf("Write() before fence reached = %v, want ErrMap and ErrResourceBusy", err)
	}

	resume()
	if err := c.Fence().WaitUntilReached(waitCtx(t), v); err != nil {
		t.Fatalf("WaitUntilReached() error = %v", err)
	}
	if err := up.Write(0, []byte{1}); err != nil {
		t.Errorf("Write() after fence = %v, want nil", err)
	}
	noViolations(t, dev)
}

func TestStagingHeapDirection(t *testing.T) {
	c, _ := newContext(t)
	up := mustUpload(t, c, "up", 16)
	rb := mustReadback(t, c, "rb", 16)

	if err := rb.Write(0, []byte{1}); !errors.Is(err, gpusync.ErrMap) {
		t.Errorf("readback Write() = %v, want ErrMap", err)
	}
	if _, err := up.Read(0, 1); !errors.Is(err, gpusync.ErrMap) {
		t.Errorf("upload Read() = %v, want ErrMap", err)
	}
	if err := up.Write(8, make([]byte, 16)); !errors.Is(err, gpusync.ErrOutOfBounds) {
		t.Errorf("Write() past end = %v, want ErrOutOfBounds", err)
	}
}

func TestStagingAccessBounds(t *testing.T) {
	c, _ := newContext(t)
	up := mustUpload(t, c, "up", 16)
	rb := mustReadback(t, c, "rb", 16)

	tests := []struct {
		name string
		call func() error
	}{
		{"write past end", func() error { return up.Write(12, make([]byte, 8)) }},
		{"write offset wraps", func() error { return up.Write(math.MaxUint64-3, make([]byte, 8)) }},
		{"write larger than buffer", func() error { return up.Write(0, make([]byte, 17)) }},
		{"read past end", func() error { _, err := rb.Read(12, 8); return err }},
		{"read offset wraps", func() error { _, err := rb.Read(math.MaxUint64-3, 8); return err }},
		{"read size wraps", func() error { _, err := rb.Read(8, math.MaxUint64-3); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, gpusync.ErrOutOfBounds) {
				t.Errorf("error = %v, want ErrOutOfBounds", err)
			}
		})
	}
	if err := up.Write(8, make([]byte, 8)); err != nil {
		t.Errorf("Write() of last 8 bytes = %v, want nil", err)
	}
	if _, err := rb.Read(16, 0); err != nil {
		t.Errorf("Read() of 0 bytes at end = %v, want nil", err)
	}
}

// =============================================================================
// Textures
// =============================================================================

func TestTextureRoundTrip(t *testing.T) {
	c, dev := newContext(t)
	const w, h = 5, 3
	format := gputypes.TextureFormatRGBA8Unorm

	fp, err := gpusync.TextureFootprint(format, w, h, 1)
	if err != nil {
		t.Fatalf("TextureFootprint() error = %v", err)
	}
	if fp.RowPitch != gpusync.TexturePitchAlignment {
		t.Fatalf("RowPitch = %d, want %d", fp.RowPitch, gpusync.TexturePitchAlignment)
	}
	layout, err := gpusync.NewLayout().Add("header", 16, 16).AddTexture("texels", fp).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	region, _ := layout.Region("texels")
	if region.Offset != gpusync.TexturePlacementAlignment {
		t.Errorf("texels offset = %d, want %d", region.Offset, gpusync.TexturePlacementAlignment)
	}

	up, err := c.CreateUploadBuffer("up", layout)
	if err != nil {
		t.Fatalf("CreateUploadBuffer() error = %v", err)
	}
	rb, err := c.CreateReadbackBuffer("rb", layout)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer() error = %v", err)
	}
	tex := mustTexture(t, c, "tex", w, h, format, gpusync.RoleTexture, gpusync.Common)

	rows := make([][]byte, h)
	for y := range rows {
		rows[y] = pattern(w * 4)
		rows[y][0] = byte(y)
		if err := up.Write(region.Offset+uint64(y)*uint64(fp.RowPitch), rows[y]); err != nil {
			t.Fatalf("Write(row %d) error = %v", y, err)
		}
	}

	copyDesc := gpusync.FootprintCopy(fp, region.Offset)
	s := begin(t, c, "upload")
	if err := s.UploadTexture(tex, up, copyDesc); err != nil {
		t.Fatalf("UploadTexture() error = %v", err)
	}
	run(t, c, end(t, s))
	if got := tex.State(); got != gpusync.PixelShaderResource {
		t.Errorf("State() after upload = %v, want PixelShaderResource", got)
	}

	s = begin(t, c, "readback")
	if err := s.ReadbackTexture(rb, tex, copyDesc); err != nil {
		t.Fatalf("ReadbackTexture() error = %v", err)
	}
	run(t, c, end(t, s))

	for y := range rows {
		got, err := rb.Read(region.Offset+uint64(y)*uint64(fp.RowPitch), w*4)
		if err != nil {
			t.Fatalf("Read(row %d) error = %v", y, err)
		}
		if !bytes.Equal(got, rows[y]) {
			t.Errorf("row %d differs after round trip", y)
		}
	}
	if got := tex.State(); got != gpusync.PixelShaderResource {
		t.Errorf("State() after readback = %v, want restored PixelShaderResource", got)
	}
	noViolations(t, dev)
}

func TestTextureCopyValidation(t *testing.T) {
	c, _ := newContext(t)
	format := gputypes.TextureFormatRGBA8Unorm
	tex := mustTexture(t, c, "tex", 4, 4, format, gpusync.RoleTexture, gpusync.Common)
	up := mustUpload(t, c, "up", 4096)

	s := begin(t, c, "upload")
	tests := []struct {
		name string
		copy gpusync.TextureCopy
		err  error
	}{
		{"pitch not aligned", gpusync.TextureCopy{Width: 4, Height: 4, RowPitch: 16}, gpusync.ErrMisaligned},
		{"offset not aligned", gpusync.TextureCopy{Width: 4, Height: 4, RowPitch: 256, Offset: 256}, gpusync.ErrMisaligned},
		{"box outside texture", gpusync.TextureCopy{X: 2, Width: 4, Height: 4, RowPitch: 256}, gpusync.ErrOutOfBounds},
		{"footprint past buffer", gpusync.TextureCopy{Width: 4, Height: 4, RowPitch: 256, Offset: 3584}, gpusync.ErrOutOfBounds},
		{"footprint offset wraps", gpusync.TextureCopy{Width: 4, Height: 4, RowPitch: 256, Offset: math.MaxUint64 &^ 4095}, gpusync.ErrOutOfBounds},
		{"format mismatch", gpusync.TextureCopy{Width: 4, Height: 4, RowPitch: 256, Format: gputypes.TextureFormatR32Float}, gpusync.ErrRecording},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.UploadTexture(tex, up, tt.copy); !errors.Is(err, tt.err) {
				t.Errorf("UploadTexture() error = %v, want %v", err, tt.err)
			}
		})
	}
	if n := s.BarrierCount(); n != 0 {
		t.Errorf("BarrierCount() = %d after rejected copies, want 0", n)
	}
}

// =============================================================================
// End to end
// =============================================================================

func TestDispatchInvocationCount(t *testing.T) {
	c, dev := newContext(t)
	counter := mustBuffer(t, c, "counter", 64, gpusync.RoleUnorderedAccess, gpusync.Common)
	up := mustUpload(t, c, "zero", 64)
	rb := mustReadback(t, c, "rb", 64)
	p := mustCounter(t, c)

	s := begin(t, c, "count")
	if err := s.UploadAndSync(counter, up, 0, 0, 64); err != nil {
		t.Fatalf("UploadAndSync() error = %v", err)
	}
	if err := s.SetPipeline(p); err != nil {
		t.Fatalf("SetPipeline() error = %v", err)
	}
	if err := s.Bind(0, counter); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := s.Dispatch(4, 2, 1); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := s.ReadbackAndSync(64, rb, counter); err != nil {
		t.Fatalf("ReadbackAndSync() error = %v", err)
	}
	run(t, c, end(t, s))

	got, err := rb.Read(0, 4)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n := binary.LittleEndian.Uint32(got); n != 8 {
		t.Errorf("invocations = %d, want 8", n)
	}
	noViolations(t, dev)
}
