package gpusync

import (
	"fmt"

	"github.com/gogpu/gpusync/backend"
)

// StagingBuffer is a CPU-visible buffer in the upload or readback heap with
// a fixed layout of named regions.
//
// The CPU may only touch a staging buffer while no GPU work covering it is
// pending: every map fails with ErrMap and ErrResourceBusy while a session
// that references the buffer is recording, submitted without a fence
// signal, or fenced with a value the GPU has not reached.
type StagingBuffer struct {
	*Resource
	layout Layout
}

// Layout returns the buffer layout.
func (s *StagingBuffer) Layout() Layout { return s.layout }

// Region returns the named region.
func (s *StagingBuffer) Region(name string) (Region, bool) { return s.layout.Region(name) }

// Upload reports whether the buffer lives in the upload heap.
func (s *StagingBuffer) Upload() bool { return s.heap == backend.HeapUpload }

// WithMapped maps the buffer, calls fn with its memory and unmaps it.
// The slice must not be retained after fn returns.
func (s *StagingBuffer) WithMapped(fn func(mem []byte) error) error {
	if err := s.alive(); err != nil {
		return fmt.Errorf("%w: %w", ErrMap, err)
	}
	if s.Busy() {
		last, open := s.use.covering()
		if open {
			return fmt.Errorf("%w: %q: %w: referenced by unfenced work", ErrMap, s.label, ErrResourceBusy)
		}
		return fmt.Errorf("%w: %q: %w: fence value %d not reached (completed %d)",
			ErrMap, s.label, ErrResourceBusy, last, s.ctx.fence.Completed())
	}

	mem, err := s.ctx.dev.Map(s.native.(backend.Buffer))
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrMap, s.label, err)
	}
	defer s.ctx.dev.Unmap(s.native.(backend.Buffer))
	if uint64(len(mem)) < s.size {
		return fmt.Errorf("%w: %q: mapped %d bytes, want %d", ErrMap, s.label, len(mem), s.size)
	}
	return fn(mem[:s.size])
}

// Write copies data into an upload buffer at offset.
func (s *StagingBuffer) Write(offset uint64, data []byte) error {
	if !s.Upload() {
		return fmt.Errorf("%w: write to %s buffer %q", ErrMap, s.heap, s.label)
	}
	if !backend.InRange(offset, uint64(len(data)), s.size) {
		return fmt.Errorf("%w: write %q [%d:+%d] of %d bytes: %w", ErrMap, s.label, offset, len(data), s.size, ErrOutOfBounds)
	}
	return s.WithMapped(func(mem []byte) error {
		copy(mem[offset:], data)
		return nil
	})
}

// WriteRegion copies data to the start of a named region. data must fit in
// the region.
func (s *StagingBuffer) WriteRegion(name string, data []byte) error {
	r, ok := s.layout.Region(name)
	if !ok {
		return fmt.Errorf("%w: %q has no region %q", ErrMap, s.label, name)
	}
	if uint64(len(data)) > r.Size {
		return fmt.Errorf("%w: region %q holds %d bytes, got %d: %w", ErrMap, name, r.Size, len(data), ErrOutOfBounds)
	}
	return s.Write(r.Offset, data)
}

// Read returns a copy of size bytes at offset of a readback buffer.
func (s *StagingBuffer) Read(offset, size uint64) ([]byte, error) {
	if s.Upload() {
		return nil, fmt.Errorf("%w: read from %s buffer %q", ErrMap, s.heap, s.label)
	}
	if !backend.InRange(offset, size, s.size) {
		return nil, fmt.Errorf("%w: read %q [%d:+%d] of %d bytes: %w", ErrMap, s.label, offset, size, s.size, ErrOutOfBounds)
	}
	out := make([]byte, size)
	err := s.WithMapped(func(mem []byte) error {
		copy(out, mem[offset:offset+size])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadRegion returns a copy of a named region of a readback buffer.
func (s *StagingBuffer) ReadRegion(name string) ([]byte, error) {
	r, ok := s.layout.Region(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no region %q", ErrMap, s.label, name)
	}
	return s.Read(r.Offset, r.Size)
}
