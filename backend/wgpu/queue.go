// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/backend"
)

// Queue encodes closed command lists and submits them to the HAL queue.
type Queue struct {
	dev *Device
	raw hal.Queue

	mu   sync.Mutex
	last uint64 // submission index of the newest Execute

	pollMu sync.Mutex
}

// completed returns the highest submission index the GPU has finished.
func (q *Queue) completed() uint64 {
	q.pollMu.Lock()
	defer q.pollMu.Unlock()
	return q.raw.PollCompleted()
}

// LastSubmission returns the submission index of the newest Execute.
func (q *Queue) LastSubmission() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// Execute encodes each list with its allocator's encoder and submits the
// resulting command buffers in one HAL submission.
func (q *Queue) Execute(lists ...backend.CommandList) error {
	if err := q.dev.alive(); err != nil {
		return err
	}
	ls := make([]*CommandList, 0, len(lists))
	for _, cl := range lists {
		l, ok := cl.(*CommandList)
		switch {
		case !ok || l.dev != q.dev:
			return ErrForeignObject
		case l.kind != backend.ListDirect:
			return fmt.Errorf("%w: execute of bundle %q", backend.ErrInvalidCommand, l.label)
		case l.recording:
			return fmt.Errorf("%w: execute of open list %q", backend.ErrInvalidCommand, l.label)
		case l.err != nil:
			return fmt.Errorf("%w: execute of invalid list %q", backend.ErrInvalidCommand, l.label)
		case l.alloc == nil:
			return fmt.Errorf("%w: execute of never recorded list %q", backend.ErrInvalidCommand, l.label)
		}
		ls = append(ls, l)
	}
	if len(ls) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	allocs := make(map[*CommandAllocator]struct{})
	cbs := make([]hal.CommandBuffer, 0, len(ls))
	for _, l := range ls {
		cb, err := q.encode(l, allocs)
		if err != nil {
			return err
		}
		cbs = append(cbs, cb)
	}

	idx, err := q.raw.Submit(cbs)
	if err != nil {
		return fmt.Errorf("submit: %w", q.dev.check(err))
	}
	q.last = idx
	for a := range allocs {
		a.lastSubmit.Store(idx)
	}
	slogger().Debug("wgpu: submitted", "lists", len(ls), "submission", idx)
	return nil
}

// encode replays l into its allocator's encoder. The command buffer and the
// bind groups it references are handed to the allocator.
func (q *Queue) encode(l *CommandList, allocs map[*CommandAllocator]struct{}) (hal.CommandBuffer, error) {
	a := l.alloc
	a.mu.Lock()
	enc, dead := a.enc, a.dead
	a.mu.Unlock()
	if dead || enc == nil {
		return nil, fmt.Errorf("encode %q: allocator: %w", l.label, ErrDestroyed)
	}
	allocs[a] = struct{}{}

	if err := enc.BeginEncoding(l.label); err != nil {
		return nil, fmt.Errorf("encode %q: %w", l.label, q.dev.check(err))
	}
	e := &encoder{dev: q.dev, raw: enc, label: l.label, allocs: allocs}
	if err := e.replay(l.ops); err != nil {
		enc.DiscardEncoding()
		e.destroyGroups()
		return nil, fmt.Errorf("encode %q: %w", l.label, err)
	}
	cb, err := enc.EndEncoding()
	if err != nil {
		e.destroyGroups()
		return nil, fmt.Errorf("encode %q: %w", l.label, q.dev.check(err))
	}
	a.keep(cb, e.groups)
	return cb, nil
}

// Signal completes f at value once every submission executed so far has
// finished.
func (q *Queue) Signal(f backend.Fence, value uint64) error {
	fe, ok := f.(*Fence)
	if !ok || fe.q != q {
		return ErrForeignObject
	}
	if err := q.dev.alive(); err != nil {
		return err
	}
	q.mu.Lock()
	idx := q.last
	q.mu.Unlock()
	fe.enqueue(value, idx)
	return nil
}

// encoder replays recorded ops into a HAL command encoder.
type encoder struct {
	dev    *Device
	raw    hal.CommandEncoder
	label  string
	allocs map[*CommandAllocator]struct{}
	groups []hal.BindGroup
}

func (e *encoder) destroyGroups() {
	for _, g := range e.groups {
		e.dev.raw.DestroyBindGroup(g)
	}
	e.groups = nil
}

func (e *encoder) replay(ops []op) error {
	for i := range ops {
		o := &ops[i]
		switch o.kind {
		case opBarrier:
			e.barriers(o.barriers)
		case opCopyBuffer:
			e.raw.CopyBufferToBuffer(o.srcBuf.raw, o.dstBuf.raw, []hal.BufferCopy{{
				SrcOffset: o.srcOff,
				DstOffset: o.dstOff,
				Size:      o.size,
			}})
		case opCopyBufferToTexture:
			e.raw.CopyBufferToTexture(o.srcBuf.raw, o.dstTex.raw, []hal.BufferTextureCopy{textureCopy(o.dstTex, o.region)})
		case opCopyTextureToBuffer:
			e.raw.CopyTextureToBuffer(o.srcTex.raw, o.dstBuf.raw, []hal.BufferTextureCopy{textureCopy(o.srcTex, o.region)})
		case opDispatch:
			if err := e.dispatch(o); err != nil {
				return err
			}
		case opBundle:
			if o.bundleAlloc != nil {
				e.allocs[o.bundleAlloc] = struct{}{}
			}
			if err := e.replay(o.bundle); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *encoder) barriers(bs []backend.Barrier) {
	var bufs []hal.BufferBarrier
	var texs []hal.TextureBarrier
	for _, b := range bs {
		switch r := b.Resource.(type) {
		case *Buffer:
			bufs = append(bufs, hal.BufferBarrier{
				Buffer: r.raw,
				Usage: hal.BufferUsageTransition{
					OldUsage: bufferUsage(b.Before),
					NewUsage: bufferUsage(b.After),
				},
			})
		case *Texture:
			texs = append(texs, hal.TextureBarrier{
				Texture: r.raw,
				Range: hal.TextureRange{
					Aspect:          gputypes.TextureAspectAll,
					MipLevelCount:   1,
					ArrayLayerCount: 1,
				},
				Usage: hal.TextureUsageTransition{
					OldUsage: texUsage(b.Before),
					NewUsage: texUsage(b.After),
				},
			})
		}
	}
	if len(bufs) > 0 {
		e.raw.TransitionBuffers(bufs)
	}
	if len(texs) > 0 {
		e.raw.TransitionTextures(texs)
	}
}

// textureCopy converts a placed footprint copy to the HAL layout. The
// footprint row pitch becomes BytesPerRow.
func textureCopy(t *Texture, r backend.TextureCopy) hal.BufferTextureCopy {
	return hal.BufferTextureCopy{
		BufferLayout: hal.ImageDataLayout{
			Offset:       r.BufferOffset,
			BytesPerRow:  r.RowPitch,
			RowsPerImage: r.Height,
		},
		TextureBase: hal.ImageCopyTexture{
			Texture: t.raw,
			Origin:  hal.Origin3D{X: r.Origin.X, Y: r.Origin.Y, Z: r.Origin.Z},
			Aspect:  gputypes.TextureAspectAll,
		},
		Size: hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: r.Depth},
	}
}

// dispatch creates a bind group for the op's buffers and runs it in its own
// compute pass.
func (e *encoder) dispatch(o *op) error {
	p := o.pipeline
	entries := make([]gputypes.BindGroupEntry, len(o.bindings))
	for i, b := range o.bindings {
		entries[i] = gputypes.BindGroupEntry{
			Binding: uint32(i),
			Resource: gputypes.BufferBinding{
				Buffer: b.raw.NativeHandle(),
				Size:   b.rawSize,
			},
		}
	}
	bg, err := e.dev.raw.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.label + " bindings",
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group for %q: %w", p.label, e.dev.check(err))
	}
	e.groups = append(e.groups, bg)

	pass := e.raw.BeginComputePass(&hal.ComputePassDescriptor{Label: e.label})
	pass.SetPipeline(p.raw)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(o.groups[0], o.groups[1], o.groups[2])
	pass.End()
	return nil
}
