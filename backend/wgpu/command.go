// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/backend"
)

// CommandAllocator owns a HAL command encoder and everything encoded with it
// since the last Reset. Bundle allocators have no encoder; bundles are
// encoded through the primary that executes them.
type CommandAllocator struct {
	dev  *Device
	kind backend.ListKind
	enc  hal.CommandEncoder

	// lastSubmit is the queue submission index of the newest submission
	// that used this allocator.
	lastSubmit atomic.Uint64

	mu     sync.Mutex
	bufs   []hal.CommandBuffer
	groups []hal.BindGroup
	dead   bool
}

// Kind returns the list kind this allocator backs.
func (a *CommandAllocator) Kind() backend.ListKind { return a.kind }

// InFlight reports whether a submission that used the allocator is still
// executing.
func (a *CommandAllocator) InFlight() bool {
	return a.lastSubmit.Load() > a.dev.queue.completed()
}

// Reset recycles the encoder's command buffers and destroys the bind groups
// created for its dispatches. It fails with backend.ErrInFlight while a
// submission that used the allocator is executing.
func (a *CommandAllocator) Reset() error {
	if last := a.lastSubmit.Load(); last > a.dev.queue.completed() {
		slogger().Warn("wgpu: allocator reset while in flight",
			"kind", a.kind, "submission", last, "completed", a.dev.queue.completed())
		return backend.ErrInFlight
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dead {
		return fmt.Errorf("allocator: %w", ErrDestroyed)
	}
	a.release()
	return nil
}

// keep takes ownership of an encoded command buffer and its bind groups.
func (a *CommandAllocator) keep(cb hal.CommandBuffer, groups []hal.BindGroup) {
	a.mu.Lock()
	a.bufs = append(a.bufs, cb)
	a.groups = append(a.groups, groups...)
	a.mu.Unlock()
}

// release must be called with a.mu held.
func (a *CommandAllocator) release() {
	if a.enc != nil && len(a.bufs) > 0 {
		a.enc.ResetAll(a.bufs)
	}
	for _, g := range a.groups {
		a.dev.raw.DestroyBindGroup(g)
	}
	a.bufs = nil
	a.groups = nil
}

// Destroy releases the allocator and its encoder.
func (a *CommandAllocator) Destroy() {
	a.mu.Lock()
	if a.dead {
		a.mu.Unlock()
		return
	}
	a.dead = true
	a.release()
	if a.enc != nil {
		a.enc.Destroy()
		a.enc = nil
	}
	a.mu.Unlock()

	a.dev.mu.Lock()
	delete(a.dev.allocs, a)
	a.dev.mu.Unlock()
}

// opKind identifies a recorded command.
type opKind uint8

const (
	opBarrier opKind = iota
	opCopyBuffer
	opCopyBufferToTexture
	opCopyTextureToBuffer
	opDispatch
	opBundle
)

// op is one recorded command. Pipeline and bindings are resolved at record
// time so bundles replay self-contained.
type op struct {
	kind     opKind
	barriers []backend.Barrier

	dstBuf, srcBuf *Buffer
	dstTex, srcTex *Texture
	dstOff, srcOff uint64
	size           uint64
	region         backend.TextureCopy

	pipeline *Pipeline
	bindings []*Buffer
	groups   [3]uint32

	bundle      []op
	bundleAlloc *CommandAllocator
}

// CommandList records commands for encoding at submission.
//
// State machine:
//
//	Closed    -> Reset() -> Recording
//	Recording -> Close() -> Closed
//
// CommandList is NOT safe for concurrent use.
type CommandList struct {
	dev   *Device
	kind  backend.ListKind
	label string

	alloc     *CommandAllocator
	recording bool
	ops       []op
	err       error

	pipeline *Pipeline
	bindings []*Buffer
}

// Kind returns the list kind.
func (l *CommandList) Kind() backend.ListKind { return l.kind }

// Label returns the debug label.
func (l *CommandList) Label() string { return l.label }

// CommandCount returns the number of commands recorded since the last Reset.
func (l *CommandList) CommandCount() int { return len(l.ops) }

// Reset opens the list for recording.
func (l *CommandList) Reset(alloc backend.CommandAllocator, initial backend.Pipeline) error {
	if l.recording {
		return fmt.Errorf("%w: reset of %q while recording", backend.ErrInvalidCommand, l.label)
	}
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.dev != l.dev {
		return ErrForeignObject
	}
	if a.kind != l.kind {
		return fmt.Errorf("%w: %s list %q reset with %s allocator",
			backend.ErrInvalidCommand, l.kind, l.label, a.kind)
	}
	var p *Pipeline
	if initial != nil {
		if p, ok = initial.(*Pipeline); !ok || p.dev != l.dev {
			return ErrForeignObject
		}
	}

	l.alloc = a
	l.recording = true
	l.ops = nil
	l.err = nil
	l.pipeline = p
	l.bindings = nil
	return nil
}

// fail remembers the first invalid command for Close.
func (l *CommandList) fail(format string, args ...any) {
	if l.err == nil {
		l.err = fmt.Errorf("%w: %s: %s", backend.ErrInvalidCommand, l.label, fmt.Sprintf(format, args...))
	}
}

func (l *CommandList) check(cmd string) bool {
	if !l.recording {
		l.fail("%s on closed list", cmd)
		return false
	}
	return true
}

func (l *CommandList) primaryOnly(cmd string) bool {
	if !l.check(cmd) {
		return false
	}
	if l.kind == backend.ListBundle {
		l.fail("%s is not allowed in a bundle", cmd)
		return false
	}
	return true
}

func (l *CommandList) buffer(b backend.Buffer) *Buffer {
	buf, ok := b.(*Buffer)
	if !ok || buf.dev != l.dev {
		l.fail("foreign buffer")
		return nil
	}
	if buf.destroyed.Load() {
		l.fail("buffer %q destroyed", buf.label)
		return nil
	}
	return buf
}

func (l *CommandList) texture(t backend.Texture) *Texture {
	tex, ok := t.(*Texture)
	if !ok || tex.dev != l.dev {
		l.fail("foreign texture")
		return nil
	}
	if tex.destroyed.Load() {
		l.fail("texture %q destroyed", tex.label)
		return nil
	}
	return tex
}

// Barrier records transitions.
func (l *CommandList) Barrier(barriers []backend.Barrier) {
	if !l.primaryOnly("Barrier") || len(barriers) == 0 {
		return
	}
	for _, b := range barriers {
		switch r := b.Resource.(type) {
		case *Buffer:
			if r.dev != l.dev {
				l.fail("barrier on foreign buffer")
				return
			}
		case *Texture:
			if r.dev != l.dev {
				l.fail("barrier on foreign texture")
				return
			}
		default:
			l.fail("barrier on foreign resource")
			return
		}
	}
	l.ops = append(l.ops, op{kind: opBarrier, barriers: append([]backend.Barrier(nil), barriers...)})
}

// CopyBuffer records a buffer copy. Offsets and size must be 4-byte aligned.
func (l *CommandList) CopyBuffer(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset, size uint64) {
	if !l.primaryOnly("CopyBuffer") {
		return
	}
	d, s := l.buffer(dst), l.buffer(src)
	if d == nil || s == nil {
		return
	}
	switch {
	case !backend.InRange(dstOffset, size, d.size) || !backend.InRange(srcOffset, size, s.size):
		l.fail("CopyBuffer %q[%d:+%d] <- %q[%d:+%d] out of bounds", d.label, dstOffset, size, s.label, srcOffset, size)
		return
	case dstOffset%copyAlign != 0 || srcOffset%copyAlign != 0 || size%copyAlign != 0:
		l.fail("CopyBuffer %q[%d:+%d] <- %q[%d:+%d] not %d-byte aligned",
			d.label, dstOffset, size, s.label, srcOffset, size, copyAlign)
		return
	}
	l.ops = append(l.ops, op{kind: opCopyBuffer, dstBuf: d, srcBuf: s, dstOff: dstOffset, srcOff: srcOffset, size: size})
}

func (l *CommandList) checkRegion(cmd string, buf *Buffer, tex *Texture, r backend.TextureCopy) bool {
	bpp := backend.BytesPerPixel(tex.desc.Format)
	switch {
	case r.Width == 0 || r.Height == 0 || r.Depth == 0:
		l.fail("%s: empty box", cmd)
	case uint64(r.RowPitch) < uint64(r.Width)*uint64(bpp):
		l.fail("%s: row pitch %d below row size %d", cmd, r.RowPitch, uint64(r.Width)*uint64(bpp))
	case !r.BoxFits(tex.desc.Width, tex.desc.Height, tex.desc.Depth):
		l.fail("%s: box outside texture %q", cmd, tex.label)
	case !r.FootprintFits(bpp, buf.size):
		l.fail("%s: footprint outside buffer %q", cmd, buf.label)
	default:
		return true
	}
	return false
}

// CopyBufferToTexture records a buffer to texture copy.
func (l *CommandList) CopyBufferToTexture(dst backend.Texture, src backend.Buffer, region backend.TextureCopy) {
	if !l.primaryOnly("CopyBufferToTexture") {
		return
	}
	d, s := l.texture(dst), l.buffer(src)
	if d == nil || s == nil || !l.checkRegion("CopyBufferToTexture", s, d, region) {
		return
	}
	l.ops = append(l.ops, op{kind: opCopyBufferToTexture, dstTex: d, srcBuf: s, region: region})
}

// CopyTextureToBuffer records a texture to buffer copy.
func (l *CommandList) CopyTextureToBuffer(dst backend.Buffer, src backend.Texture, region backend.TextureCopy) {
	if !l.primaryOnly("CopyTextureToBuffer") {
		return
	}
	d, s := l.buffer(dst), l.texture(src)
	if d == nil || s == nil || !l.checkRegion("CopyTextureToBuffer", d, s, region) {
		return
	}
	l.ops = append(l.ops, op{kind: opCopyTextureToBuffer, dstBuf: d, srcTex: s, region: region})
}

// SetPipeline binds a compute pipeline.
func (l *CommandList) SetPipeline(p backend.Pipeline) {
	if !l.check("SetPipeline") {
		return
	}
	wp, ok := p.(*Pipeline)
	if !ok || wp.dev != l.dev {
		l.fail("foreign pipeline")
		return
	}
	l.pipeline = wp
}

// SetBuffer binds a buffer to a storage slot of bind group 0.
func (l *CommandList) SetBuffer(slot uint32, b backend.Buffer) {
	if !l.check("SetBuffer") {
		return
	}
	buf := l.buffer(b)
	if buf == nil {
		return
	}
	for uint32(len(l.bindings)) <= slot {
		l.bindings = append(l.bindings, nil)
	}
	l.bindings[slot] = buf
}

// Dispatch records a compute dispatch.
func (l *CommandList) Dispatch(x, y, z uint32) {
	if !l.check("Dispatch") {
		return
	}
	if l.pipeline == nil {
		l.fail("Dispatch without pipeline")
		return
	}
	n := l.pipeline.bindings
	if len(l.bindings) < n {
		l.fail("Dispatch: pipeline %q needs %d bindings, have %d", l.pipeline.label, n, len(l.bindings))
		return
	}
	bindings := append([]*Buffer(nil), l.bindings[:n]...)
	for i, b := range bindings {
		if b == nil {
			l.fail("Dispatch: slot %d unbound", i)
			return
		}
	}
	l.ops = append(l.ops, op{kind: opDispatch, pipeline: l.pipeline, bindings: bindings, groups: [3]uint32{x, y, z}})
}

// ExecuteBundle inlines a closed bundle.
func (l *CommandList) ExecuteBundle(bundle backend.CommandList) {
	if !l.primaryOnly("ExecuteBundle") {
		return
	}
	b, ok := bundle.(*CommandList)
	switch {
	case !ok || b.dev != l.dev:
		l.fail("foreign bundle")
		return
	case b.kind != backend.ListBundle:
		l.fail("ExecuteBundle of primary list %q", b.label)
		return
	case b.recording:
		l.fail("ExecuteBundle of open bundle %q", b.label)
		return
	case b.err != nil:
		l.fail("ExecuteBundle of invalid bundle %q", b.label)
		return
	}
	l.ops = append(l.ops, op{kind: opBundle, bundle: b.ops, bundleAlloc: b.alloc})
}

// Close ends recording.
func (l *CommandList) Close() error {
	if !l.recording {
		return fmt.Errorf("%w: close of %q while not recording", backend.ErrInvalidCommand, l.label)
	}
	l.recording = false
	return l.err
}

// Destroy releases the list.
func (l *CommandList) Destroy() {
	l.ops = nil
	l.bindings = nil
}
