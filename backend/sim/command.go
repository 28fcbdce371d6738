// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package sim

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpusync/backend"
)

// CommandAllocator backs recorded command lists.
type CommandAllocator struct {
	dev     *Device
	kind    backend.ListKind
	pending atomic.Int32
}

// Kind returns the list kind this allocator backs.
func (a *CommandAllocator) Kind() backend.ListKind { return a.kind }

// Pending returns the number of submissions still executing against the allocator.
func (a *CommandAllocator) Pending() int { return int(a.pending.Load()) }

// Reset reclaims the allocator. Resetting while lists recorded against it
// are executing is reported as a validation violation and fails.
func (a *CommandAllocator) Reset() error {
	if n := a.pending.Load(); n > 0 {
		a.dev.report(ViolationAllocatorInFlight, a.kind.String()+" allocator",
			"reset with %d submissions still executing", n)
		return backend.ErrInFlight
	}
	return nil
}

// Destroy releases the allocator.
func (a *CommandAllocator) Destroy() {}

// Pipeline is a compute pipeline executed by a CPU kernel.
type Pipeline struct {
	label    string
	kernel   backend.Kernel
	bindings int
}

// Label returns the debug label.
func (p *Pipeline) Label() string { return p.label }

// Destroy releases the pipeline.
func (p *Pipeline) Destroy() {}

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

// op is one recorded command. Pipeline and binding state is resolved at
// record time so bundles replay self-contained.
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

// CommandList records commands for the simulated queue.
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
	barriers []backend.Barrier
}

// Kind returns the list kind.
func (l *CommandList) Kind() backend.ListKind { return l.kind }

// Label returns the debug label.
func (l *CommandList) Label() string { return l.label }

// Recording reports whether the list is open.
func (l *CommandList) Recording() bool { return l.recording }

// Barriers returns every barrier recorded since the last Reset.
func (l *CommandList) Barriers() []backend.Barrier {
	out := make([]backend.Barrier, len(l.barriers))
	copy(out, l.barriers)
	return out
}

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
		if p, ok = initial.(*Pipeline); !ok {
			return ErrForeignObject
		}
	}

	l.alloc = a
	l.recording = true
	l.ops = nil
	l.err = nil
	l.pipeline = p
	l.bindings = nil
	l.barriers = nil
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
	return buf
}

func (l *CommandList) texture(t backend.Texture) *Texture {
	tex, ok := t.(*Texture)
	if !ok || tex.dev != l.dev {
		l.fail("foreign texture")
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
		if baseOf(b.Resource) == nil {
			l.fail("barrier on foreign resource")
			return
		}
	}
	bs := append([]backend.Barrier(nil), barriers...)
	l.ops = append(l.ops, op{kind: opBarrier, barriers: bs})
	l.barriers = append(l.barriers, bs...)
}

// CopyBuffer records a buffer copy.
func (l *CommandList) CopyBuffer(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset, size uint64) {
	if !l.primaryOnly("CopyBuffer") {
		return
	}
	d, s := l.buffer(dst), l.buffer(src)
	if d == nil || s == nil {
		return
	}
	if !backend.InRange(dstOffset, size, d.size) || !backend.InRange(srcOffset, size, s.size) {
		l.fail("CopyBuffer %q[%d:+%d] <- %q[%d:+%d] out of bounds", d.label, dstOffset, size, s.label, srcOffset, size)
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
	sp, ok := p.(*Pipeline)
	if !ok {
		l.fail("foreign pipeline")
		return
	}
	l.pipeline = sp
}

// SetBuffer binds a buffer to a slot.
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
	if len(l.bindings) < l.pipeline.bindings {
		l.fail("Dispatch: pipeline %q needs %d bindings, have %d", l.pipeline.label, l.pipeline.bindings, len(l.bindings))
		return
	}
	bindings := append([]*Buffer(nil), l.bindings[:l.pipeline.bindings]...)
	for i, b := range bindings {
		if b == nil {
			l.fail("Dispatch: slot %d unbound", i)
			return
		}
	}
	l.ops = append(l.ops, op{kind: opDispatch, pipeline: l.pipeline, bindings: bindings, groups: [3]uint32{x, y, z}})
}

// ExecuteBundle replays a closed bundle.
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
func (l *CommandList) Destroy() {}

// refs collects the resources and allocators a sequence of ops references.
func refs(ops []op, res map[*resourceBase]struct{}, allocs map[*CommandAllocator]struct{}) {
	add := func(r *resourceBase) {
		if r != nil {
			res[r] = struct{}{}
		}
	}
	for i := range ops {
		o := &ops[i]
		for _, b := range o.barriers {
			add(baseOf(b.Resource))
		}
		if o.dstBuf != nil {
			add(&o.dstBuf.resourceBase)
		}
		if o.srcBuf != nil {
			add(&o.srcBuf.resourceBase)
		}
		if o.dstTex != nil {
			add(&o.dstTex.resourceBase)
		}
		if o.srcTex != nil {
			add(&o.srcTex.resourceBase)
		}
		for _, b := range o.bindings {
			add(&b.resourceBase)
		}
		if o.kind == opBundle {
			if o.bundleAlloc != nil {
				allocs[o.bundleAlloc] = struct{}{}
			}
			refs(o.bundle, res, allocs)
		}
	}
}
