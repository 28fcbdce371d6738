// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpusync/backend"
)

// submission is one queued unit of GPU work: either a set of lists or a
// fence signal.
type submission struct {
	ops    [][]op
	res    map[*resourceBase]struct{}
	allocs map[*CommandAllocator]struct{}

	fence *Fence
	value uint64
}

// Queue executes submissions in order on a dedicated goroutine.
type Queue struct {
	dev *Device

	mu        sync.Mutex
	cond      *sync.Cond
	items     []submission
	suspended bool
	closed    bool
	executed  uint64

	done chan struct{}
}

func newQueue(d *Device) *Queue {
	q := &Queue{dev: d, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Suspend stops the queue from executing further submissions until Resume.
// Work already executing finishes.
func (q *Queue) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
}

// Resume restarts a suspended queue.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.suspended = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pending returns the number of queued submissions not yet executed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Executed returns the number of command list submissions executed so far.
func (q *Queue) Executed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executed
}

func (q *Queue) wake() { q.cond.Broadcast() }

func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.suspended = false
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

func (q *Queue) push(s submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("sim: queue: %w", ErrDestroyed)
	}
	q.items = append(q.items, s)
	q.cond.Signal()
	return nil
}

// Execute enqueues closed primary lists.
func (q *Queue) Execute(lists ...backend.CommandList) error {
	if q.dev.lost.Load() {
		return backend.ErrDeviceLost
	}
	if len(lists) == 0 {
		return nil
	}

	s := submission{
		res:    make(map[*resourceBase]struct{}),
		allocs: make(map[*CommandAllocator]struct{}),
	}
	for _, cl := range lists {
		l, ok := cl.(*CommandList)
		switch {
		case !ok || l.dev != q.dev:
			return ErrForeignObject
		case l.kind != backend.ListDirect:
			return fmt.Errorf("%w: bundle %q submitted to queue", backend.ErrInvalidCommand, l.label)
		case l.recording:
			return fmt.Errorf("%w: list %q submitted while recording", backend.ErrInvalidCommand, l.label)
		case l.err != nil:
			return l.err
		}
		s.ops = append(s.ops, l.ops)
		if l.alloc != nil {
			s.allocs[l.alloc] = struct{}{}
		}
		refs(l.ops, s.res, s.allocs)
	}

	for r := range s.res {
		r.pending.Add(1)
	}
	for a := range s.allocs {
		a.pending.Add(1)
	}
	if err := q.push(s); err != nil {
		q.release(s)
		return err
	}
	return nil
}

// Signal enqueues a fence signal after all previously queued work.
func (q *Queue) Signal(f backend.Fence, value uint64) error {
	if q.dev.lost.Load() {
		return backend.ErrDeviceLost
	}
	sf, ok := f.(*Fence)
	if !ok || sf.dev != q.dev {
		return ErrForeignObject
	}
	return q.push(submission{fence: sf, value: value})
}

func (q *Queue) release(s submission) {
	for r := range s.res {
		r.pending.Add(-1)
	}
	for a := range s.allocs {
		a.pending.Add(-1)
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.closed && (len(q.items) == 0 || q.suspended) {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		s := q.items[0]
		q.items[0] = submission{}
		q.items = q.items[1:]
		q.mu.Unlock()

		if lat := q.dev.cfg.Latency; lat > 0 {
			time.Sleep(lat)
		}
		q.execute(s)
	}
}

func (q *Queue) execute(s submission) {
	if s.fence != nil {
		if !q.dev.lost.Load() {
			s.fence.signal(s.value)
		}
		return
	}

	if !q.dev.lost.Load() {
		for _, ops := range s.ops {
			q.dev.runOps(ops)
		}
	}
	q.release(s)

	q.mu.Lock()
	q.executed++
	q.mu.Unlock()
}

// =============================================================================
// Execution
// =============================================================================

func (d *Device) runOps(ops []op) {
	for i := range ops {
		d.runOp(&ops[i])
	}
}

func (d *Device) alive(r *resourceBase) bool {
	if r.destroyed.Load() {
		d.report(ViolationUseAfterDestroy, r.label, "referenced by executing command list")
		return false
	}
	return true
}

func (d *Device) runOp(o *op) {
	switch o.kind {
	case opBarrier:
		for _, b := range o.barriers {
			r := baseOf(b.Resource)
			if !d.alive(r) {
				continue
			}
			if r.state != b.Before {
				d.report(ViolationBarrierMismatch, r.label,
					"barrier %s -> %s but resource is in %s", b.Before, b.After, r.state)
			}
			r.state = b.After
		}

	case opCopyBuffer:
		if !d.alive(&o.dstBuf.resourceBase) || !d.alive(&o.srcBuf.resourceBase) {
			return
		}
		d.checkCopy(&o.dstBuf.resourceBase, &o.srcBuf.resourceBase)
		copy(o.dstBuf.data[o.dstOff:o.dstOff+o.size], o.srcBuf.data[o.srcOff:o.srcOff+o.size])

	case opCopyBufferToTexture:
		if !d.alive(&o.dstTex.resourceBase) || !d.alive(&o.srcBuf.resourceBase) {
			return
		}
		d.checkCopy(&o.dstTex.resourceBase, &o.srcBuf.resourceBase)
		copyRegion(o.dstTex, o.srcBuf, o.region, true)

	case opCopyTextureToBuffer:
		if !d.alive(&o.dstBuf.resourceBase) || !d.alive(&o.srcTex.resourceBase) {
			return
		}
		d.checkCopy(&o.dstBuf.resourceBase, &o.srcTex.resourceBase)
		copyRegion(o.srcTex, o.dstBuf, o.region, false)

	case opDispatch:
		mem := make([][]byte, len(o.bindings))
		for i, b := range o.bindings {
			if !d.alive(&b.resourceBase) {
				return
			}
			switch b.state {
			case backend.StateUnorderedAccess, backend.StateGenericRead, backend.StatePixelShaderResource:
			default:
				d.report(ViolationDispatchState, b.label, "bound to slot %d in %s", i, b.state)
			}
			mem[i] = b.data
		}
		o.pipeline.kernel(o.groups, mem)

	case opBundle:
		d.runOps(o.bundle)
	}
}

func (d *Device) checkCopy(dst, src *resourceBase) {
	if dst.state != backend.StateCopyDest {
		d.report(ViolationCopyState, dst.label, "copy destination in %s", dst.state)
	}
	if src.state != backend.StateCopySource && src.state != backend.StateGenericRead {
		d.report(ViolationCopyState, src.label, "copy source in %s", src.state)
	}
}

// copyRegion moves rows between a placed footprint and a texture box.
func copyRegion(tex *Texture, buf *Buffer, r backend.TextureCopy, toTexture bool) {
	rowBytes := uint64(r.Width) * uint64(backend.BytesPerPixel(tex.desc.Format))
	for z := uint32(0); z < r.Depth; z++ {
		for y := uint32(0); y < r.Height; y++ {
			b := r.BufferOffset + (uint64(z)*uint64(r.Height)+uint64(y))*uint64(r.RowPitch)
			t := tex.offset(r.Origin.X, r.Origin.Y+y, r.Origin.Z+z)
			if toTexture {
				copy(tex.data[t:t+rowBytes], buf.data[b:b+rowBytes])
			} else {
				copy(buf.data[b:b+rowBytes], tex.data[t:t+rowBytes])
			}
		}
	}
}
