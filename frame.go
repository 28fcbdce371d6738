package gpusync

import (
	"context"
	"fmt"

	"github.com/gogpu/gpusync/backend"
)

// FramePacer runs the N-frames-in-flight loop on top of the Fence. Each
// frame slot owns an allocator; a slot is only reused once the fence value
// signaled at the end of its previous frame has been reached.
//
//	for {
//		alloc, err := pacer.BeginFrame(ctx)
//		// session.Begin(alloc, nil), record, End
//		_, err = pacer.EndFrame(sub)
//	}
type FramePacer struct {
	c      *Context
	slots  []*Allocator
	values []FenceValue
	frame  uint64
}

// NewFramePacer creates a pacer with n frames in flight. n < 1 means 1.
func NewFramePacer(c *Context, n int) (*FramePacer, error) {
	n = max(n, 1)
	p := &FramePacer{c: c, slots: make([]*Allocator, n), values: make([]FenceValue, n)}
	for i := range p.slots {
		a, err := c.CreateAllocator(fmt.Sprintf("frame%d", i), backend.ListDirect)
		if err != nil {
			for _, prev := range p.slots[:i] {
				prev.destroy()
			}
			return nil, err
		}
		p.slots[i] = a
	}
	return p, nil
}

// InFlight returns the number of frame slots.
func (p *FramePacer) InFlight() int { return len(p.slots) }

// FrameIndex returns the number of frames ended so far.
func (p *FramePacer) FrameIndex() uint64 { return p.frame }

func (p *FramePacer) slot() int { return int(p.frame % uint64(len(p.slots))) }

// BeginFrame waits until the current slot's previous frame has completed
// and returns the slot's allocator.
func (p *FramePacer) BeginFrame(ctx context.Context) (*Allocator, error) {
	i := p.slot()
	if v := p.values[i]; v != 0 {
		if err := p.c.fence.WaitUntilReached(ctx, v); err != nil {
			return nil, err
		}
	}
	return p.slots[i], nil
}

// EndFrame submits the frame's sessions and signals the fence. The frame
// index advances only once the signal has been enqueued.
func (p *FramePacer) EndFrame(subs ...*Submittable) (FenceValue, error) {
	if err := p.c.Submit(subs...); err != nil {
		return 0, err
	}
	v, err := p.c.Signal()
	if err != nil {
		return 0, err
	}
	p.values[p.slot()] = v
	p.frame++
	p.c.logger().Debug("gpusync: frame ended", "frame", p.frame, "fence", v)
	return v, nil
}

// Close waits for every frame in flight and releases the slot allocators.
func (p *FramePacer) Close(ctx context.Context) error {
	for _, v := range p.values {
		if v == 0 {
			continue
		}
		if err := p.c.fence.WaitUntilReached(ctx, v); err != nil {
			return err
		}
	}
	for _, a := range p.slots {
		a.destroy()
	}
	return nil
}
