package demo

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gpusync"
)

// Frames paces cfg.Frames frames with cfg.InFlight frames in flight. Each
// frame slot owns a session and an upload buffer. Every frame writes its
// index into a shared constant buffer, which is read back at the end.
func Frames(ctx context.Context, c *gpusync.Context, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	const size = gpusync.ConstantBufferAlignment
	res := Result{Scenario: "frames"}

	pacer, err := gpusync.NewFramePacer(c, cfg.InFlight)
	if err != nil {
		return res, err
	}
	cb, err := c.CreateBuffer(gpusync.BufferDesc{Label: "frame-constants", Size: size, Role: gpusync.RoleConstant})
	if err != nil {
		_ = pacer.Close(ctx)
		return res, err
	}
	defer release(cb)

	n := pacer.InFlight()
	ups := make([]*gpusync.StagingBuffer, n)
	sessions := make([]*gpusync.Session, n)
	defer func() {
		for _, up := range ups {
			if up != nil {
				release(up)
			}
		}
	}()
	for i := range n {
		if ups[i], err = c.CreateUploadBuffer(fmt.Sprintf("frame%d-up", i), gpusync.FlatLayout(size)); err != nil {
			_ = pacer.Close(ctx)
			return res, err
		}
		if sessions[i], err = c.NewSession(fmt.Sprintf("frame%d", i)); err != nil {
			_ = pacer.Close(ctx)
			return res, err
		}
	}

	for frame := range cfg.Frames {
		if err := paceFrame(ctx, pacer, sessions, ups, cb, uint32(frame), &res); err != nil {
			_ = pacer.Close(ctx)
			return res, fmt.Errorf("frame %d: %w", frame, err)
		}
	}
	if err := pacer.Close(ctx); err != nil {
		return res, err
	}

	r, err := newRunner(ctx, c, "frames")
	if err != nil {
		return res, err
	}
	defer r.close()
	rb, err := c.CreateReadbackBuffer("frame-rb", gpusync.FlatLayout(size))
	if err != nil {
		return res, err
	}
	defer release(rb)
	if err := r.step(func(s *gpusync.Session) error {
		return s.ReadbackBuffer(size, rb, cb)
	}); err != nil {
		return res, err
	}
	res.Submissions += r.res.Submissions
	res.Barriers += r.res.Barriers
	res.Fence = r.res.Fence

	out, err := rb.Read(0, 4)
	if err != nil {
		return res, err
	}
	if got, want := binary.LittleEndian.Uint32(out), uint32(cfg.Frames-1); got != want {
		return res, fmt.Errorf("%w: last frame constant = %d, want %d", ErrMismatch, got, want)
	}
	res.Verified = 4
	return res, nil
}

func paceFrame(ctx context.Context, pacer *gpusync.FramePacer, sessions []*gpusync.Session,
	ups []*gpusync.StagingBuffer, cb *gpusync.Resource, frame uint32, res *Result) error {
	alloc, err := pacer.BeginFrame(ctx)
	if err != nil {
		return err
	}
	slot := int(pacer.FrameIndex() % uint64(pacer.InFlight()))

	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], frame)
	if err := ups[slot].Write(0, data[:]); err != nil {
		return err
	}

	s := sessions[slot]
	if err := s.Begin(alloc, nil); err != nil {
		return err
	}
	if err := s.UploadAndSync(cb, ups[slot], 0, 0, cb.Size()); err != nil {
		_, _ = s.End()
		return err
	}
	res.Barriers += s.BarrierCount()
	sub, err := s.End()
	if err != nil {
		return err
	}
	v, err := pacer.EndFrame(sub)
	if err != nil {
		return err
	}
	res.Submissions++
	res.Fence = v
	return nil
}
