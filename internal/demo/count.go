package demo

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gpusync"
	"github.com/gogpu/gpusync/backend"
)

const counterWGSL = `
@group(0) @binding(0) var<storage, read_write> counter: array<atomic<u32>>;

@compute @workgroup_size(1)
fn main() {
    atomicAdd(&counter[0], 1u);
}
`

// counterKernel is the CPU rendition of counterWGSL.
func counterKernel(groups [3]uint32, bindings [][]byte) {
	n := binary.LittleEndian.Uint32(bindings[0])
	n += groups[0] * groups[1] * groups[2]
	binary.LittleEndian.PutUint32(bindings[0], n)
}

// CounterPipeline returns the invocation counter pipeline. It carries both
// the WGSL source and a CPU kernel so it runs on every backend.
func CounterPipeline(c *gpusync.Context) (*gpusync.Pipeline, error) {
	return c.CreateComputePipeline(backend.ComputeDesc{
		Label:    "counter",
		WGSL:     counterWGSL,
		Bindings: 1,
		Kernel:   counterKernel,
	})
}

// InvocationCount zeroes a UAV through an upload buffer, dispatches a 4x4x1
// grid that counts its invocations and reads the counter back, all in one
// session.
func InvocationCount(ctx context.Context, c *gpusync.Context, _ Config) (Result, error) {
	const (
		size = 64
		x, y = 4, 4
	)
	r, err := newRunner(ctx, c, "count")
	if err != nil {
		return Result{}, err
	}
	defer r.close()

	p, err := CounterPipeline(c)
	if err != nil {
		return Result{}, err
	}
	defer p.Release()

	uav, err := c.CreateBuffer(gpusync.BufferDesc{Label: "counter", Size: size, Role: gpusync.RoleUnorderedAccess})
	if err != nil {
		return Result{}, err
	}
	up, err := c.CreateUploadBuffer("counter-init", gpusync.FlatLayout(size))
	if err != nil {
		release(uav)
		return Result{}, err
	}
	rb, err := c.CreateReadbackBuffer("counter-read", gpusync.FlatLayout(size))
	if err != nil {
		release(uav, up)
		return Result{}, err
	}
	defer release(uav, up, rb)

	if err := up.Write(0, make([]byte, size)); err != nil {
		return Result{}, err
	}
	err = r.step(func(s *gpusync.Session) error {
		if err := s.UploadAndSync(uav, up, 0, 0, size); err != nil {
			return err
		}
		if err := s.SetPipeline(p); err != nil {
			return err
		}
		if err := s.Bind(0, uav); err != nil {
			return err
		}
		if err := s.Dispatch(x, y, 1); err != nil {
			return err
		}
		return s.ReadbackAndSync(size, rb, uav)
	})
	if err != nil {
		return r.res, err
	}

	out, err := rb.Read(0, 4)
	if err != nil {
		return r.res, err
	}
	if got := binary.LittleEndian.Uint32(out); got != x*y {
		return r.res, fmt.Errorf("%w: counter = %d, want %d", ErrMismatch, got, x*y)
	}
	r.res.Verified = 4
	return r.res, nil
}
