// Package gpusync provides the command submission and resource lifecycle
// core of an explicit GPU API: resource state tracking, staging transfers,
// command recording sessions with bundles, and a frame fence.
//
// # Overview
//
// A Context owns one device and its single queue. Every resource created
// from it is tracked in exactly one State by the Context's Tracker. Sessions
// record barriers, copies and dispatches; each barrier is validated against
// the tracked state when it is recorded, so a stale or doubled barrier never
// reaches the GPU.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpusync"
//	    _ "github.com/gogpu/gpusync/backend/sim"
//	)
//
//	c, err := gpusync.Open("sim")
//	defer c.Close()
//
//	vb, _ := c.CreateBuffer(gpusync.BufferDesc{Label: "vertices", Size: 1024, Role: gpusync.RoleVertex})
//	up, _ := c.CreateUploadBuffer("staging", gpusync.FlatLayout(1024))
//	up.Write(0, vertexBytes)
//
//	alloc, _ := c.CreateAllocator("frame", backend.ListDirect)
//	s, _ := c.NewSession("upload")
//	s.Begin(alloc, nil)
//	s.UploadAndSync(vb, up, 0, 0, 1024) // Common -> CopyDest, copy, CopyDest -> GenericRead
//	sub, _ := s.End()
//
//	v, _ := c.SubmitAndSignal(sub)
//	c.Fence().WaitUntilReached(ctx, v) // up may be written again
//
// # Synchronization
//
// The Fence is the only CPU/GPU synchronization point. Staging buffers,
// allocators and sessions referenced by submitted work are busy until the
// fence value signaled after that work is reached. Mapping a busy staging
// buffer or releasing a busy resource fails with ErrResourceBusy.
//
// # Errors
//
// Every error wraps one of ErrAllocation, ErrMap, ErrTransition,
// ErrRecording or ErrSync. Invalid transitions are reported as
// *TransitionError and out-of-sequence session calls as *RecordingError.
//
// # Backends
//
// Devices come from package backend. backend/sim is a deterministic
// simulator with a validation layer; backend/wgpu runs on gogpu/wgpu.
package gpusync
