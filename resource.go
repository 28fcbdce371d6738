package gpusync

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpusync/backend"
	"github.com/gogpu/gputypes"
)

// BufferDesc describes a device-local buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Role  Role

	// InitialState defaults to Common.
	InitialState State
}

// TextureDesc describes a device-local texture.
type TextureDesc struct {
	Label  string
	Width  uint32
	Height uint32
	// Depth is the number of slices of a 3D texture. Zero means 1.
	Depth  uint32
	Format gputypes.TextureFormat
	Role   Role

	// InitialState defaults to Common.
	InitialState State
}

// Resource is a buffer or texture owned by a Context. Its current state is
// held by the Context's Tracker.
//
// A Resource must be released with Release or by closing its Context.
// Release fails while pending GPU work still references the resource.
type Resource struct {
	ctx    *Context
	id     uint64
	label  string
	kind   backend.ResourceKind
	heap   backend.HeapKind
	role   Role
	size   uint64
	tex    backend.TextureDesc
	native backend.Resource

	use      usage
	released atomic.Bool
}

// ID returns the resource identity within its Context.
func (r *Resource) ID() uint64 { return r.id }

// Label returns the debug label.
func (r *Resource) Label() string { return r.label }

// Kind returns whether the resource is a buffer or a texture.
func (r *Resource) Kind() backend.ResourceKind { return r.kind }

// Heap returns the heap the resource lives in.
func (r *Resource) Heap() backend.HeapKind { return r.heap }

// Role returns the resource role.
func (r *Resource) Role() Role { return r.role }

// Size returns the allocation size in bytes.
func (r *Resource) Size() uint64 { return r.size }

// Texture returns the texture descriptor. It is the zero value for buffers.
func (r *Resource) Texture() backend.TextureDesc { return r.tex }

// Native returns the backend resource.
func (r *Resource) Native() backend.Resource { return r.native }

// SteadyState returns the state the resource rests in between uses.
// Staging buffers rest in their heap's fixed state.
func (r *Resource) SteadyState() State {
	if fixed, ok := r.heap.FixedState(); ok {
		return fixed
	}
	return r.role.SteadyState()
}

// State returns the tracked state.
func (r *Resource) State() State {
	s, _ := r.ctx.tracker.State(r)
	return s
}

// Busy reports whether recorded or submitted GPU work not yet covered by a
// reached fence value references the resource.
func (r *Resource) Busy() bool {
	return r.use.busy(r.ctx.fence.Completed())
}

// Released reports whether Release has been called.
func (r *Resource) Released() bool { return r.released.Load() }

// Release destroys the resource. It fails with ErrResourceBusy while GPU
// work references it. Releasing twice is a no-op.
func (r *Resource) Release() error {
	if r.released.Load() {
		return nil
	}
	if r.Busy() {
		return fmt.Errorf("release %q: %w", r.label, ErrResourceBusy)
	}
	r.destroy()
	return nil
}

func (r *Resource) destroy() {
	if r.released.Swap(true) {
		return
	}
	r.ctx.tracker.Forget(r)
	r.ctx.forget(r)
	r.ctx.dev.DestroyResource(r.native)
	r.ctx.logger().Debug("gpusync: resource released", "label", r.label, "id", r.id)
}

func (r *Resource) String() string {
	if r.kind == backend.KindTexture {
		return fmt.Sprintf("Texture[%s %dx%dx%d %v]", r.label, r.tex.Width, r.tex.Height, r.tex.Depth, r.tex.Format)
	}
	return fmt.Sprintf("Buffer[%s %d bytes %s]", r.label, r.size, r.heap)
}

// alive returns ErrReleased for released resources.
func (r *Resource) alive() error {
	if r == nil {
		return fmt.Errorf("%w: nil resource", ErrReleased)
	}
	if r.released.Load() {
		return fmt.Errorf("%q: %w", r.label, ErrReleased)
	}
	return nil
}
