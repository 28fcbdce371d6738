package backend

import (
	"context"
	"errors"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrDeviceLost is returned by any device, queue or fence call after the
	// device has been lost. It is never recoverable.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrOutOfMemory is returned when a resource does not fit in the device budget.
	ErrOutOfMemory = errors.New("backend: out of device memory")

	// ErrNotMappable is returned when mapping a buffer that lives in the
	// device-local heap.
	ErrNotMappable = errors.New("backend: resource is not host visible")

	// ErrInFlight is returned when an allocator is reset while command lists
	// recorded against it are still executing.
	ErrInFlight = errors.New("backend: allocator still in flight")

	// ErrUnsupported is returned for operations the backend cannot perform.
	ErrUnsupported = errors.New("backend: operation not supported")

	// ErrInvalidCommand is returned by CommandList.Close when recording hit
	// an invalid command.
	ErrInvalidCommand = errors.New("backend: invalid command")
)

// Device creates resources and command objects and owns the single
// submission queue. All methods except those documented otherwise are safe
// for concurrent use.
type Device interface {
	// Name returns the backend identifier (e.g., "sim", "wgpu").
	Name() string

	// CreateBuffer allocates a buffer in the heap named by the descriptor.
	CreateBuffer(desc BufferDesc) (Buffer, error)

	// CreateTexture allocates a device-local texture.
	CreateTexture(desc TextureDesc) (Texture, error)

	// DestroyResource frees a buffer or texture. The caller guarantees that
	// no pending GPU work references it.
	DestroyResource(r Resource)

	// Map returns host memory for an upload or readback buffer. The slice
	// stays valid until Unmap.
	Map(b Buffer) ([]byte, error)

	// Unmap ends a mapping started by Map.
	Unmap(b Buffer)

	// CreateCommandAllocator creates backing memory for lists of the given kind.
	CreateCommandAllocator(kind ListKind) (CommandAllocator, error)

	// CreateCommandList creates a closed command list of the given kind.
	// It must be Reset before recording.
	CreateCommandList(kind ListKind, label string) (CommandList, error)

	// CreateFence creates a fence whose completed value starts at initial.
	CreateFence(initial uint64) (Fence, error)

	// Queue returns the device's submission queue.
	Queue() Queue

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle(ctx context.Context) error

	// Destroy releases the device.
	Destroy()
}

// Queue executes closed primary command lists in submission order.
type Queue interface {
	// Execute enqueues closed primary lists. It does not wait for the GPU.
	Execute(lists ...CommandList) error

	// Signal enqueues a fence signal after all previously enqueued work.
	Signal(f Fence, value uint64) error
}

// Fence is a monotonically increasing counter signaled by the GPU timeline.
type Fence interface {
	// Completed returns the last value the GPU has signaled.
	Completed() uint64

	// Wait blocks until Completed() >= value, the context is done, or the
	// device is lost.
	Wait(ctx context.Context, value uint64) error

	// Destroy releases the fence.
	Destroy()
}

// CommandAllocator is the memory backing recorded command lists.
type CommandAllocator interface {
	// Kind returns the kind of lists this allocator can back.
	Kind() ListKind

	// Reset reclaims the memory of every list recorded against the allocator.
	// It is only legal once that work has completed on the GPU.
	Reset() error

	// Destroy releases the allocator.
	Destroy()
}

// Pipeline is an opaque pipeline state object.
type Pipeline interface {
	// Label returns the debug label.
	Label() string

	// Destroy releases the pipeline.
	Destroy()
}

// CommandList records GPU commands between Reset and Close.
//
// Recording methods do not return errors. Invalid commands are remembered
// and reported by Close, the way D3D12 reports E_INVALIDARG on Close.
//
// CommandList is NOT safe for concurrent use.
type CommandList interface {
	// Kind returns whether this is a primary list or a bundle.
	Kind() ListKind

	// Reset opens the list for recording against alloc with an optional
	// initial pipeline.
	Reset(alloc CommandAllocator, initial Pipeline) error

	// Barrier records resource state transitions.
	Barrier(barriers []Barrier)

	// CopyBuffer copies size bytes from src[srcOffset:] to dst[dstOffset:].
	CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)

	// CopyBufferToTexture copies a placed footprint from src into dst.
	CopyBufferToTexture(dst Texture, src Buffer, region TextureCopy)

	// CopyTextureToBuffer copies a box of src into a placed footprint in dst.
	CopyTextureToBuffer(dst Buffer, src Texture, region TextureCopy)

	// SetPipeline binds a pipeline for subsequent dispatches.
	SetPipeline(p Pipeline)

	// SetBuffer binds a buffer to a shader slot.
	SetBuffer(slot uint32, b Buffer)

	// Dispatch runs the bound compute pipeline.
	Dispatch(x, y, z uint32)

	// ExecuteBundle replays a closed bundle inline.
	ExecuteBundle(bundle CommandList)

	// Close ends recording and reports the first invalid command, if any.
	Close() error

	// Destroy releases the list.
	Destroy()
}

// Kernel is a CPU reference implementation of a compute shader.
// bindings holds the memory of the buffers bound to slots 0..n-1.
type Kernel func(groups [3]uint32, bindings [][]byte)

// ComputeDesc describes a compute pipeline.
type ComputeDesc struct {
	Label string

	// WGSL is the shader source. Backends that compile shaders require it.
	WGSL string

	// EntryPoint defaults to "main".
	EntryPoint string

	// Bindings is the number of storage buffer bindings in group 0.
	Bindings int

	// Kernel is used by backends that execute on the CPU.
	Kernel Kernel
}

// ComputeCompiler is implemented by devices that can build compute pipelines.
type ComputeCompiler interface {
	CreateComputePipeline(desc ComputeDesc) (Pipeline, error)
}
