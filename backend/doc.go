// Package backend defines the device and queue provider used by gpusync.
//
// A Device creates resources, command allocators, command lists and fences,
// and executes lists on its Queue. Compute pipelines are optional through
// [ComputeCompiler]. Adapter enumeration and presentation stay with the
// caller.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime:
//
//	import _ "github.com/gogpu/gpusync/backend/sim"
//	import _ "github.com/gogpu/gpusync/backend/wgpu"
//
// # Backend Selection
//
// Use Default() to open the best available device, or Get() to open a
// specific backend by name:
//
//	dev, err := backend.Default()
//
//	// Or request a specific backend
//	dev, err := backend.Get("sim")
//
// # Resource States
//
// [State] mirrors the D3D12 resource state set. Upload-heap buffers are
// permanently in [StateGenericRead] and readback-heap buffers permanently
// in [StateCopyDest]; only default-heap resources transition.
//
// # Available Backends
//
//   - "wgpu": gogpu/wgpu HAL (Vulkan, Metal, DX12, falling back to software)
//   - "sim": simulated asynchronous GPU with a validation layer
package backend
