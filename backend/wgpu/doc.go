// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package wgpu runs gpusync on the gogpu/wgpu hardware abstraction layer.
//
// The HAL exposes WebGPU-style objects, so the adapter maps the explicit
// D3D12-style model onto them:
//
//	backend             hal
//	-------             ---
//	CommandAllocator -> CommandEncoder (+ the command buffers it produced)
//	CommandList      -> recorded ops, encoded when the queue executes them
//	Barrier          -> TransitionBuffers / TransitionTextures
//	Fence            -> Queue submission index, polled with PollCompleted
//	Pipeline         -> ComputePipeline compiled from WGSL by naga
//
// Command lists are recorded into an op list and encoded on Queue.Execute.
// Bundles are replayed inline into the primary encoder, since the HAL has
// no compute bundles. Bind groups for dispatches are created at encode time
// and live until the owning allocator is reset.
//
// # Opening a device
//
//	dev, err := wgpu.OpenSoftware()           // pure Go software HAL
//	dev, err := wgpu.Open(halBackend)         // any registered hal.Backend
//	dev, err := wgpu.FromProvider(provider)   // device shared with gogpu
//
// The package registers itself with the backend registry as "wgpu". The
// registered factory prefers Vulkan, Metal and DX12 when the corresponding
// hal packages are linked in, and falls back to the software HAL.
//
// # Limits
//
// Buffer copies must be 4-byte aligned, as in WebGPU. Texture copies use
// the footprint row pitch as BytesPerRow, so pitches must be multiples of
// 256. Device loss is observed when a HAL call reports hal.ErrDeviceLost.
package wgpu
