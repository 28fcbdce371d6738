// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package sim provides a simulated GPU device for gpusync.
//
// The simulated queue executes command lists on its own goroutine, so the
// CPU and "GPU" really do run concurrently: fences complete asynchronously,
// staging memory is written by the GPU goroutine, and allocators stay in
// flight until their lists have executed.
//
// Every executed command is checked by a validation layer, modeled on the
// D3D12 debug layer:
//
//   - barrier Before states must match the resource's state on the GPU timeline
//   - copy sources and destinations must be in CopySource/CopyDest
//   - dispatch bindings must be in a shader-visible state
//   - allocators must not be reset while their lists are executing
//   - host-visible buffers must not be mapped while GPU work references them
//
// Violations are collected on the Device and optionally reported through
// Config.OnViolation.
//
// The device can also be suspended (to hold work in flight
// deterministically), given per-submission latency, capped in memory, and
// lost on demand to exercise failure paths.
//
// Compute pipelines are executed by their CPU reference Kernel.
package sim
