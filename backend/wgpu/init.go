// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusync/backend"
)

// hardware lists the HAL variants tried before the software HAL. A variant
// is only available when its hal package is linked into the binary.
var hardware = []gputypes.Backend{
	gputypes.BackendVulkan,
	gputypes.BackendMetal,
	gputypes.BackendDX12,
}

func init() {
	backend.Register(backend.NameWGPU, func() (backend.Device, error) {
		return openBest()
	})
}

// openBest opens the first hardware variant that yields a device, else the
// software HAL.
func openBest() (*Device, error) {
	for _, v := range hardware {
		d, err := OpenVariant(v)
		if err == nil {
			return d, nil
		}
		slogger().Debug("wgpu: variant unavailable", "backend", v, "error", err)
	}
	return OpenSoftware()
}

// Compile-time interface checks.
var (
	_ backend.Device           = (*Device)(nil)
	_ backend.ComputeCompiler  = (*Device)(nil)
	_ backend.Queue            = (*Queue)(nil)
	_ backend.Fence            = (*Fence)(nil)
	_ backend.CommandAllocator = (*CommandAllocator)(nil)
	_ backend.CommandList      = (*CommandList)(nil)
	_ backend.Pipeline         = (*Pipeline)(nil)
	_ backend.Buffer           = (*Buffer)(nil)
	_ backend.Texture          = (*Texture)(nil)
)
