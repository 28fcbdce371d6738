// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package sim

import "github.com/gogpu/gpusync/backend"

func init() {
	backend.Register(backend.NameSim, func() (backend.Device, error) {
		return New(DefaultConfig()), nil
	})
}

// Compile-time interface checks.
var (
	_ backend.Device          = (*Device)(nil)
	_ backend.ComputeCompiler = (*Device)(nil)
	_ backend.Queue           = (*Queue)(nil)
	_ backend.Fence           = (*Fence)(nil)
	_ backend.CommandList     = (*CommandList)(nil)
	_ backend.Buffer          = (*Buffer)(nil)
	_ backend.Texture         = (*Texture)(nil)
)
