// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/backend"
)

// resourceBase is shared by buffers and textures.
type resourceBase struct {
	dev   *Device
	label string
	kind  backend.ResourceKind
	size  uint64

	destroyed atomic.Bool
}

func (r *resourceBase) Label() string              { return r.label }
func (r *resourceBase) Kind() backend.ResourceKind { return r.kind }
func (r *resourceBase) Size() uint64               { return r.size }

// Buffer wraps a hal.Buffer.
type Buffer struct {
	resourceBase
	heap backend.HeapKind
	raw  hal.Buffer

	// rawSize is Size rounded up to the 4-byte copy alignment.
	rawSize uint64

	mapMu    sync.Mutex
	mapCount int
	mapped   []byte
}

// Heap returns the heap the buffer lives in.
func (b *Buffer) Heap() backend.HeapKind { return b.heap }

// Raw returns the underlying HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Texture wraps a hal.Texture.
type Texture struct {
	resourceBase
	desc backend.TextureDesc
	raw  hal.Texture
}

// Desc returns the texture descriptor.
func (t *Texture) Desc() backend.TextureDesc { return t.desc }

// Raw returns the underlying HAL texture.
func (t *Texture) Raw() hal.Texture { return t.raw }
