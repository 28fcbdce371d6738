// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusync/backend"
)

// Creation usages per heap. Device-local buffers get every usage a state
// can map to, so any legal transition stays within the allocation's usage.
const (
	defaultBufferUsage = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst |
		gputypes.BufferUsageStorage | gputypes.BufferUsageUniform |
		gputypes.BufferUsageVertex | gputypes.BufferUsageIndex |
		gputypes.BufferUsageIndirect
	uploadBufferUsage   = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	readbackBufferUsage = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst

	textureUsage = gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst |
		gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment
)

// heapUsage returns the creation usage of a buffer in heap h.
func heapUsage(h backend.HeapKind) gputypes.BufferUsage {
	switch h {
	case backend.HeapUpload:
		return uploadBufferUsage
	case backend.HeapReadback:
		return readbackBufferUsage
	default:
		return defaultBufferUsage
	}
}

// bufferUsage maps a resource state to the buffer usage the HAL tracks.
// States with no buffer meaning map to BufferUsageNone.
func bufferUsage(s backend.State) gputypes.BufferUsage {
	switch s {
	case backend.StateCopySource:
		return gputypes.BufferUsageCopySrc
	case backend.StateCopyDest:
		return gputypes.BufferUsageCopyDst
	case backend.StateGenericRead:
		return gputypes.BufferUsageCopySrc | gputypes.BufferUsageUniform |
			gputypes.BufferUsageVertex | gputypes.BufferUsageIndex
	case backend.StateUnorderedAccess, backend.StatePixelShaderResource:
		return gputypes.BufferUsageStorage
	case backend.StateIndirectArgument:
		return gputypes.BufferUsageIndirect
	default:
		return gputypes.BufferUsageNone
	}
}

// texUsage maps a resource state to the texture usage the HAL tracks.
func texUsage(s backend.State) gputypes.TextureUsage {
	switch s {
	case backend.StateCopySource, backend.StateResolveSource:
		return gputypes.TextureUsageCopySrc
	case backend.StateCopyDest:
		return gputypes.TextureUsageCopyDst
	case backend.StateGenericRead, backend.StatePixelShaderResource:
		return gputypes.TextureUsageTextureBinding
	case backend.StateUnorderedAccess:
		return gputypes.TextureUsageStorageBinding
	case backend.StateRenderTarget, backend.StateDepthWrite, backend.StateDepthRead,
		backend.StateResolveDest, backend.StatePresent:
		return gputypes.TextureUsageRenderAttachment
	default:
		return gputypes.TextureUsageNone
	}
}
