package gpusync

import (
	"fmt"

	"github.com/gogpu/gpusync/backend"
)

// State is the usage state of a GPU resource.
type State = backend.State

// Resource states.
const (
	Common              = backend.StateCommon
	CopySource          = backend.StateCopySource
	CopyDest            = backend.StateCopyDest
	GenericRead         = backend.StateGenericRead
	RenderTarget        = backend.StateRenderTarget
	DepthWrite          = backend.StateDepthWrite
	DepthRead           = backend.StateDepthRead
	UnorderedAccess     = backend.StateUnorderedAccess
	PixelShaderResource = backend.StatePixelShaderResource
	ResolveSource       = backend.StateResolveSource
	ResolveDest         = backend.StateResolveDest
	IndirectArgument    = backend.StateIndirectArgument
	Present             = backend.StatePresent
)

// Role is what a resource is used for between transfers. It determines the
// steady state a resource settles into after an upload.
type Role uint8

const (
	// RoleGeneric is a buffer read through GenericRead.
	RoleGeneric Role = iota
	// RoleVertex is a vertex buffer.
	RoleVertex
	// RoleIndex is an index buffer.
	RoleIndex
	// RoleConstant is a constant buffer.
	RoleConstant
	// RoleUnorderedAccess is a compute-writable buffer or texture.
	RoleUnorderedAccess
	// RoleIndirectArgument is an indirect argument buffer.
	RoleIndirectArgument
	// RoleTexture is a sampled texture.
	RoleTexture
	// RoleRenderTarget is a color attachment.
	RoleRenderTarget
	// RoleDepthStencil is a depth attachment.
	RoleDepthStencil
)

var roleNames = [...]string{
	RoleGeneric:          "Generic",
	RoleVertex:           "Vertex",
	RoleIndex:            "Index",
	RoleConstant:         "Constant",
	RoleUnorderedAccess:  "UnorderedAccess",
	RoleIndirectArgument: "IndirectArgument",
	RoleTexture:          "Texture",
	RoleRenderTarget:     "RenderTarget",
	RoleDepthStencil:     "DepthStencil",
}

// String returns the string representation of Role.
func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Unknown(%d)", int(r))
}

// SteadyState returns the state a resource of this role rests in between uses.
func (r Role) SteadyState() State {
	switch r {
	case RoleUnorderedAccess:
		return UnorderedAccess
	case RoleIndirectArgument:
		return IndirectArgument
	case RoleTexture:
		return PixelShaderResource
	case RoleRenderTarget:
		return RenderTarget
	case RoleDepthStencil:
		return DepthWrite
	default:
		return GenericRead
	}
}

// bufferRole reports whether the role applies to buffers.
func (r Role) bufferRole() bool {
	switch r {
	case RoleGeneric, RoleVertex, RoleIndex, RoleConstant, RoleUnorderedAccess, RoleIndirectArgument:
		return true
	default:
		return false
	}
}

// textureRole reports whether the role applies to textures.
func (r Role) textureRole() bool {
	switch r {
	case RoleTexture, RoleRenderTarget, RoleDepthStencil, RoleUnorderedAccess:
		return true
	default:
		return false
	}
}

// legalState reports why s is not a legal state for r, or "" if it is.
//
//	Heap      Kind     Legal states
//	Upload    Buffer   GenericRead only
//	Readback  Buffer   CopyDest only
//	Default   Buffer   Common, CopySource, CopyDest, GenericRead,
//	                   UnorderedAccess, PixelShaderResource, IndirectArgument
//	Default   Texture  all but IndirectArgument; RenderTarget for color
//	                   formats, DepthWrite/DepthRead for depth formats
func legalState(r *Resource, s State) string {
	if !s.Valid() {
		return "unknown state"
	}
	if fixed, ok := r.heap.FixedState(); ok {
		if s != fixed {
			return fmt.Sprintf("%s heap resources are fixed in %s", r.heap, fixed)
		}
		return ""
	}

	if r.kind == backend.KindBuffer {
		switch s {
		case Common, CopySource, CopyDest, GenericRead, UnorderedAccess, PixelShaderResource, IndirectArgument:
			return ""
		default:
			return fmt.Sprintf("buffers cannot be in %s", s)
		}
	}

	depth := r.tex.Format.HasDepth()
	switch s {
	case IndirectArgument:
		return "textures cannot be indirect arguments"
	case RenderTarget:
		if depth {
			return fmt.Sprintf("depth format %v cannot be a render target", r.tex.Format)
		}
	case DepthWrite, DepthRead:
		if !depth {
			return fmt.Sprintf("color format %v cannot be a depth attachment", r.tex.Format)
		}
	}
	return ""
}
