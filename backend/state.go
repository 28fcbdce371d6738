package backend

import "fmt"

// State is the usage state a resource is declared to be in on the GPU
// timeline. Barriers move a resource from one State to another.
type State uint32

// Resource states.
const (
	// StateCommon is the initial state of default-heap resources.
	StateCommon State = iota
	// StateCopySource is the source of a copy.
	StateCopySource
	// StateCopyDest is the destination of a copy.
	StateCopyDest
	// StateGenericRead is the upload heap steady state and the combined
	// read state of vertex, index and constant buffers.
	StateGenericRead
	// StateRenderTarget is a color attachment.
	StateRenderTarget
	// StateDepthWrite is a writable depth attachment.
	StateDepthWrite
	// StateDepthRead is a read-only depth attachment.
	StateDepthRead
	// StateUnorderedAccess is writable from shaders.
	StateUnorderedAccess
	// StatePixelShaderResource is sampled from pixel shaders.
	StatePixelShaderResource
	// StateResolveSource is the source of a multisample resolve.
	StateResolveSource
	// StateResolveDest is the destination of a multisample resolve.
	StateResolveDest
	// StateIndirectArgument is read as indirect draw or dispatch arguments.
	StateIndirectArgument
	// StatePresent is handed to the presentation engine.
	StatePresent

	stateCount
)

var stateNames = [stateCount]string{
	StateCommon:              "Common",
	StateCopySource:          "CopySource",
	StateCopyDest:            "CopyDest",
	StateGenericRead:         "GenericRead",
	StateRenderTarget:        "RenderTarget",
	StateDepthWrite:          "DepthWrite",
	StateDepthRead:           "DepthRead",
	StateUnorderedAccess:     "UnorderedAccess",
	StatePixelShaderResource: "PixelShaderResource",
	StateResolveSource:       "ResolveSource",
	StateResolveDest:         "ResolveDest",
	StateIndirectArgument:    "IndirectArgument",
	StatePresent:             "Present",
}

// String returns the string representation of State.
func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return s < stateCount }

// Writable reports whether the GPU may write a resource in this state.
func (s State) Writable() bool {
	switch s {
	case StateCopyDest, StateRenderTarget, StateDepthWrite, StateUnorderedAccess, StateResolveDest:
		return true
	default:
		return false
	}
}

// Barrier is a transition barrier for one whole resource.
type Barrier struct {
	Resource Resource
	Before   State
	After    State
}

// String returns a human-readable description of the barrier.
func (b Barrier) String() string {
	label := "<nil>"
	if b.Resource != nil {
		label = b.Resource.Label()
	}
	return fmt.Sprintf("%s: %s -> %s", label, b.Before, b.After)
}
