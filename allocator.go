package gpusync

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/gogpu/gpusync/backend"
)

// Allocator is the memory backing recorded sessions. Resetting it (which
// Session.Begin does) is only legal once the GPU has finished every session
// previously recorded against it.
type Allocator struct {
	ctx    *Context
	label  string
	kind   backend.ListKind
	native backend.CommandAllocator

	use      usage
	released atomic.Bool
}

// Label returns the debug label.
func (a *Allocator) Label() string { return a.label }

// Kind returns the kind of sessions the allocator backs.
func (a *Allocator) Kind() backend.ListKind { return a.kind }

// Busy reports whether sessions recorded against the allocator may still
// be executing.
func (a *Allocator) Busy() bool { return a.use.busy(a.ctx.fence.Completed()) }

// Release destroys the allocator. It fails with ErrResourceBusy while busy.
func (a *Allocator) Release() error {
	if a.released.Load() {
		return nil
	}
	if a.Busy() {
		return fmt.Errorf("release allocator %q: %w", a.label, ErrResourceBusy)
	}
	a.destroy()
	return nil
}

func (a *Allocator) destroy() {
	if a.released.Swap(true) {
		return
	}
	a.ctx.forgetAllocator(a)
	a.native.Destroy()
}

// Pipeline is a pipeline state object bound by Session.Begin or
// Session.SetPipeline. The core treats it as an opaque token.
type Pipeline struct {
	label    string
	bindings int
	native   backend.Pipeline
}

// WrapPipeline adopts a pipeline built outside gpusync.
func WrapPipeline(p backend.Pipeline, bindings int) *Pipeline {
	return &Pipeline{label: p.Label(), bindings: bindings, native: p}
}

// Label returns the debug label.
func (p *Pipeline) Label() string { return p.label }

// Bindings returns the number of buffer slots a dispatch needs bound.
func (p *Pipeline) Bindings() int { return p.bindings }

// Native returns the backend pipeline.
func (p *Pipeline) Native() backend.Pipeline { return p.native }

// Release destroys the pipeline.
func (p *Pipeline) Release() { p.native.Destroy() }

// BindingSignature identifies the root signature and descriptor heaps a
// session binds. A bundle can only be executed from a primary session with
// an identical signature. Tokens are compared by identity and must be
// comparable (typically pointers).
type BindingSignature struct {
	Root  any
	Heaps []any
}

// Compatible reports whether two signatures bind the same root signature
// and the same descriptor heaps in the same order.
func (s BindingSignature) Compatible(o BindingSignature) bool {
	if !sameToken(s.Root, o.Root) || len(s.Heaps) != len(o.Heaps) {
		return false
	}
	for i := range s.Heaps {
		if !sameToken(s.Heaps[i], o.Heaps[i]) {
			return false
		}
	}
	return true
}

func sameToken(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
