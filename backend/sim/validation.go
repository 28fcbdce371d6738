// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package sim

import "fmt"

// ViolationKind classifies a validation failure.
type ViolationKind uint8

const (
	// ViolationBarrierMismatch is a barrier whose Before state differs from
	// the resource's state on the GPU timeline.
	ViolationBarrierMismatch ViolationKind = iota
	// ViolationCopyState is a copy whose source or destination is not in a
	// copy state.
	ViolationCopyState
	// ViolationDispatchState is a dispatch binding a resource that is not
	// shader visible.
	ViolationDispatchState
	// ViolationAllocatorInFlight is an allocator reset while its lists are
	// still executing.
	ViolationAllocatorInFlight
	// ViolationMapInFlight is a host mapping of a buffer referenced by
	// pending GPU work.
	ViolationMapInFlight
	// ViolationUseAfterDestroy is GPU work referencing a destroyed resource.
	ViolationUseAfterDestroy
	// ViolationDestroyInFlight is a resource destroyed while GPU work
	// references it.
	ViolationDestroyInFlight
)

// String returns the string representation of ViolationKind.
func (k ViolationKind) String() string {
	switch k {
	case ViolationBarrierMismatch:
		return "BarrierMismatch"
	case ViolationCopyState:
		return "CopyState"
	case ViolationDispatchState:
		return "DispatchState"
	case ViolationAllocatorInFlight:
		return "AllocatorInFlight"
	case ViolationMapInFlight:
		return "MapInFlight"
	case ViolationUseAfterDestroy:
		return "UseAfterDestroy"
	case ViolationDestroyInFlight:
		return "DestroyInFlight"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Violation is one validation failure.
type Violation struct {
	Kind     ViolationKind
	Resource string
	Detail   string
}

// String returns a human-readable description of the violation.
func (v Violation) String() string {
	return fmt.Sprintf("%s [%s]: %s", v.Kind, v.Resource, v.Detail)
}

// report records a violation and forwards it to the configured callback.
func (d *Device) report(kind ViolationKind, resource, format string, args ...any) {
	v := Violation{Kind: kind, Resource: resource, Detail: fmt.Sprintf(format, args...)}

	d.mu.Lock()
	d.violations = append(d.violations, v)
	cb := d.cfg.OnViolation
	d.mu.Unlock()

	slogger().Warn("sim: validation", "violation", v.String())
	if cb != nil {
		cb(v)
	}
}

// Violations returns a copy of the violations recorded so far.
func (d *Device) Violations() []Violation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Violation, len(d.violations))
	copy(out, d.violations)
	return out
}

// ResetViolations clears the recorded violations.
func (d *Device) ResetViolations() {
	d.mu.Lock()
	d.violations = nil
	d.mu.Unlock()
}
