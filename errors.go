package gpusync

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by gpusync wraps exactly one of the
// first five sentinels, so callers can classify failures with errors.Is.
var (
	// ErrAllocation is returned when a device or staging resource could not
	// be created. Partially created resources are released before returning.
	ErrAllocation = errors.New("gpusync: allocation failed")

	// ErrMap is returned when the CPU could not acquire a pointer into a
	// staging buffer.
	ErrMap = errors.New("gpusync: map failed")

	// ErrTransition is returned for illegal resource state transitions.
	ErrTransition = errors.New("gpusync: invalid transition")

	// ErrRecording is returned when sessions are used out of sequence.
	ErrRecording = errors.New("gpusync: recording error")

	// ErrSync is returned when a fence signal or wait fails. It indicates
	// device loss or an unrecoverable driver error.
	ErrSync = errors.New("gpusync: sync failed")
)

// Detail errors, wrapped together with one of the classes above.
var (
	// ErrResourceBusy is returned when pending GPU work still references a
	// resource the CPU wants to map, release or reuse.
	ErrResourceBusy = errors.New("gpusync: resource busy")

	// ErrOutOfBounds is returned when a copy range exceeds a resource.
	ErrOutOfBounds = errors.New("gpusync: range out of bounds")

	// ErrMisaligned is returned when a texture footprint violates the row
	// pitch or placement alignment.
	ErrMisaligned = errors.New("gpusync: footprint misaligned")

	// ErrReleased is returned when using a released resource.
	ErrReleased = errors.New("gpusync: resource released")

	// ErrClosed is returned when using a closed Context.
	ErrClosed = errors.New("gpusync: context closed")

	// ErrBundleIncompatible is returned when a bundle's binding signature
	// differs from the executing session's.
	ErrBundleIncompatible = errors.New("gpusync: bundle binding signature mismatch")

	// ErrNeverSignaled is returned when waiting for a fence value that has
	// not been signaled yet, which would block forever.
	ErrNeverSignaled = errors.New("gpusync: fence value never signaled")

	// ErrStale is returned when discarding a session also discarded the
	// sessions recorded on top of its barriers.
	ErrStale = errors.New("gpusync: dependent sessions discarded")

	// ErrSubmitOrder is returned when a session is submitted before the
	// session whose barriers it builds on.
	ErrSubmitOrder = errors.New("gpusync: submitted ahead of a session it depends on")
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	Resource string
	From     State
	To       State
	Current  State
	Reason   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("gpusync: invalid transition of %q %s -> %s (tracked %s): %s",
		e.Resource, e.From, e.To, e.Current, e.Reason)
}

// Unwrap returns ErrTransition.
func (e *TransitionError) Unwrap() error { return ErrTransition }

// RecordingError describes a session operation called out of sequence.
type RecordingError struct {
	Session string
	Op      string
	State   SessionState
	Err     error
}

func (e *RecordingError) Error() string {
	msg := fmt.Sprintf("gpusync: %s on session %q in state %s", e.Op, e.Session, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrRecording and the underlying cause, if any.
func (e *RecordingError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRecording, e.Err}
	}
	return []error{ErrRecording}
}
