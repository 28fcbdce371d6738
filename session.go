package gpusync

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/gogpu/gpusync/backend"
)

// SessionKind distinguishes primary sessions from bundles.
type SessionKind uint8

const (
	// SessionPrimary records barriers, copies and dispatches and is
	// submitted to the queue.
	SessionPrimary SessionKind = iota
	// SessionBundle records a replayable sequence bound to a fixed binding
	// signature. It is executed from primaries and never submitted.
	SessionBundle
)

// String returns the string representation of SessionKind.
func (k SessionKind) String() string {
	if k == SessionBundle {
		return "Bundle"
	}
	return "Primary"
}

// SessionState is the lifecycle state of a Session.
type SessionState uint8

const (
	// SessionCreated is a session that has never been begun, or whose
	// recording was discarded.
	SessionCreated SessionState = iota
	// SessionRecording accepts commands.
	SessionRecording
	// SessionClosed is immutable and ready to submit (or, for bundles, to
	// be executed from primaries).
	SessionClosed
	// SessionSubmitted has been enqueued but its fence value has not been
	// reached.
	SessionSubmitted
	// SessionReusable has been submitted and its fence value reached.
	SessionReusable
)

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "Created"
	case SessionRecording:
		return "Recording"
	case SessionClosed:
		return "Closed"
	case SessionSubmitted:
		return "Submitted"
	case SessionReusable:
		return "Reusable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Session is a bounded sequence of recorded GPU commands.
//
// State machine:
//
//	Created   -> Begin()             -> Recording
//	Recording -> End()               -> Closed
//	Closed    -> Context.Submit()    -> Submitted
//	Submitted -> (fence reached)     -> Reusable
//	Reusable  -> Begin()             -> Recording
//	Closed    -> Begin()             -> Recording (closed commands discarded)
//
// Every barrier recorded by a session is committed to the Tracker
// immediately. Discarding a closed session that was never submitted rolls
// those commits back.
//
// A session that records barriers or uses on top of states committed by
// another unsubmitted session depends on it: Context.Submit only accepts it
// once that session has been submitted, earlier or ahead of it in the same
// call. Discarding a session first discards the pending sessions depending
// on it, whose handles become stale.
//
// Session is NOT safe for concurrent use.
type Session struct {
	ctx   *Context
	label string
	kind  SessionKind
	list  backend.CommandList

	state    SessionState
	gen      uint64
	alloc    *Allocator
	pipeline *Pipeline
	sig      BindingSignature
	bindings []*Resource
	barriers int

	journal []journalEntry
	// deps are the unsubmitted recording passes of other sessions this
	// recording builds on; dependents are the passes building on it.
	deps       map[recorder]struct{}
	dependents map[recorder]struct{}
	// submitted is the last generation handed to the queue.
	submitted uint64

	// refs holds every usage the recorded commands depend on. Primaries
	// acquire them; bundles only list them for the primaries that execute
	// the bundle.
	refs    map[*usage]struct{}
	touched []*Resource
	// bound records the state each bundle binding was in when bound.
	bound map[*Resource]State

	use usage
}

// Label returns the debug label.
func (s *Session) Label() string { return s.label }

// Kind returns whether the session is a primary or a bundle.
func (s *Session) Kind() SessionKind { return s.kind }

// Signature returns the binding signature.
func (s *Session) Signature() BindingSignature { return s.sig }

// Native returns the backend command list, for recording content commands
// the core does not model. Resources touched that way should be declared
// with Use.
func (s *Session) Native() backend.CommandList { return s.list }

// BarrierCount returns the number of barriers recorded since Begin.
func (s *Session) BarrierCount() int { return s.barriers }

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	if s.state == SessionSubmitted && !s.use.busy(s.ctx.fence.Completed()) {
		return SessionReusable
	}
	return s.state
}

func (s *Session) recErr(op string, err error) error {
	return &RecordingError{Session: s.label, Op: op, State: s.State(), Err: err}
}

// Begin resets alloc and the session's list and opens the session for
// recording with an optional initial pipeline.
//
// Resetting an allocator whose previous sessions are still executing is a
// GPU race the caller must prevent by waiting on the Fence first. With
// WithAllocatorGuard the race is reported as a RecordingError instead.
func (s *Session) Begin(alloc *Allocator, initial *Pipeline) error {
	const op = "Begin"
	if s.ctx.closed.Load() {
		return s.recErr(op, ErrClosed)
	}
	if alloc == nil || alloc.released.Load() {
		return s.recErr(op, fmt.Errorf("allocator: %w", ErrReleased))
	}
	if want := s.listKind(); alloc.kind != want {
		return s.recErr(op, fmt.Errorf("%s allocator for %s session", alloc.kind, s.kind))
	}

	switch s.state {
	case SessionRecording:
		return s.recErr(op, nil)
	case SessionClosed:
		if err := s.discard("begun again before submit"); err != nil {
			return s.recErr(op, err)
		}
	case SessionSubmitted:
		if s.ctx.opts.allocatorGuard && s.use.busy(s.ctx.fence.Completed()) {
			return s.recErr(op, fmt.Errorf("previous submission: %w", ErrResourceBusy))
		}
	}
	if s.ctx.opts.allocatorGuard && alloc.Busy() {
		return s.recErr(op, fmt.Errorf("allocator %q: %w", alloc.label, ErrResourceBusy))
	}

	if err := alloc.native.Reset(); err != nil {
		return s.recErr(op, fmt.Errorf("reset allocator %q: %w", alloc.label, err))
	}
	var np backend.Pipeline
	if initial != nil {
		np = initial.native
	}
	if err := s.list.Reset(alloc.native, np); err != nil {
		return s.recErr(op, err)
	}

	s.gen++
	s.state = SessionRecording
	s.alloc = alloc
	s.pipeline = initial
	s.bindings = nil
	s.barriers = 0
	s.journal = nil
	s.deps = nil
	s.dependents = nil
	s.refs = make(map[*usage]struct{})
	s.touched = nil
	s.bound = nil
	if s.kind == SessionPrimary {
		s.sig = BindingSignature{}
	}
	s.addRef(&alloc.use)
	s.addRef(&s.use)
	return nil
}

func (s *Session) listKind() backend.ListKind {
	if s.kind == SessionBundle {
		return backend.ListBundle
	}
	return backend.ListDirect
}

// discard drops recorded but unsubmitted commands and rolls back their
// tracker commits. Pending sessions depending on them are discarded first.
// The error lists those sessions; it is nil when none were affected.
func (s *Session) discard(reason string) error {
	var stale []string
	for d := range s.dependents {
		if d.pending() {
			_ = d.s.discard(fmt.Sprintf("depends on discarded session %q", s.label))
			stale = append(stale, d.s.label)
		}
	}
	if s.state == SessionRecording {
		_ = s.list.Close()
	}
	skipped := s.ctx.tracker.rollback(s.journal)
	if s.kind == SessionPrimary {
		for u := range s.refs {
			u.release()
		}
	}
	s.journal = nil
	s.deps = nil
	s.dependents = nil
	s.refs = nil
	s.touched = nil
	s.bound = nil
	s.state = SessionCreated
	if s.kind == SessionPrimary {
		s.ctx.logger().Warn("gpusync: session discarded", "session", s.label, "reason", reason)
	}

	switch {
	case len(stale) > 0:
		sort.Strings(stale)
		return fmt.Errorf("discarded sessions %q recorded on top of it: %w", stale, ErrStale)
	case skipped > 0:
		return fmt.Errorf("%d transitions changed by other sessions: %w", skipped, ErrStale)
	}
	return nil
}

// depend records that this recording builds on other pending passes.
func (s *Session) depend(deps []recorder) {
	if len(deps) == 0 {
		return
	}
	self := recorder{s: s, gen: s.gen}
	if s.deps == nil {
		s.deps = make(map[recorder]struct{})
	}
	for _, d := range deps {
		if d.s == s {
			continue
		}
		s.deps[d] = struct{}{}
		if d.s.dependents == nil {
			d.s.dependents = make(map[recorder]struct{})
		}
		d.s.dependents[self] = struct{}{}
	}
}

// waitingOn returns the first pass this recording depends on that is
// neither submitted nor in ahead.
func (s *Session) waitingOn(ahead map[recorder]bool) (recorder, bool) {
	for d := range s.deps {
		if d.s.submitted >= d.gen || ahead[d] {
			continue
		}
		return d, true
	}
	return recorder{}, false
}

func (s *Session) addRef(u *usage) {
	if _, ok := s.refs[u]; ok {
		return
	}
	s.refs[u] = struct{}{}
	if s.kind == SessionPrimary {
		u.acquire()
	}
}

// touch records a GPU-visible use of resources.
func (s *Session) touch(rs ...*Resource) {
	for _, r := range rs {
		if _, ok := s.refs[&r.use]; !ok {
			s.touched = append(s.touched, r)
		}
		s.addRef(&r.use)
	}
	if s.kind == SessionPrimary {
		s.depend(s.ctx.tracker.markUsed(recorder{s: s, gen: s.gen}, rs...))
	}
}

func (s *Session) recording(op string) error {
	if s.state != SessionRecording {
		return s.recErr(op, nil)
	}
	return nil
}

func (s *Session) primary(op string) error {
	if err := s.recording(op); err != nil {
		return err
	}
	if s.kind != SessionPrimary {
		return s.recErr(op, fmt.Errorf("not allowed in a bundle"))
	}
	return nil
}

// SetSignature declares the root signature and descriptor heaps bound by
// a primary session. Bundles executed afterwards must have a compatible
// signature.
func (s *Session) SetSignature(sig BindingSignature) error {
	if err := s.primary("SetSignature"); err != nil {
		return err
	}
	s.sig = sig
	return nil
}

// Barrier records barriers. Each barrier's Before state must equal the
// tracked state, and a resource cannot receive a second barrier without a
// GPU-visible use in between.
func (s *Session) Barrier(barriers ...Barrier) error {
	if err := s.primary("Barrier"); err != nil {
		return err
	}
	if len(barriers) == 0 {
		return nil
	}
	deps, err := s.ctx.tracker.commit(barriers, recorder{s: s, gen: s.gen}, &s.journal)
	if err != nil {
		return err
	}
	s.depend(deps)

	native := make([]backend.Barrier, len(barriers))
	for i, b := range barriers {
		native[i] = b.native()
		s.addRef(&b.Resource.use)
	}
	s.list.Barrier(native)
	s.barriers += len(barriers)

	log := s.ctx.logger()
	for _, b := range barriers {
		log.Debug("gpusync: barrier", "session", s.label, "barrier", b.String())
	}
	return nil
}

// Transition records a barrier moving r from its tracked state to the
// given state.
func (s *Session) Transition(r *Resource, to State) error {
	if err := s.primary("Transition"); err != nil {
		return err
	}
	from, _ := s.ctx.tracker.State(r)
	b, err := s.ctx.tracker.Transition(r, from, to)
	if err != nil {
		return err
	}
	return s.Barrier(b)
}

// Use declares that commands recorded through Native use the resources in
// their current states. It counts as the GPU-visible use between barriers
// and keeps the resources busy until the session's fence value is reached.
func (s *Session) Use(resources ...*Resource) error {
	if err := s.recording("Use"); err != nil {
		return err
	}
	for _, r := range resources {
		if err := r.alive(); err != nil {
			return s.recErr("Use", err)
		}
	}
	s.touch(resources...)
	return nil
}

// SetPipeline binds a pipeline for subsequent dispatches.
func (s *Session) SetPipeline(p *Pipeline) error {
	if err := s.recording("SetPipeline"); err != nil {
		return err
	}
	if p == nil {
		return s.recErr("SetPipeline", fmt.Errorf("nil pipeline"))
	}
	s.pipeline = p
	s.list.SetPipeline(p.native)
	return nil
}

// Bind binds a buffer to a shader slot for subsequent dispatches.
func (s *Session) Bind(slot uint32, r *Resource) error {
	const op = "Bind"
	if err := s.recording(op); err != nil {
		return err
	}
	if err := r.alive(); err != nil {
		return s.recErr(op, err)
	}
	if r.kind != backend.KindBuffer {
		return s.recErr(op, fmt.Errorf("%q is not a buffer", r.label))
	}
	for uint32(len(s.bindings)) <= slot {
		s.bindings = append(s.bindings, nil)
	}
	s.bindings[slot] = r
	s.list.SetBuffer(slot, r.native.(backend.Buffer))

	if s.kind == SessionBundle {
		if s.bound == nil {
			s.bound = make(map[*Resource]State)
		}
		s.bound[r], _ = s.ctx.tracker.State(r)
	}
	return nil
}

// Dispatch records a compute dispatch of the bound pipeline. Every bound
// buffer must be in a shader-visible state.
func (s *Session) Dispatch(x, y, z uint32) error {
	const op = "Dispatch"
	if err := s.recording(op); err != nil {
		return err
	}
	if s.pipeline == nil {
		return s.recErr(op, fmt.Errorf("no pipeline bound"))
	}
	if len(s.bindings) < s.pipeline.bindings {
		return s.recErr(op, fmt.Errorf("pipeline %q needs %d bindings, have %d",
			s.pipeline.label, s.pipeline.bindings, len(s.bindings)))
	}
	used := s.bindings[:s.pipeline.bindings]
	for i, r := range used {
		if r == nil {
			return s.recErr(op, fmt.Errorf("slot %d unbound", i))
		}
		if err := r.alive(); err != nil {
			return s.recErr(op, err)
		}
		st, _ := s.ctx.tracker.State(r)
		switch st {
		case UnorderedAccess, GenericRead, PixelShaderResource:
		default:
			return &TransitionError{Resource: r.label, From: st, To: st, Current: st,
				Reason: fmt.Sprintf("bound to slot %d but not shader visible", i)}
		}
	}
	s.list.Dispatch(x, y, z)
	s.touch(used...)
	return nil
}

// RecordBundle executes a closed bundle from this primary session. The
// bundle must have a compatible binding signature, and every buffer it
// binds must still be in the state it was bound in.
func (s *Session) RecordBundle(bundle *Session) error {
	const op = "RecordBundle"
	if err := s.primary(op); err != nil {
		return err
	}
	switch {
	case bundle == nil:
		return s.recErr(op, fmt.Errorf("nil bundle"))
	case bundle.kind != SessionBundle:
		return s.recErr(op, fmt.Errorf("%q is not a bundle", bundle.label))
	case bundle.state != SessionClosed:
		return s.recErr(op, fmt.Errorf("bundle %q is %s, want Closed", bundle.label, bundle.state))
	case !s.sig.Compatible(bundle.sig):
		return s.recErr(op, fmt.Errorf("bundle %q: %w", bundle.label, ErrBundleIncompatible))
	}
	for r, want := range bundle.bound {
		if err := r.alive(); err != nil {
			return s.recErr(op, err)
		}
		if cur, _ := s.ctx.tracker.State(r); cur != want {
			return &TransitionError{Resource: r.label, From: want, To: want, Current: cur,
				Reason: fmt.Sprintf("bundle %q bound it in %s", bundle.label, want)}
		}
	}

	s.list.ExecuteBundle(bundle.list)
	for u := range bundle.refs {
		s.addRef(u)
	}
	s.touch(bundle.touched...)
	return nil
}

// End closes recording. The returned handle can be submitted exactly once
// and is invalidated by the next Begin.
func (s *Session) End() (*Submittable, error) {
	if err := s.recording("End"); err != nil {
		return nil, err
	}
	if err := s.list.Close(); err != nil {
		s.state = SessionClosed
		return nil, s.recErr("End", errors.Join(err, s.discard("close failed")))
	}
	s.state = SessionClosed
	return &Submittable{s: s, gen: s.gen}, nil
}

// Submittable is a closed primary session ready for Context.Submit.
type Submittable struct {
	s    *Session
	gen  uint64
	used atomic.Bool
}

// Session returns the session the handle was closed from.
func (sub *Submittable) Session() *Session { return sub.s }
