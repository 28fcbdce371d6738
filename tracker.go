package gpusync

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpusync/backend"
)

// Barrier declares a point-in-time transition of one resource.
type Barrier struct {
	Resource *Resource
	Before   State
	After    State
}

// String returns a human-readable description of the barrier.
func (b Barrier) String() string {
	label := "<nil>"
	if b.Resource != nil {
		label = b.Resource.label
	}
	return fmt.Sprintf("%s: %s -> %s", label, b.Before, b.After)
}

func (b Barrier) native() backend.Barrier {
	return backend.Barrier{Resource: b.Resource.native, Before: b.Before, After: b.After}
}

// recorder identifies one recording pass of a session.
type recorder struct {
	s   *Session
	gen uint64
}

// pending reports whether the recording pass has neither been submitted
// nor discarded.
func (r recorder) pending() bool {
	return r.s != nil && r.s.gen == r.gen &&
		(r.s.state == SessionRecording || r.s.state == SessionClosed)
}

type trackEntry struct {
	state State
	// barrierBy is the recording pass that last recorded a barrier for the
	// resource with no use since, or the zero recorder.
	barrierBy recorder
	// owner is the unsubmitted recording pass whose barrier produced state,
	// or the zero recorder once that pass has been submitted.
	owner recorder
}

// journalEntry undoes one committed transition.
type journalEntry struct {
	r         *Resource
	before    State
	after     State
	barrierBy recorder
	owner     recorder
}

// Tracker owns the current state of every resource of a Context and
// validates transitions against it.
//
// Transition, TransitionSet and Batch only describe barriers; a barrier
// takes effect when a Session records it, at which point its Before state is
// checked again against the tracked state. A stale or doubly recorded
// descriptor is therefore rejected instead of reaching the GPU.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries map[*Resource]*trackEntry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[*Resource]*trackEntry)}
}

// Register starts tracking r in the given state.
func (t *Tracker) Register(r *Resource, initial State) error {
	if reason := legalState(r, initial); reason != "" {
		return &TransitionError{Resource: r.label, From: initial, To: initial, Current: initial, Reason: reason}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[r] = &trackEntry{state: initial}
	return nil
}

// Forget stops tracking r.
func (t *Tracker) Forget(r *Resource) {
	t.mu.Lock()
	delete(t.entries, r)
	t.mu.Unlock()
}

// Len returns the number of tracked resources.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// State returns the tracked state of r.
func (t *Tracker) State(r *Resource) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[r]
	if !ok {
		return Common, false
	}
	return e.state, true
}

// Transition returns the barrier moving r from one state to another.
// It fails with a *TransitionError if from is not the tracked state, if to
// is not legal for r, or if from equals to.
func (t *Tracker) Transition(r *Resource, from, to State) (Barrier, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(r, from, to); err != nil {
		return Barrier{}, err
	}
	return Barrier{Resource: r, Before: from, After: to}, nil
}

// TransitionSet validates several transitions at once, as when moving a
// color target and its depth partner together. Nil resources are skipped,
// so the result has one barrier per present resource. Validation is all or
// nothing.
func (t *Tracker) TransitionSet(resources []*Resource, froms, tos []State) ([]Barrier, error) {
	if len(froms) != len(resources) || len(tos) != len(resources) {
		return nil, fmt.Errorf("%w: %d resources, %d before states, %d after states",
			ErrTransition, len(resources), len(froms), len(tos))
	}
	b := t.Batch()
	for i, r := range resources {
		b.Add(r, froms[i], tos[i])
	}
	return b.Build()
}

// Batch starts a barrier batch.
func (t *Tracker) Batch() *BarrierBatch {
	return &BarrierBatch{t: t}
}

// check validates a transition. Caller holds t.mu.
func (t *Tracker) check(r *Resource, from, to State) error {
	if err := r.alive(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransition, err)
	}
	e, ok := t.entries[r]
	if !ok {
		return &TransitionError{Resource: r.label, From: from, To: to, Reason: "resource not tracked"}
	}
	terr := func(reason string) error {
		return &TransitionError{Resource: r.label, From: from, To: to, Current: e.state, Reason: reason}
	}
	switch {
	case from != e.state:
		return terr("before state does not match tracked state")
	case from == to:
		return terr("before and after states are equal")
	}
	if reason := legalState(r, to); reason != "" {
		return terr(reason)
	}
	return nil
}

// commit applies barriers recorded by rec. Every barrier is validated
// before any is applied. It returns the other unsubmitted recording passes
// whose barriers the committed ones build on.
func (t *Tracker) commit(bs []Barrier, rec recorder, journal *[]journalEntry) ([]recorder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[*Resource]bool, len(bs))
	for _, b := range bs {
		if b.Resource == nil {
			return nil, fmt.Errorf("%w: nil resource in barrier", ErrTransition)
		}
		if seen[b.Resource] {
			return nil, &TransitionError{Resource: b.Resource.label, From: b.Before, To: b.After,
				Current: b.Before, Reason: "resource appears twice in one barrier batch"}
		}
		seen[b.Resource] = true
		if err := t.check(b.Resource, b.Before, b.After); err != nil {
			return nil, err
		}
		if e := t.entries[b.Resource]; e.barrierBy == rec {
			return nil, &TransitionError{Resource: b.Resource.label, From: b.Before, To: b.After,
				Current: e.state, Reason: "second barrier without an intervening use"}
		}
	}

	var deps []recorder
	for _, b := range bs {
		e := t.entries[b.Resource]
		if e.owner != rec && e.owner.pending() {
			deps = append(deps, e.owner)
		}
		*journal = append(*journal, journalEntry{r: b.Resource, before: e.state, after: b.After,
			barrierBy: e.barrierBy, owner: e.owner})
		e.state = b.After
		e.barrierBy = rec
		e.owner = rec
	}
	return deps, nil
}

// markUsed records a GPU-visible use of each resource by rec and returns
// the other unsubmitted recording passes that put the resources in their
// current states.
func (t *Tracker) markUsed(rec recorder, rs ...*Resource) []recorder {
	t.mu.Lock()
	defer t.mu.Unlock()
	var deps []recorder
	for _, r := range rs {
		e, ok := t.entries[r]
		if !ok {
			continue
		}
		e.barrierBy = recorder{}
		if e.owner != rec && e.owner.pending() {
			deps = append(deps, e.owner)
		}
	}
	return deps
}

// settle releases the states committed by rec once it has been submitted.
func (t *Tracker) settle(rec recorder, journal []journalEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range journal {
		if e, ok := t.entries[j.r]; ok && e.owner == rec {
			e.owner = recorder{}
		}
	}
}

// rollback undoes a journal in reverse order. Entries whose resource has
// since moved to a different state are skipped and reported.
func (t *Tracker) rollback(journal []journalEntry) (skipped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(journal) - 1; i >= 0; i-- {
		j := journal[i]
		e, ok := t.entries[j.r]
		if !ok {
			continue
		}
		if e.state != j.after {
			skipped++
			continue
		}
		e.state = j.before
		e.barrierBy = j.barrierBy
		e.owner = j.owner
	}
	return skipped
}

// BarrierBatch collects transitions for resources that may be absent.
//
//	barriers, err := tracker.Batch().
//		AddTo(color, PixelShaderResource).
//		AddTo(depth, DepthRead). // skipped when depth is nil
//		Build()
type BarrierBatch struct {
	t     *Tracker
	items []Barrier
	err   error
}

// Add adds a transition of r from one state to another. A nil r is skipped.
func (b *BarrierBatch) Add(r *Resource, from, to State) *BarrierBatch {
	if r != nil {
		b.items = append(b.items, Barrier{Resource: r, Before: from, After: to})
	}
	return b
}

// AddTo adds a transition of r from its tracked state to the given state.
// A nil r, or one already in that state, is skipped.
func (b *BarrierBatch) AddTo(r *Resource, to State) *BarrierBatch {
	if r == nil {
		return b
	}
	from, ok := b.t.State(r)
	if !ok {
		if b.err == nil {
			b.err = &TransitionError{Resource: r.label, To: to, Reason: "resource not tracked"}
		}
		return b
	}
	if from == to {
		return b
	}
	return b.Add(r, from, to)
}

// Len returns the number of transitions added so far.
func (b *BarrierBatch) Len() int { return len(b.items) }

// Build validates every transition and returns the barriers.
func (b *BarrierBatch) Build() ([]Barrier, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	seen := make(map[*Resource]bool, len(b.items))
	for _, it := range b.items {
		if seen[it.Resource] {
			return nil, &TransitionError{Resource: it.Resource.label, From: it.Before, To: it.After,
				Current: it.Before, Reason: "resource appears twice in one barrier batch"}
		}
		seen[it.Resource] = true
		if err := b.t.check(it.Resource, it.Before, it.After); err != nil {
			return nil, err
		}
	}
	out := make([]Barrier, len(b.items))
	copy(out, b.items)
	return out, nil
}
