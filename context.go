package gpusync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpusync/backend"
	"github.com/gogpu/gputypes"
)

// Context owns a device together with its single queue, the resource state
// Tracker and the Fence. Every resource, allocator and session is created
// from a Context and released when it closes.
//
// Context methods are safe for concurrent use. Sessions are not.
type Context struct {
	dev     backend.Device
	queue   backend.Queue
	tracker *Tracker
	fence   *Fence
	opts    options

	nextID atomic.Uint64
	closed atomic.Bool

	mu         sync.Mutex
	resources  map[*Resource]struct{}
	allocators map[*Allocator]struct{}
	sessions   map[*Session]struct{}
}

// New creates a Context on dev. The Context takes ownership of the device
// and destroys it on Close.
func New(dev backend.Device, opts ...Option) (*Context, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrAllocation)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Context{
		dev:        dev,
		queue:      dev.Queue(),
		tracker:    NewTracker(),
		opts:       o,
		resources:  make(map[*Resource]struct{}),
		allocators: make(map[*Allocator]struct{}),
		sessions:   make(map[*Session]struct{}),
	}
	f, err := newFence(dev, o.waitTimeout, c.logger)
	if err != nil {
		return nil, err
	}
	c.fence = f
	c.logger().Info("gpusync: context opened", "label", o.label, "backend", dev.Name())
	return c, nil
}

// Open creates a Context on a device from the named backend, or from the
// best available backend if name is empty.
func Open(name string, opts ...Option) (*Context, error) {
	var (
		dev backend.Device
		err error
	)
	if name == "" {
		dev, err = backend.Default()
	} else {
		dev, err = backend.Get(name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	c, err := New(dev, opts...)
	if err != nil {
		dev.Destroy()
		return nil, err
	}
	return c, nil
}

func (c *Context) logger() *slog.Logger {
	if c.opts.logger != nil {
		return c.opts.logger
	}
	return Logger()
}

// Device returns the backend device.
func (c *Context) Device() backend.Device { return c.dev }

// Queue returns the backend queue.
func (c *Context) Queue() backend.Queue { return c.queue }

// Tracker returns the resource state tracker.
func (c *Context) Tracker() *Tracker { return c.tracker }

// Fence returns the frame fence.
func (c *Context) Fence() *Fence { return c.fence }

// Label returns the label set WithLabel.
func (c *Context) Label() string { return c.opts.label }

func (c *Context) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// CreateBuffer allocates a device-local buffer and starts tracking it in
// desc.InitialState.
func (c *Context) CreateBuffer(desc BufferDesc) (*Resource, error) {
	if err := c.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q: zero size", ErrAllocation, desc.Label)
	}
	if !desc.Role.bufferRole() {
		return nil, fmt.Errorf("%w: buffer %q: role %s applies to textures", ErrAllocation, desc.Label, desc.Role)
	}
	return c.createBuffer(desc.Label, desc.Size, backend.HeapDefault, desc.Role, desc.InitialState)
}

func (c *Context) createBuffer(label string, size uint64, heap backend.HeapKind, role Role, initial State) (*Resource, error) {
	if fixed, ok := heap.FixedState(); ok {
		initial = fixed
	}
	nb, err := c.dev.CreateBuffer(backend.BufferDesc{Label: label, Size: size, Heap: heap, InitialState: initial})
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %q (%d bytes, %s): %w", ErrAllocation, label, size, heap, err)
	}
	r := &Resource{ctx: c, label: label, kind: backend.KindBuffer, heap: heap, role: role, size: size, native: nb}
	if err := c.adopt(r, initial); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateTexture allocates a device-local texture and starts tracking it in
// desc.InitialState.
func (c *Context) CreateTexture(desc TextureDesc) (*Resource, error) {
	if err := c.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if desc.Width == 0 {
		return nil, fmt.Errorf("%w: texture %q: zero width", ErrAllocation, desc.Label)
	}
	if desc.Role == RoleGeneric {
		desc.Role = RoleTexture
	}
	if !desc.Role.textureRole() {
		return nil, fmt.Errorf("%w: texture %q: role %s applies to buffers", ErrAllocation, desc.Label, desc.Role)
	}
	td := backend.TextureDesc{
		Label:        desc.Label,
		Width:        desc.Width,
		Height:       max(desc.Height, 1),
		Depth:        max(desc.Depth, 1),
		Format:       desc.Format,
		Dimension:    gputypes.TextureDimension2D,
		InitialState: desc.InitialState,
	}
	if td.Depth > 1 {
		td.Dimension = gputypes.TextureDimension3D
	}
	nt, err := c.dev.CreateTexture(td)
	if err != nil {
		return nil, fmt.Errorf("%w: texture %q: %w", ErrAllocation, desc.Label, err)
	}
	r := &Resource{ctx: c, label: desc.Label, kind: backend.KindTexture, heap: backend.HeapDefault,
		role: desc.Role, size: backend.TextureBytes(td), tex: td, native: nt}
	if err := c.adopt(r, desc.InitialState); err != nil {
		return nil, err
	}
	return r, nil
}

// adopt registers a freshly created resource, destroying it on failure.
func (c *Context) adopt(r *Resource, initial State) error {
	r.id = c.nextID.Add(1)
	if err := c.tracker.Register(r, initial); err != nil {
		c.dev.DestroyResource(r.native)
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	c.mu.Lock()
	c.resources[r] = struct{}{}
	c.mu.Unlock()
	c.logger().Debug("gpusync: resource created", "resource", r.String(), "state", initial)
	return nil
}

// CreateUploadBuffer allocates an upload heap staging buffer sized by l.
func (c *Context) CreateUploadBuffer(label string, l Layout) (*StagingBuffer, error) {
	return c.createStaging(label, l, backend.HeapUpload)
}

// CreateReadbackBuffer allocates a readback heap staging buffer sized by l.
func (c *Context) CreateReadbackBuffer(label string, l Layout) (*StagingBuffer, error) {
	return c.createStaging(label, l, backend.HeapReadback)
}

func (c *Context) createStaging(label string, l Layout, heap backend.HeapKind) (*StagingBuffer, error) {
	if err := c.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if l.Size() == 0 {
		return nil, fmt.Errorf("%w: staging buffer %q: empty layout", ErrAllocation, label)
	}
	r, err := c.createBuffer(label, l.Size(), heap, RoleGeneric, Common)
	if err != nil {
		return nil, err
	}
	return &StagingBuffer{Resource: r, layout: l}, nil
}

// CreateAllocator creates command memory for sessions of the given kind.
func (c *Context) CreateAllocator(label string, kind backend.ListKind) (*Allocator, error) {
	if err := c.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	na, err := c.dev.CreateCommandAllocator(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: allocator %q: %w", ErrAllocation, label, err)
	}
	a := &Allocator{ctx: c, label: label, kind: kind, native: na}
	c.mu.Lock()
	c.allocators[a] = struct{}{}
	c.mu.Unlock()
	return a, nil
}

// CreateComputePipeline builds a compute pipeline if the device supports it.
func (c *Context) CreateComputePipeline(desc backend.ComputeDesc) (*Pipeline, error) {
	if err := c.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	cc, ok := c.dev.(backend.ComputeCompiler)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %q on %s: %w", ErrAllocation, desc.Label, c.dev.Name(), backend.ErrUnsupported)
	}
	p, err := cc.CreateComputePipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: pipeline %q: %w", ErrAllocation, desc.Label, err)
	}
	return &Pipeline{label: desc.Label, bindings: desc.Bindings, native: p}, nil
}

// NewSession creates a primary session. It must be begun before recording.
func (c *Context) NewSession(label string) (*Session, error) {
	return c.newSession(label, SessionPrimary, BindingSignature{})
}

// NewBundle creates a bundle session bound to sig.
func (c *Context) NewBundle(label string, sig BindingSignature) (*Session, error) {
	return c.newSession(label, SessionBundle, sig)
}

func (c *Context) newSession(label string, kind SessionKind, sig BindingSignature) (*Session, error) {
	if err := c.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	lk := backend.ListDirect
	if kind == SessionBundle {
		lk = backend.ListBundle
	}
	list, err := c.dev.CreateCommandList(lk, label)
	if err != nil {
		return nil, fmt.Errorf("%w: session %q: %w", ErrAllocation, label, err)
	}
	s := &Session{ctx: c, label: label, kind: kind, list: list, sig: sig}
	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

// Submit enqueues closed primary sessions in order. It does not signal the
// fence: call Signal (or Fence().SignalAfter) afterwards for every
// submission the CPU will wait on.
func (c *Context) Submit(subs ...*Submittable) error {
	if err := c.checkOpen(); err != nil {
		return fmt.Errorf("%w: %w", ErrSync, err)
	}
	seen := make(map[*Session]bool, len(subs))
	ahead := make(map[recorder]bool, len(subs))
	lists := make([]backend.CommandList, 0, len(subs))
	for _, sub := range subs {
		if sub == nil {
			return &RecordingError{Op: "Submit", Err: fmt.Errorf("nil submittable")}
		}
		s := sub.s
		var cause error
		switch {
		case s.ctx != c:
			cause = fmt.Errorf("session belongs to another context")
		case s.kind != SessionPrimary:
			cause = fmt.Errorf("bundles are executed from primary sessions")
		case sub.used.Load():
			cause = fmt.Errorf("already submitted")
		case sub.gen != s.gen || s.state != SessionClosed:
			cause = fmt.Errorf("stale handle")
		case seen[s]:
			cause = fmt.Errorf("submitted twice in one call")
		}
		if cause == nil {
			if d, ok := s.waitingOn(ahead); ok {
				cause = fmt.Errorf("barriers recorded by session %q: %w", d.s.label, ErrSubmitOrder)
			}
		}
		if cause != nil {
			return s.recErr("Submit", cause)
		}
		seen[s] = true
		ahead[recorder{s: s, gen: s.gen}] = true
		lists = append(lists, s.list)
	}
	if len(lists) == 0 {
		return nil
	}

	if err := c.queue.Execute(lists...); err != nil {
		c.logger().Error("gpusync: execute failed", "lists", len(lists), "err", err)
		return fmt.Errorf("%w: execute: %w", ErrSync, err)
	}
	for _, sub := range subs {
		s := sub.s
		sub.used.Store(true)
		refs := make([]*usage, 0, len(s.refs))
		for u := range s.refs {
			refs = append(refs, u)
		}
		c.fence.cover(refs)
		c.tracker.settle(recorder{s: s, gen: s.gen}, s.journal)
		s.submitted = s.gen
		s.refs = nil
		s.journal = nil
		s.deps = nil
		s.dependents = nil
		s.state = SessionSubmitted
		c.logger().Debug("gpusync: submitted", "session", s.label, "barriers", s.barriers)
	}
	return nil
}

// Signal signals the fence after all work submitted so far.
func (c *Context) Signal() (FenceValue, error) {
	if err := c.checkOpen(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSync, err)
	}
	return c.fence.SignalAfter(c.queue)
}

// SubmitAndSignal submits sessions and signals the fence after them.
func (c *Context) SubmitAndSignal(subs ...*Submittable) (FenceValue, error) {
	if err := c.Submit(subs...); err != nil {
		return 0, err
	}
	return c.Signal()
}

// Flush signals the fence and waits until the GPU reaches it.
func (c *Context) Flush(ctx context.Context) error {
	v, err := c.Signal()
	if err != nil {
		return err
	}
	return c.fence.WaitUntilReached(ctx, v)
}

// Close waits for submitted work, discards unsubmitted sessions and
// releases every object created from the Context and the device itself.
// Closing twice is a no-op.
func (c *Context) Close() error {
	if c.closed.Load() {
		return nil
	}
	var errs []error
	v, err := c.fence.SignalAfter(c.queue)
	if err == nil {
		err = c.fence.WaitUntilReached(context.Background(), v)
	}
	if err != nil {
		errs = append(errs, err)
	}
	c.closed.Store(true)

	c.mu.Lock()
	sessions := mapKeys(c.sessions)
	resources := mapKeys(c.resources)
	allocators := mapKeys(c.allocators)
	c.mu.Unlock()

	log := c.logger()
	for _, s := range sessions {
		if s.state == SessionRecording || s.state == SessionClosed {
			_ = s.discard("context closed")
		}
		s.list.Destroy()
	}
	if len(resources) > 0 {
		log.Warn("gpusync: releasing resources at close", "count", len(resources))
	}
	for _, r := range resources {
		r.destroy()
	}
	for _, a := range allocators {
		a.destroy()
	}
	c.fence.destroy()
	c.dev.Destroy()
	log.Info("gpusync: context closed", "label", c.opts.label)
	return errors.Join(errs...)
}

func (c *Context) forget(r *Resource) {
	c.mu.Lock()
	delete(c.resources, r)
	c.mu.Unlock()
}

func (c *Context) forgetAllocator(a *Allocator) {
	c.mu.Lock()
	delete(c.allocators, a)
	c.mu.Unlock()
}

func mapKeys[K comparable](m map[K]struct{}) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
