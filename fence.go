package gpusync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpusync/backend"
)

// FenceValue is a point on the GPU timeline.
type FenceValue uint64

// Fence is the single synchronization point translating "the GPU has
// executed up to here" into a CPU-observable fact.
//
// Each submission the CPU depends on is followed by exactly one
// SignalAfter. Signaled values are strictly increasing. Everything
// submitted before a SignalAfter is covered by the value it returns: once
// WaitUntilReached(v) returns, staging buffers, resources, allocators and
// sessions used by that work may be touched again.
//
// Fence is safe for concurrent use.
type Fence struct {
	native  backend.Fence
	timeout time.Duration
	logger  func() *slog.Logger

	mu       sync.Mutex
	signaled uint64
	// uncovered holds usages submitted since the last signal.
	uncovered []*usage
}

func newFence(dev backend.Device, timeout time.Duration, logger func() *slog.Logger) (*Fence, error) {
	nf, err := dev.CreateFence(0)
	if err != nil {
		return nil, fmt.Errorf("%w: create fence: %w", ErrSync, err)
	}
	return &Fence{native: nf, timeout: timeout, logger: logger}, nil
}

// cover schedules usages to be stamped by the next SignalAfter.
func (f *Fence) cover(us []*usage) {
	f.mu.Lock()
	f.uncovered = append(f.uncovered, us...)
	f.mu.Unlock()
}

// SignalAfter increments the counter and enqueues a GPU-side signal of the
// new value after all work queued so far. It returns the value to wait for.
func (f *Fence) SignalAfter(q backend.Queue) (FenceValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.signaled + 1
	if err := q.Signal(f.native, v); err != nil {
		f.logger().Error("gpusync: fence signal failed", "value", v, "err", err)
		return 0, fmt.Errorf("%w: signal %d: %w", ErrSync, v, err)
	}
	f.signaled = v
	for _, u := range f.uncovered {
		u.stamp(v)
	}
	f.uncovered = nil
	f.logger().Debug("gpusync: fence signaled", "value", v)
	return FenceValue(v), nil
}

// Completed returns the last value the GPU has reached.
func (f *Fence) Completed() uint64 { return f.native.Completed() }

// Reached reports whether the GPU has reached v.
func (f *Fence) Reached(v FenceValue) bool { return f.native.Completed() >= uint64(v) }

// LastSignaled returns the last value returned by SignalAfter.
func (f *Fence) LastSignaled() FenceValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FenceValue(f.signaled)
}

// WaitUntilReached blocks until the GPU reaches v. It returns immediately
// if v has already been reached.
//
// Waiting has no timeout unless ctx carries a deadline or the Context was
// created WithWaitTimeout. Waiting for a value that was never signaled fails
// with ErrNeverSignaled instead of blocking forever. All failures wrap
// ErrSync.
func (f *Fence) WaitUntilReached(ctx context.Context, v FenceValue) error {
	if f.Reached(v) {
		return nil
	}
	if last := f.LastSignaled(); v > last {
		return fmt.Errorf("%w: wait for %d: %w (last signaled %d)", ErrSync, v, ErrNeverSignaled, last)
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := f.native.Wait(ctx, uint64(v)); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			f.logger().Error("gpusync: fence wait failed", "value", v, "err", err)
		}
		return fmt.Errorf("%w: wait for %d: %w", ErrSync, v, err)
	}
	f.logger().Debug("gpusync: fence reached", "value", v, "waited", time.Since(start))
	return nil
}

func (f *Fence) destroy() {
	f.native.Destroy()
}
