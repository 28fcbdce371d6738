// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpusync/backend"
)

// Fence is a simulated fence. Waiters block on a channel that is closed and
// replaced each time the completed value advances.
type Fence struct {
	dev       *Device
	completed atomic.Uint64

	mu sync.Mutex
	ch chan struct{}
}

// Completed returns the last signaled value.
func (f *Fence) Completed() uint64 { return f.completed.Load() }

// signal advances the completed value. Called from the queue goroutine.
func (f *Fence) signal(v uint64) {
	f.mu.Lock()
	if v > f.completed.Load() {
		f.completed.Store(v)
	}
	close(f.ch)
	f.ch = make(chan struct{})
	f.mu.Unlock()
}

// wake releases all waiters so they observe device loss.
func (f *Fence) wake() {
	f.mu.Lock()
	close(f.ch)
	f.ch = make(chan struct{})
	f.mu.Unlock()
}

// Wait blocks until the fence reaches value.
func (f *Fence) Wait(ctx context.Context, value uint64) error {
	for {
		f.mu.Lock()
		ch := f.ch
		f.mu.Unlock()

		if f.completed.Load() >= value {
			return nil
		}
		if f.dev.lost.Load() {
			return backend.ErrDeviceLost
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy releases the fence.
func (f *Fence) Destroy() {
	d := f.dev
	d.mu.Lock()
	for i, g := range d.fences {
		if g == f {
			d.fences = append(d.fences[:i], d.fences[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
}
