// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpusync/backend"
)

// Poll interval bounds for Fence.Wait.
const (
	minPoll = 50 * time.Microsecond
	maxPoll = 2 * time.Millisecond
)

// signal is a fence value waiting for a queue submission index.
type signal struct {
	value uint64
	index uint64
}

// Fence maps fence values onto queue submission indices. A value completes
// once the queue has finished the newest submission made before it was
// signaled.
type Fence struct {
	q         *Queue
	completed atomic.Uint64

	mu      sync.Mutex
	pending []signal // ordered by index
}

func (f *Fence) enqueue(value, index uint64) {
	f.mu.Lock()
	f.pending = append(f.pending, signal{value: value, index: index})
	f.mu.Unlock()
}

// Completed polls the queue and returns the last value reached.
func (f *Fence) Completed() uint64 {
	done := f.q.completed()

	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.pending {
		if s.index > done {
			break
		}
		if s.value > f.completed.Load() {
			f.completed.Store(s.value)
		}
		n++
	}
	f.pending = f.pending[n:]
	return f.completed.Load()
}

// Wait polls until the fence reaches value, backing off up to maxPoll.
func (f *Fence) Wait(ctx context.Context, value uint64) error {
	delay := minPoll
	for {
		if f.Completed() >= value {
			return nil
		}
		if f.q.dev.lost.Load() {
			return backend.ErrDeviceLost
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay = min(delay*2, maxPoll)
	}
}

// Destroy drops pending signals.
func (f *Fence) Destroy() {
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
}
