// Package demo holds end-to-end scenarios that drive gpusync on any backend.
//
// Each scenario records real work through sessions, submits it, waits on
// the frame fence and checks what came back from the GPU. They double as
// usage examples for the staging transfer protocol.
package demo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gogpu/gpusync"
	"github.com/gogpu/gpusync/backend"
)

// ErrMismatch is returned when data read back from the GPU differs from
// what the scenario expected.
var ErrMismatch = errors.New("demo: result mismatch")

// Config tunes scenarios. Zero values select defaults.
type Config struct {
	// Frames is the number of frames the Frames scenario paces.
	Frames int
	// InFlight is the number of frames the Frames scenario keeps in flight.
	InFlight int
}

func (c Config) withDefaults() Config {
	if c.Frames <= 0 {
		c.Frames = 8
	}
	if c.InFlight <= 0 {
		c.InFlight = 2
	}
	return c
}

// Result summarizes a scenario run.
type Result struct {
	Scenario string
	// Submissions is the number of fenced submissions.
	Submissions int
	// Barriers is the number of barriers recorded.
	Barriers int
	// Fence is the last fence value waited on.
	Fence gpusync.FenceValue
	// Verified is the number of bytes checked against expectations.
	Verified uint64
}

// String returns a one-line summary.
func (r Result) String() string {
	return fmt.Sprintf("%s: %d submissions, %d barriers, fence %d, %d bytes verified",
		r.Scenario, r.Submissions, r.Barriers, r.Fence, r.Verified)
}

// Scenario is a named end-to-end exercise.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, c *gpusync.Context, cfg Config) (Result, error)
}

var scenarios = map[string]Scenario{}

func register(s Scenario) { scenarios[s.Name] = s }

func init() {
	register(Scenario{Name: "count", Description: "dispatch into a 64-byte UAV and read the invocation count back", Run: InvocationCount})
	register(Scenario{Name: "roundtrip", Description: "upload a byte pattern and read it back", Run: RoundTrip})
	register(Scenario{Name: "texture", Description: "scale an image into a texture and read it back", Run: TextureRoundTrip})
	register(Scenario{Name: "projection", Description: "upload per-object MVP matrices into aligned constant regions", Run: Projection})
	register(Scenario{Name: "frames", Description: "pace frames through a fence with per-slot allocators", Run: Frames})
}

// Names returns the registered scenario names, sorted.
func Names() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the scenario with the given name.
func Lookup(name string) (Scenario, bool) {
	s, ok := scenarios[name]
	return s, ok
}

// RunAll runs every scenario in name order and stops at the first failure.
func RunAll(ctx context.Context, c *gpusync.Context, cfg Config) ([]Result, error) {
	results := make([]Result, 0, len(scenarios))
	for _, name := range Names() {
		r, err := scenarios[name].Run(ctx, c, cfg)
		if err != nil {
			return results, fmt.Errorf("scenario %s: %w", name, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// runner records one session at a time on a private allocator and waits
// for each submission before the next Begin.
type runner struct {
	ctx   context.Context
	c     *gpusync.Context
	alloc *gpusync.Allocator
	s     *gpusync.Session
	res   Result
}

func newRunner(ctx context.Context, c *gpusync.Context, name string) (*runner, error) {
	alloc, err := c.CreateAllocator(name, backend.ListDirect)
	if err != nil {
		return nil, err
	}
	s, err := c.NewSession(name)
	if err != nil {
		_ = alloc.Release()
		return nil, err
	}
	return &runner{ctx: ctx, c: c, alloc: alloc, s: s, res: Result{Scenario: name}}, nil
}

// step records a session with fn, submits it with a fence signal and waits.
func (r *runner) step(fn func(s *gpusync.Session) error) error {
	if err := r.s.Begin(r.alloc, nil); err != nil {
		return err
	}
	if err := fn(r.s); err != nil {
		// The closed session is discarded by the next Begin.
		_, _ = r.s.End()
		return err
	}
	r.res.Barriers += r.s.BarrierCount()
	sub, err := r.s.End()
	if err != nil {
		return err
	}
	v, err := r.c.SubmitAndSignal(sub)
	if err != nil {
		return err
	}
	if err := r.c.Fence().WaitUntilReached(r.ctx, v); err != nil {
		return err
	}
	r.res.Submissions++
	r.res.Fence = v
	return nil
}

func (r *runner) close() {
	if err := r.alloc.Release(); err != nil {
		gpusync.Logger().Warn("demo: allocator release", "scenario", r.res.Scenario, "error", err)
	}
}

// release frees scenario resources once the GPU is done with them.
func release(rs ...interface{ Release() error }) {
	for _, r := range rs {
		if err := r.Release(); err != nil {
			gpusync.Logger().Warn("demo: release", "error", err)
		}
	}
}
