package demo

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/gpusync"
	"github.com/gogpu/gpusync/backend/sim"
)

func newContext(t *testing.T) (*gpusync.Context, *sim.Device) {
	t.Helper()
	dev := sim.New(sim.DefaultConfig())
	c, err := gpusync.New(dev, gpusync.WithLabel(t.Name()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, dev
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func noViolations(t *testing.T, dev *sim.Device) {
	t.Helper()
	for _, v := range dev.Violations() {
		t.Errorf("validation: %v", v)
	}
}

// =============================================================================
// Registry
// =============================================================================

func TestNames(t *testing.T) {
	want := []string{"count", "frames", "projection", "roundtrip", "texture"}
	if got := Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestLookup(t *testing.T) {
	s, ok := Lookup("roundtrip")
	if !ok || s.Run == nil || s.Description == "" {
		t.Errorf("Lookup(roundtrip) = %+v, %v, want a runnable scenario", s, ok)
	}
	if _, ok := Lookup("nope"); ok {
		t.Error("Lookup(nope) ok = true, want false")
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestScenarios(t *testing.T) {
	tests := []struct {
		name            string
		wantSubmissions int
		wantVerified    uint64
	}{
		{"count", 1, 4},
		{"roundtrip", 2, 4096},
		{"texture", 2, texWidth * texHeight * 4},
		{"projection", 2, 4 * transformSize},
		{"frames", 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dev := newContext(t)
			s, ok := Lookup(tt.name)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.name)
			}
			res, err := s.Run(waitCtx(t), c, Config{Frames: 3, InFlight: 2})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Submissions != tt.wantSubmissions {
				t.Errorf("Submissions = %d, want %d", res.Submissions, tt.wantSubmissions)
			}
			if res.Verified != tt.wantVerified {
				t.Errorf("Verified = %d, want %d", res.Verified, tt.wantVerified)
			}
			if res.Barriers == 0 {
				t.Error("Barriers = 0, want > 0")
			}
			if !c.Fence().Reached(res.Fence) {
				t.Errorf("fence value %d not reached after Run", res.Fence)
			}
			if n := c.Tracker().Len(); n != 0 {
				t.Errorf("Tracker().Len() = %d after Run, want 0 (resources leaked)", n)
			}
			noViolations(t, dev)
		})
	}
}

func TestRunAll(t *testing.T) {
	c, dev := newContext(t)
	results, err := RunAll(waitCtx(t), c, Config{})
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if len(results) != len(Names()) {
		t.Fatalf("RunAll() = %d results, want %d", len(results), len(Names()))
	}
	for i, name := range Names() {
		if results[i].Scenario != name {
			t.Errorf("results[%d].Scenario = %q, want %q", i, results[i].Scenario, name)
		}
	}
	noViolations(t, dev)
}

func TestFramesDefaults(t *testing.T) {
	c, _ := newContext(t)
	res, err := Frames(waitCtx(t), c, Config{})
	if err != nil {
		t.Fatalf("Frames() error = %v", err)
	}
	// Eight paced frames plus the final readback.
	if res.Submissions != 9 {
		t.Errorf("Submissions = %d, want 9", res.Submissions)
	}
}

func TestCanceledContext(t *testing.T) {
	c, dev := newContext(t)
	q := dev.SimQueue()
	q.Suspend()
	defer q.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := RoundTrip(ctx, c, Config{}); !errors.Is(err, gpusync.ErrSync) {
		t.Errorf("RoundTrip() with GPU suspended = %v, want ErrSync", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestScaledImage(t *testing.T) {
	img := ScaledImage()
	if b := img.Bounds(); b.Dx() != texWidth || b.Dy() != texHeight {
		t.Fatalf("ScaledImage() bounds = %v, want %dx%d", b, texWidth, texHeight)
	}
	if img.Stride != int(gpusync.TexturePitchAlignment) {
		t.Errorf("Stride = %d, want %d", img.Stride, gpusync.TexturePitchAlignment)
	}
	// Opaque source stays opaque after filtering.
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			t.Fatalf("alpha at %d = %#x, want 0xff", i, img.Pix[i])
		}
	}
}

func TestTransformLayout(t *testing.T) {
	l, err := TransformLayout(3)
	if err != nil {
		t.Fatalf("TransformLayout() error = %v", err)
	}
	for i, r := range l.Regions() {
		if r.Offset != uint64(i)*gpusync.ConstantBufferAlignment {
			t.Errorf("region %s offset = %d, want %d", r.Name, r.Offset, i*gpusync.ConstantBufferAlignment)
		}
	}
	if l.Size() != 3*gpusync.ConstantBufferAlignment {
		t.Errorf("Size() = %d, want %d", l.Size(), 3*gpusync.ConstantBufferAlignment)
	}
}

func TestFirstDiff(t *testing.T) {
	tests := []struct {
		a, b []byte
		want int
	}{
		{[]byte{1, 2}, []byte{1, 2}, -1},
		{[]byte{1, 2}, []byte{1, 3}, 1},
		{[]byte{1}, []byte{1, 2}, 1},
	}
	for _, tt := range tests {
		if got := firstDiff(tt.a, tt.b); got != tt.want {
			t.Errorf("firstDiff(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
