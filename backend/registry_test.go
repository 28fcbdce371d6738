package backend

import (
	"context"
	"errors"
	"testing"
)

// stubDevice is a minimal Device for registry tests.
type stubDevice struct{ name string }

func (d *stubDevice) Name() string { return d.name }

func (d *stubDevice) CreateBuffer(BufferDesc) (Buffer, error) { return nil, ErrUnsupported }

func (d *stubDevice) CreateTexture(TextureDesc) (Texture, error) { return nil, ErrUnsupported }

func (d *stubDevice) DestroyResource(Resource) {}

func (d *stubDevice) Map(Buffer) ([]byte, error) { return nil, ErrNotMappable }

func (d *stubDevice) Unmap(Buffer) {}

func (d *stubDevice) CreateCommandAllocator(ListKind) (CommandAllocator, error) {
	return nil, ErrUnsupported
}

func (d *stubDevice) CreateCommandList(ListKind, string) (CommandList, error) {
	return nil, ErrUnsupported
}

func (d *stubDevice) CreateFence(uint64) (Fence, error) { return nil, ErrUnsupported }

func (d *stubDevice) Queue() Queue { return nil }

func (d *stubDevice) WaitIdle(context.Context) error { return nil }

func (d *stubDevice) Destroy() {}

func withRegistry(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]Factory)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
}

func TestRegisterAndGet(t *testing.T) {
	withRegistry(t)

	Register("test", func() (Device, error) { return &stubDevice{name: "test"}, nil })
	if !IsRegistered("test") {
		t.Fatal("IsRegistered(test) = false, want true")
	}

	d, err := Get("test")
	if err != nil {
		t.Fatalf("Get(test) error = %v", err)
	}
	if d.Name() != "test" {
		t.Errorf("Name() = %q, want %q", d.Name(), "test")
	}

	Unregister("test")
	if IsRegistered("test") {
		t.Error("IsRegistered(test) after Unregister = true, want false")
	}
}

func TestGetUnknown(t *testing.T) {
	withRegistry(t)

	_, err := Get("missing")
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Get(missing) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestDefaultPriority(t *testing.T) {
	withRegistry(t)

	Register(NameSim, func() (Device, error) { return &stubDevice{name: NameSim}, nil })
	Register("zzz", func() (Device, error) { return &stubDevice{name: "zzz"}, nil })
	Register(NameWGPU, func() (Device, error) { return &stubDevice{name: NameWGPU}, nil })

	d, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if d.Name() != NameWGPU {
		t.Errorf("Default().Name() = %q, want %q", d.Name(), NameWGPU)
	}
}

func TestDefaultFallsBackOnFactoryError(t *testing.T) {
	withRegistry(t)

	Register(NameWGPU, func() (Device, error) { return nil, errors.New("no adapter") })
	Register(NameSim, func() (Device, error) { return &stubDevice{name: NameSim}, nil })

	d, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if d.Name() != NameSim {
		t.Errorf("Default().Name() = %q, want %q", d.Name(), NameSim)
	}
}

func TestDefaultEmpty(t *testing.T) {
	withRegistry(t)

	if _, err := Default(); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Default() error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestAvailableSorted(t *testing.T) {
	withRegistry(t)

	for _, n := range []string{"b", "a", "c"} {
		Register(n, func() (Device, error) { return &stubDevice{name: n}, nil })
	}
	got := Available()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Available() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Available()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateCommon, "Common"},
		{StateCopyDest, "CopyDest"},
		{StateUnorderedAccess, "UnorderedAccess"},
		{StatePresent, "Present"},
		{State(99), "Unknown(99)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestHeapFixedState(t *testing.T) {
	if s, ok := HeapUpload.FixedState(); !ok || s != StateGenericRead {
		t.Errorf("HeapUpload.FixedState() = %v, %v, want GenericRead, true", s, ok)
	}
	if s, ok := HeapReadback.FixedState(); !ok || s != StateCopyDest {
		t.Errorf("HeapReadback.FixedState() = %v, %v, want CopyDest, true", s, ok)
	}
	if _, ok := HeapDefault.FixedState(); ok {
		t.Error("HeapDefault.FixedState() ok = true, want false")
	}
}
