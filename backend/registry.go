package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Backend names.
const (
	// NameWGPU is the gogpu/wgpu HAL backend.
	NameWGPU = "wgpu"
	// NameSim is the simulated asynchronous GPU.
	NameSim = "sim"
)

// Factory opens a new device.
type Factory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	// Real HAL devices are preferred over the simulator.
	backendPriority = []string{NameWGPU, NameSim}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get opens a device from the backend with the given name.
func Get(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	d, err := factory()
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return d, nil
}

// Default opens a device from the best available backend.
// Priority order: wgpu > sim, then any other registered backend.
func Default() (Device, error) {
	registryMu.RLock()
	order := make([]Factory, 0, len(backends))
	seen := make(map[string]bool, len(backends))
	for _, name := range backendPriority {
		if f, ok := backends[name]; ok {
			order = append(order, f)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(backends))
	for name := range backends {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		order = append(order, backends[name])
	}
	registryMu.RUnlock()

	var lastErr error
	for _, factory := range order {
		d, err := factory()
		if err == nil && d != nil {
			return d, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendNotAvailable, lastErr)
	}
	return nil, ErrBackendNotAvailable
}

// MustDefault returns the default device or panics.
func MustDefault() Device {
	d, err := Default()
	if err != nil {
		panic("backend: no backend available: " + err.Error())
	}
	return d
}
