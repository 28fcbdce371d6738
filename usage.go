package gpusync

import "sync"

// usage tracks GPU work referencing an object: sessions that recorded or
// submitted it but have not been covered by a fence signal yet (open), and
// the highest fence value covering completed references (last).
//
//	recorded  -> acquire()  open++
//	discarded -> release()  open--
//	fenced    -> stamp(v)   open--, last = max(last, v)
//
// The object is busy while open > 0 or last has not been reached.
type usage struct {
	mu   sync.Mutex
	open int
	last uint64
}

func (u *usage) acquire() {
	u.mu.Lock()
	u.open++
	u.mu.Unlock()
}

func (u *usage) release() {
	u.mu.Lock()
	if u.open > 0 {
		u.open--
	}
	u.mu.Unlock()
}

func (u *usage) stamp(v uint64) {
	u.mu.Lock()
	if u.open > 0 {
		u.open--
	}
	u.last = max(u.last, v)
	u.mu.Unlock()
}

func (u *usage) busy(completed uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.open > 0 || u.last > completed
}

// covering returns the fence value that must be reached before the object
// is idle, and whether references are still waiting for a signal.
func (u *usage) covering() (uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last, u.open > 0
}
