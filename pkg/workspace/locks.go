package workspace

import "sync"

// LockRegistry hands out one mutex per PID. Entries are created on first use
// and never removed; the key space is bounded by the number of projects.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *LockRegistry) get(pid string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[pid]
	if !ok {
		l = &sync.Mutex{}
		r.locks[pid] = l
	}
	return l
}

// Lock acquires the PID's mutex and returns its release function.
func (r *LockRegistry) Lock(pid string) func() {
	l := r.get(pid)
	l.Lock()
	return l.Unlock
}

// Len reports how many PIDs have a mutex.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
