package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
)

// Store is the in-memory state store for the daemon.
// It is thread-safe and supports pub/sub for real-time updates.
type Store struct {
	mu          sync.RWMutex
	state       *State
	subscribers map[chan Update]struct{}
}

// New creates a new Store instance.
func New() *Store {
	return &Store{
		state: &State{
			Runfiles: make(map[string]*RunfileStatus),
		},
		subscribers: make(map[chan Update]struct{}),
	}
}

// Get returns a copy of the current state. Statuses are shared and must be
// treated as read-only.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runfiles := make(map[string]*RunfileStatus, len(s.state.Runfiles))
	for k, v := range s.state.Runfiles {
		runfiles[k] = v
	}
	return State{Runfiles: runfiles, Fleet: s.state.Fleet}
}

// Runfile returns the status of the runfile at path.
func (s *Store) Runfile(path string) (*RunfileStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.state.Runfiles[path]
	return rs, ok
}

// GetRunfiles returns the statuses of pid's runfiles, or of every project
// when pid is empty, ordered by path.
func (s *Store) GetRunfiles(pid string) []*RunfileStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*RunfileStatus, 0, len(s.state.Runfiles))
	for _, rs := range s.state.Runfiles {
		if pid == "" || rs.PID == pid {
			result = append(result, rs)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

// GetFleet returns the last fleet summary, if any.
func (s *Store) GetFleet() *fleet.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Fleet
}

// ApplyUpdate modifies the state and notifies subscribers.
func (s *Store) ApplyUpdate(u Update) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Time.IsZero() {
		u.Time = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch u.Type {
	case UpdateRunfiles:
		if runfiles, ok := u.Payload.(map[string]*RunfileStatus); ok {
			s.state.Runfiles = runfiles
		}
	case UpdateRunfile:
		if rs, ok := u.Payload.(*RunfileStatus); ok {
			s.state.Runfiles[rs.Path] = rs
		}
	case UpdateFleet:
		if summary, ok := u.Payload.(*fleet.Summary); ok {
			s.state.Fleet = summary
		}
	}

	s.broadcast(u)
}

// Publish sends an update to subscribers without touching the state.
func (s *Store) Publish(u Update) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Time.IsZero() {
		u.Time = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.broadcast(u)
}

func (s *Store) broadcast(u Update) {
	for ch := range s.subscribers {
		select {
		case ch <- u:
		default:
			// Non-blocking send to prevent slow clients from stalling the daemon
		}
	}
}

// Subscribe creates a new subscription channel for state updates.
func (s *Store) Subscribe() chan Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Update, 100) // Buffered
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(ch chan Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; !ok {
		return
	}
	delete(s.subscribers, ch)
	close(ch)
}

// BroadcastRegistryReload tells subscribers that the project registry changed.
func (s *Store) BroadcastRegistryReload(source string) {
	s.Publish(Update{Type: UpdateRegistryReload, Source: source})
}
