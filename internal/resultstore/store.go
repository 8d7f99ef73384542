// Package resultstore implements the shared result buffer between the
// tracking loop and the supervisor's visualization/status reader. It is a
// single-slot latest-value-wins store: the writer overwrites every cycle,
// the reader gets whatever is there. Readers receive copies published under
// a lock, so a result is never observed torn.
package resultstore

import (
	"sync"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Store holds the latest tracking result
type Store struct {
	mu      sync.RWMutex
	latest  types.Result
	hasData bool
	updates uint64
}

// New creates an empty store
func New() *Store {
	return &Store{}
}

// Publish overwrites the stored result. The points slice is copied so the
// writer may reuse its buffer.
func (s *Store) Publish(res types.Result) {
	res = res.ClonePoints()

	s.mu.Lock()
	s.latest = res
	s.hasData = true
	s.updates++
	s.mu.Unlock()
}

// Latest returns a copy of the most recent result. ok is false until the
// first Publish.
func (s *Store) Latest() (types.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasData {
		return types.Result{}, false
	}
	return s.latest.ClonePoints(), true
}

// Updates returns the number of publishes (repeat reads of the same update
// are visible to the reader by an unchanged count)
func (s *Store) Updates() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}
