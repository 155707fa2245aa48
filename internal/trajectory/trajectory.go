package trajectory

import (
	"sort"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/pkg/geometry"
)

// Endpoints are the two most recent samples of one trajectory.
type Endpoints struct {
	Previous geometry.Position
	Last     geometry.Position
}

// Store maps each tracked aircraft to its position history. All methods are
// safe for concurrent use; every read returns a copy taken under the lock.
type Store struct {
	mu     sync.Mutex
	tracks map[model.AircraftID][]geometry.Position
	owners map[model.AircraftID]string
}

func NewStore() *Store {
	return &Store{
		tracks: make(map[model.AircraftID][]geometry.Position),
		owners: make(map[model.AircraftID]string),
	}
}

// Track starts an empty trajectory for id if none exists and records owner
// as the session now reporting it. A later Track hands the trajectory to the
// new owner.
func (s *Store) Track(id model.AircraftID, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[id]; !ok {
		s.tracks[id] = nil
	}
	s.owners[id] = owner
}

// Append adds positions to id's trajectory in order, creating it if needed.
func (s *Store) Append(id model.AircraftID, positions ...geometry.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[id] = append(s.tracks[id], positions...)
}

// RemoveIf drops id's trajectory when owner still owns it, or when no
// session ever claimed it. It reports whether anything was removed.
func (s *Store) RemoveIf(id model.AircraftID, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[id]; !ok {
		return false
	}
	if cur := s.owners[id]; cur != "" && cur != owner {
		return false
	}
	delete(s.tracks, id)
	delete(s.owners, id)
	return true
}

// Trajectory returns a copy of id's history.
func (s *Store) Trajectory(id model.AircraftID) ([]geometry.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[id]
	if !ok {
		return nil, false
	}
	return append([]geometry.Position(nil), t...), true
}

// Snapshot returns a deep copy of every trajectory.
func (s *Store) Snapshot() map[model.AircraftID][]geometry.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepcopy.Copy(s.tracks).(map[model.AircraftID][]geometry.Position)
}

// Endpoints returns the last two samples of every trajectory that has at
// least two.
func (s *Store) Endpoints() map[model.AircraftID]Endpoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.AircraftID]Endpoints, len(s.tracks))
	for id, t := range s.tracks {
		if n := len(t); n >= 2 {
			out[id] = Endpoints{Previous: t[n-2], Last: t[n-1]}
		}
	}
	return out
}

// IDs returns the tracked aircraft in ascending order.
func (s *Store) IDs() []model.AircraftID {
	s.mu.Lock()
	ids := make([]model.AircraftID, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}
