package resource

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Entry is the live-set record for one resource.
type Entry struct {
	ID      ID
	AddedAt time.Time
}

// LiveSet is the single-writer record of resources the receiver believes are
// live. All mutations for one ID are serialized by the set's lock.
type LiveSet struct {
	mu    sync.RWMutex
	clk   clock.Clock
	items map[ID]Entry
}

func NewLiveSet(clk clock.Clock) *LiveSet {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LiveSet{
		clk:   clk,
		items: make(map[ID]Entry),
	}
}

// Add marks id live. It returns false if id was already present.
func (s *LiveSet) Add(id ID) bool {
	if id.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		return false
	}
	s.items[id] = Entry{ID: id, AddedAt: s.clk.Now()}
	return true
}

// Remove drops id and returns the removed entry, or false if id was absent.
func (s *LiveSet) Remove(id ID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[id]
	if !ok {
		return Entry{}, false
	}
	delete(s.items, id)
	return entry, true
}

func (s *LiveSet) Contains(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok
}

func (s *LiveSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Snapshot returns live entries sorted by ID.
func (s *LiveSet) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.items))
	for _, entry := range s.items {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns the sorted live IDs.
func (s *LiveSet) IDs() []ID {
	entries := s.Snapshot()
	out := make([]ID, len(entries))
	for i, entry := range entries {
		out[i] = entry.ID
	}
	return out
}
