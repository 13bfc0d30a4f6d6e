// Package health keeps a bounded, in-memory record of resources reported
// lost by the coordinator.
package health

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fencectl/internal/resource"
)

const DefaultHistory = 256

// Record is one observed resource loss.
type Record struct {
	ResourceID resource.ID
	Message    string
	ObservedAt time.Time
}

// Tracker implements resource.HealthListener.
type Tracker struct {
	clock clock.Clock
	limit int

	mu      sync.RWMutex
	history []Record
	lost    map[resource.ID]Record
	total   uint64
}

var (
	_ resource.HealthListener       = (*Tracker)(nil)
	_ resource.RegistrationListener = (*Tracker)(nil)
)

// NewTracker keeps at most limit records in history; limit <= 0 uses
// DefaultHistory. A nil clk means wall clock.
func NewTracker(clk clock.Clock, limit int) *Tracker {
	if clk == nil {
		clk = clock.WallClock
	}
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Tracker{
		clock: clk,
		limit: limit,
		lost:  make(map[resource.ID]Record),
	}
}

func (t *Tracker) ResourceRemoved(id resource.ID, message string) {
	rec := Record{ResourceID: id, Message: message, ObservedAt: t.clock.Now()}
	t.mu.Lock()
	t.total++
	t.lost[id] = rec
	t.history = append(t.history, rec)
	if over := len(t.history) - t.limit; over > 0 {
		t.history = append([]Record(nil), t.history[over:]...)
	}
	t.mu.Unlock()
	log.Info().Str("resource_id", id.String()).Str("message", message).Msg("health.Tracker resource lost")
}

// Lost reports the latest record for id.
func (t *Tracker) Lost(id resource.ID) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.lost[id]
	return rec, ok
}

// ResourceRegistered clears id from the lost index once it is live again.
func (t *Tracker) ResourceRegistered(id resource.ID) {
	t.Forget(id)
}

// Forget drops id from the lost index. History is untouched.
func (t *Tracker) Forget(id resource.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lost, id)
}

// Recent returns up to limit records, newest first.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.history[i])
	}
	return out
}

// Total counts every report since construction, including evicted ones.
func (t *Tracker) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}
