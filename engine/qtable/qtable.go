// Package qtable implements the Q-Table (C4): a concurrent map from
// episode id to learned utility in [0,1], with per-id serialized writes.
package qtable

import (
	"sync"
	"time"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

// Table is a concurrent episode_id -> utility map.
type Table struct {
	mu      sync.RWMutex
	entries map[string]domain.QEntry
	prior   float64
}

// New creates an empty Table. prior is the default utility returned by Get
// for an id with no entry.
func New(prior float64) *Table {
	return &Table{entries: make(map[string]domain.QEntry), prior: prior}
}

// Get returns the utility for id, or the configured prior if absent.
func (t *Table) Get(id string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[id]; ok {
		return e.Utility
	}
	return t.prior
}

// Entry returns the full Q-entry for id, if present.
func (t *Table) Entry(id string) (domain.QEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// Set writes the utility for id, clamped to [0,1].
func (t *Table) Set(id string, utility float64, updatedAt time.Time) {
	utility = clamp01(utility)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = domain.QEntry{EpisodeID: id, Utility: utility, LastUpdated: updatedAt}
}

// Remove deletes the entry for id (called when its episode is destroyed).
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Has reports whether id has an entry.
func (t *Table) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// IDs returns every id with a Q-entry, in no particular order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// QLearningUpdate applies the engine's online Q-learning update rule:
// u_new = clamp(u_old + alpha*(reward - u_old), 0, 1).
func QLearningUpdate(uOld, reward, alpha float64) float64 {
	return clamp01(uOld + alpha*(reward-uOld))
}
