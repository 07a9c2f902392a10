// Package store implements the Episode Store (C2): the authoritative,
// scope-sharded keeper of Episode records. The vector index and Q-table are
// derived from it and rebuilt from it on recovery if absent.
package store

import (
	"sort"
	"sync"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

// Store is a concurrent, scope-sharded in-memory episode store.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]domain.Episode
	scopeIDs map[string]map[string]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID:     make(map[string]domain.Episode),
		scopeIDs: make(map[string]map[string]struct{}),
	}
}

// Put overwrites the episode by id, preserving scope indexing.
func (s *Store) Put(e domain.Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(e)
}

func (s *Store) putLocked(e domain.Episode) {
	if old, ok := s.byID[e.ID]; ok && old.ScopeKey != e.ScopeKey {
		s.removeFromScopeLocked(old.ScopeKey, old.ID)
	}
	s.byID[e.ID] = e
	ids, ok := s.scopeIDs[e.ScopeKey]
	if !ok {
		ids = make(map[string]struct{})
		s.scopeIDs[e.ScopeKey] = ids
	}
	ids[e.ID] = struct{}{}
}

// Get returns the episode for id.
func (s *Store) Get(id string) (domain.Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// Delete removes a single episode by id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	s.removeFromScopeLocked(e.ScopeKey, id)
}

func (s *Store) removeFromScopeLocked(scopeKey, id string) {
	if ids, ok := s.scopeIDs[scopeKey]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.scopeIDs, scopeKey)
		}
	}
}

// ListByScope returns all episodes in scopeKey ordered by last_used_at
// descending.
func (s *Store) ListByScope(scopeKey string) []domain.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.scopeIDs[scopeKey]
	out := make([]domain.Episode, 0, len(ids))
	for id := range ids {
		out = append(out, s.byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out
}

// ClearScope atomically removes every episode in scopeKey. Callers are
// responsible for clearing the corresponding vector-index and Q-table
// entries under the same scope write-lock (engine/memory serializes this).
func (s *Store) ClearScope(scopeKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.scopeIDs[scopeKey]
	removed := make([]string, 0, len(ids))
	for id := range ids {
		delete(s.byID, id)
		removed = append(removed, id)
	}
	delete(s.scopeIDs, scopeKey)
	return removed
}

// All returns every stored episode across all scopes, in no particular
// order.
func (s *Store) All() []domain.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Episode, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out
}

// Scopes returns the set of scope keys with at least one episode.
func (s *Store) Scopes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.scopeIDs))
	for k := range s.scopeIDs {
		out = append(out, k)
	}
	return out
}

// Count returns the total number of stored episodes.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
