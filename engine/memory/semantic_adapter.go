package memory

import (
	"context"
	"time"

	"github.com/synapseai/synapse-mvp/engine/recall"
	"github.com/synapseai/synapse-mvp/engine/semantic"
)

// semanticStore is the subset of *semantic.VectorStore this adapter
// depends on, narrow enough to substitute a fake in tests.
type semanticStore interface {
	Insert(ctx context.Context, rec semantic.VectorRecord) error
	Remove(ctx context.Context, id string) error
	ClearScope(ctx context.Context, scopeKey string) error
	Search(ctx context.Context, scopeKey string, queryVec []float32, k1 int) ([]semantic.SearchResult, error)
}

// SemanticVectorIndex adapts *semantic.VectorStore's Qdrant-shaped API to
// the VectorIndex surface the engine depends on, translating between
// semantic.VectorRecord/SearchResult and the engine's own
// id/scopeKey/embedding tuple and recall.SearchHit.
type SemanticVectorIndex struct {
	store semanticStore
}

// NewSemanticVectorIndex wraps a *semantic.VectorStore (or any type with
// the same method set) as a memory.VectorIndex.
func NewSemanticVectorIndex(store semanticStore) *SemanticVectorIndex {
	return &SemanticVectorIndex{store: store}
}

func (a *SemanticVectorIndex) Insert(ctx context.Context, id, scopeKey string, embedding []float32, lastUsedAt time.Time) error {
	return a.store.Insert(ctx, semantic.VectorRecord{
		ID: id, ScopeKey: scopeKey, Embedding: embedding, LastUsedAt: lastUsedAt,
	})
}

func (a *SemanticVectorIndex) Remove(ctx context.Context, id string) error {
	return a.store.Remove(ctx, id)
}

func (a *SemanticVectorIndex) ClearScope(ctx context.Context, scopeKey string) error {
	return a.store.ClearScope(ctx, scopeKey)
}

func (a *SemanticVectorIndex) Search(ctx context.Context, scopeKey string, queryVec []float32, k1 int) ([]recall.SearchHit, error) {
	results, err := a.store.Search(ctx, scopeKey, queryVec, k1)
	if err != nil {
		return nil, err
	}
	hits := make([]recall.SearchHit, len(results))
	for i, r := range results {
		hits[i] = recall.SearchHit{ID: r.ID, Score: r.Score, LastUsedAt: r.LastUsedAt}
	}
	return hits, nil
}
