//go:build integration

package semantic

import (
	"context"
	"os"
	"testing"
	"time"
)

func qdrantAddr() string {
	if v := os.Getenv("QDRANT_URL"); v != "" {
		return v
	}
	return "localhost:6334"
}

func testStore(t *testing.T, collection string) *VectorStore {
	t.Helper()
	vs, err := New(qdrantAddr(), collection)
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	t.Cleanup(func() {
		vs.DeleteCollection(context.Background())
		vs.Close()
	})
	return vs
}

func TestQdrant_EnsureCollection(t *testing.T) {
	vs := testStore(t, "test_ensure")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection (idempotent): %v", err)
	}
}

func TestQdrant_InsertAndSearch(t *testing.T) {
	vs := testStore(t, "test_insert_search")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	now := time.Now()
	records := []VectorRecord{
		{ID: "a1111111-1111-1111-1111-111111111111", ScopeKey: "scope-a", Embedding: []float32{1, 0, 0, 0}, LastUsedAt: now},
		{ID: "b2222222-2222-2222-2222-222222222222", ScopeKey: "scope-a", Embedding: []float32{0, 1, 0, 0}, LastUsedAt: now},
		{ID: "c3333333-3333-3333-3333-333333333333", ScopeKey: "scope-a", Embedding: []float32{0.9, 0.1, 0, 0}, LastUsedAt: now},
	}
	for _, r := range records {
		if err := vs.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	results, err := vs.Search(ctx, "scope-a", []float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "a1111111-1111-1111-1111-111111111111" {
		t.Fatalf("expected closest match first, got %q", results[0].ID)
	}
}

func TestQdrant_SearchScopedByScopeKey(t *testing.T) {
	vs := testStore(t, "test_scoped")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	now := time.Now()
	records := []VectorRecord{
		{ID: "f1111111-1111-1111-1111-111111111111", ScopeKey: "scope-a", Embedding: []float32{1, 0, 0, 0}, LastUsedAt: now},
		{ID: "f2222222-2222-2222-2222-222222222222", ScopeKey: "scope-a", Embedding: []float32{0.9, 0.1, 0, 0}, LastUsedAt: now},
		{ID: "f3333333-3333-3333-3333-333333333333", ScopeKey: "scope-b", Embedding: []float32{0.8, 0.2, 0, 0}, LastUsedAt: now},
	}
	for _, r := range records {
		if err := vs.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	results, err := vs.Search(ctx, "scope-a", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("search scope-a: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 scope-a results, got %d", len(results))
	}

	results, err = vs.Search(ctx, "scope-b", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("search scope-b: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 scope-b result, got %d", len(results))
	}
}

func TestQdrant_RemoveAndClearScope(t *testing.T) {
	vs := testStore(t, "test_remove")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	now := time.Now()
	records := []VectorRecord{
		{ID: "d1111111-1111-1111-1111-111111111111", ScopeKey: "scope-a", Embedding: []float32{1, 0, 0, 0}, LastUsedAt: now},
		{ID: "d2222222-2222-2222-2222-222222222222", ScopeKey: "scope-a", Embedding: []float32{0, 1, 0, 0}, LastUsedAt: now},
	}
	for _, r := range records {
		if err := vs.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	if err := vs.Remove(ctx, records[0].ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	results, err := vs.Search(ctx, "scope-a", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.ID == records[0].ID {
			t.Fatal("removed point still found")
		}
	}

	if err := vs.ClearScope(ctx, "scope-a"); err != nil {
		t.Fatalf("clear scope: %v", err)
	}
	results, err = vs.Search(ctx, "scope-a", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("search after clear: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results after clear, got %d", len(results))
	}
}

func TestQdrant_DeleteCollection(t *testing.T) {
	addr := qdrantAddr()
	vs, err := New(addr, "test_delete_coll")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer vs.Close()

	ctx := context.Background()
	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := vs.DeleteCollection(ctx); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
}
