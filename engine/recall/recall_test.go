package recall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

type fakeEncoder struct {
	vec []float32
	src domain.EmbeddingSource
}

func (f *fakeEncoder) Encode(context.Context, string) ([]float32, domain.EmbeddingSource) {
	return f.vec, f.src
}

type fakeSearcher struct {
	hits []SearchHit
	err  error
}

func (f *fakeSearcher) Search(context.Context, string, []float32, int) ([]SearchHit, error) {
	return f.hits, f.err
}

type fakeUtility struct{ u map[string]float64 }

func (f *fakeUtility) Get(id string) float64 { return f.u[id] }

type fakeEpisodes struct{ eps map[string]domain.Episode }

func (f *fakeEpisodes) Get(id string) (domain.Episode, bool) {
	e, ok := f.eps[id]
	return e, ok
}

type fakeSink struct{ events []string }

func (f *fakeSink) Emit(kind string, _ map[string]any) { f.events = append(f.events, kind) }

func basePlan() domain.RecallPlan {
	return domain.RecallPlan{K1: 5, K2: 3, Lambda: 0.5, MinScore: 0.2, ContextBudgetBytes: 0}
}

func TestRecall_EmptyIndexEmitsSkipped(t *testing.T) {
	sink := &fakeSink{}
	svc := New(&fakeEncoder{vec: []float32{1, 0}, src: domain.EmbeddingFresh},
		&fakeSearcher{hits: nil}, &fakeUtility{u: map[string]float64{}}, &fakeEpisodes{eps: map[string]domain.Episode{}}, sink)

	results, snap, err := svc.Recall(context.Background(), "s1", "fix timeout", basePlan(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	if snap.ScopeKey != "s1" {
		t.Errorf("wrong scope in snapshot")
	}
	if len(sink.events) != 2 || sink.events[1] != "recall_skipped" {
		t.Fatalf("expected planned+skipped events, got %v", sink.events)
	}
}

func TestRecall_SearchErrorPropagates(t *testing.T) {
	sink := &fakeSink{}
	svc := New(&fakeEncoder{vec: []float32{1, 0}, src: domain.EmbeddingFresh},
		&fakeSearcher{err: errors.New("boom")}, &fakeUtility{}, &fakeEpisodes{eps: map[string]domain.Episode{}}, sink)

	_, _, err := svc.Recall(context.Background(), "s1", "q", basePlan(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRecall_RanksByFusedScoreAndTouchesLastUsed(t *testing.T) {
	now := time.Now()
	eps := map[string]domain.Episode{
		"debug":    {ID: "debug", Experience: "restart the timeout daemon", LastUsedAt: now.Add(-time.Hour)},
		"optimize": {ID: "optimize", Experience: "tune the cache size", LastUsedAt: now.Add(-time.Hour)},
	}
	searcher := &fakeSearcher{hits: []SearchHit{
		{ID: "debug", Score: 0.9},
		{ID: "optimize", Score: 0.4},
	}}
	utility := &fakeUtility{u: map[string]float64{"debug": 1.0, "optimize": 0.3}}

	sink := &fakeSink{}
	svc := New(&fakeEncoder{vec: []float32{1, 0}, src: domain.EmbeddingFresh}, searcher, utility, &fakeEpisodes{eps: eps}, sink)

	touched := map[string]time.Time{}
	results, _, err := svc.Recall(context.Background(), "s1", "fix timeout error", basePlan(), func(id string, at time.Time) {
		touched[id] = at
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].EpisodeID != "debug" {
		t.Fatalf("expected debug ranked first, got %s", results[0].EpisodeID)
	}
	if results[0].Score < 0.7 {
		t.Fatalf("expected fused score >= 0.7, got %v", results[0].Score)
	}
	if results[0].Utility != 1.0 {
		t.Fatalf("expected reported utility to come from the q-table (1.0), got %v", results[0].Utility)
	}
	if _, ok := touched["debug"]; !ok {
		t.Fatal("expected debug's last_used_at to be touched")
	}
}

func TestRecall_ReportsDecayedUtilityNotStaleEpisodeField(t *testing.T) {
	eps := map[string]domain.Episode{
		"a": {ID: "a", Experience: "x", Utility: 0.9},
	}
	searcher := &fakeSearcher{hits: []SearchHit{{ID: "a", Score: 0.5}}}
	utility := &fakeUtility{u: map[string]float64{"a": 0.2}}
	sink := &fakeSink{}

	svc := New(&fakeEncoder{vec: []float32{1}, src: domain.EmbeddingFresh}, searcher, utility, &fakeEpisodes{eps: eps}, sink)

	results, _, err := svc.Recall(context.Background(), "s1", "q", basePlan(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Utility != 0.2 {
		t.Fatalf("expected decayed q-table utility 0.2, got stale episode utility %v", results[0].Utility)
	}
}

func TestRecall_DropsBelowMinScore(t *testing.T) {
	eps := map[string]domain.Episode{
		"a": {ID: "a", Experience: "x"},
	}
	searcher := &fakeSearcher{hits: []SearchHit{{ID: "a", Score: 0.05}}}
	utility := &fakeUtility{u: map[string]float64{"a": 0.05}}
	sink := &fakeSink{}

	svc := New(&fakeEncoder{vec: []float32{1}, src: domain.EmbeddingFresh}, searcher, utility, &fakeEpisodes{eps: eps}, sink)
	plan := basePlan()
	plan.MinScore = 0.5

	results, _, err := svc.Recall(context.Background(), "s1", "q", plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected all candidates dropped, got %d", len(results))
	}
}

func TestRecall_PacksWithinContextBudget(t *testing.T) {
	eps := map[string]domain.Episode{
		"a": {ID: "a", Experience: "0123456789"},
		"b": {ID: "b", Experience: "0123456789"},
	}
	searcher := &fakeSearcher{hits: []SearchHit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}}}
	utility := &fakeUtility{u: map[string]float64{"a": 0.9, "b": 0.8}}
	sink := &fakeSink{}

	svc := New(&fakeEncoder{vec: []float32{1}, src: domain.EmbeddingFresh}, searcher, utility, &fakeEpisodes{eps: eps}, sink)
	plan := basePlan()
	plan.ContextBudgetBytes = 10

	results, snap, err := svc.Recall(context.Background(), "s1", "q", plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 result to fit budget, got %d", len(results))
	}
	if snap.ContextCharsInjected != 10 {
		t.Fatalf("expected 10 bytes injected, got %d", snap.ContextCharsInjected)
	}
}

func TestRecall_MissingEpisodeSkippedFromCandidates(t *testing.T) {
	eps := map[string]domain.Episode{}
	searcher := &fakeSearcher{hits: []SearchHit{{ID: "ghost", Score: 0.9}}}
	sink := &fakeSink{}

	svc := New(&fakeEncoder{vec: []float32{1}, src: domain.EmbeddingFresh}, searcher, &fakeUtility{}, &fakeEpisodes{eps: eps}, sink)
	results, _, err := svc.Recall(context.Background(), "s1", "q", basePlan(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for unresolvable candidate, got %d", len(results))
	}
}
