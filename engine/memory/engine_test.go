package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/synapseai/synapse-mvp/engine/domain"
	"github.com/synapseai/synapse-mvp/engine/feedback"
	"github.com/synapseai/synapse-mvp/engine/persistence"
	"github.com/synapseai/synapse-mvp/engine/recall"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Encode(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) + 1
	}
	return vec, nil
}
func (f *fakeEmbedder) ModelID() string { return "fake-model" }
func (f *fakeEmbedder) BaseURL() string { return "local" }

type fakeVectorIndex struct {
	mu      sync.Mutex
	vectors map[string][]float32
	scopes  map[string]string
	cleared []string
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{vectors: map[string][]float32{}, scopes: map[string]string{}}
}

func (f *fakeVectorIndex) Insert(_ context.Context, id, scopeKey string, embedding []float32, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[id] = embedding
	f.scopes[id] = scopeKey
	return nil
}

func (f *fakeVectorIndex) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, id)
	delete(f.scopes, id)
	return nil
}

func (f *fakeVectorIndex) ClearScope(_ context.Context, scopeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, scopeKey)
	for id, s := range f.scopes {
		if s == scopeKey {
			delete(f.vectors, id)
			delete(f.scopes, id)
		}
	}
	return nil
}

func (f *fakeVectorIndex) Search(_ context.Context, scopeKey string, _ []float32, k1 int) ([]recall.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []recall.SearchHit
	for id, s := range f.scopes {
		if s != scopeKey {
			continue
		}
		hits = append(hits, recall.SearchHit{ID: id, Score: 0.9, LastUsedAt: time.Now()})
		if len(hits) >= k1 {
			break
		}
	}
	return hits, nil
}

type fakeWindow struct{ snap domain.WindowSnapshot }

func (f *fakeWindow) Window(string) domain.WindowSnapshot { return f.snap }

type fakeEngineSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEngineSink) Emit(kind string, _ map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, kind)
	f.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *fakeVectorIndex, *fakeEngineSink) {
	t.Helper()
	vectors := newFakeVectorIndex()
	sink := &fakeEngineSink{}
	kv, err := persistence.NewLocalKV("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr := persistence.New(kv, persistence.Options{EnginePrefix: "test"}, sink)
	window := &fakeWindow{snap: domain.WindowSnapshot{WindowPressure: 0.2, ContextBudgetToken: 4096}}

	opts := DefaultOptions()
	opts.Dim = 8
	eng := New(&fakeEmbedder{dim: 8}, vectors, mgr, sink, window, opts)
	return eng, vectors, sink
}

func TestEngine_StoreTurnThenRecall(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	ep, err := eng.StoreTurn(ctx, "scope-a", "evt-1", "debug timeout", "increased read deadline", domain.OutcomeSuccess, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Utility != 1.0 {
		t.Fatalf("expected utility 1.0 from reward prior, got %f", ep.Utility)
	}

	outcome, err := eng.PlanAndRecall(ctx, "scope-a", "fix timeout error")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Results) != 1 {
		t.Fatalf("expected 1 recall result, got %d", len(outcome.Results))
	}
	if outcome.Results[0].EpisodeID != ep.ID {
		t.Fatalf("expected recalled episode %s, got %s", ep.ID, outcome.Results[0].EpisodeID)
	}
}

func TestEngine_ScopeIsolation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	epA, err := eng.StoreTurn(ctx, "scope-a", "evt-a", "debug timeout", "exp a", domain.OutcomeSuccess, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = eng.StoreTurn(ctx, "scope-b", "evt-b", "debug timeout", "exp b", domain.OutcomeSuccess, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome, err := eng.PlanAndRecall(ctx, "scope-a", "debug timeout")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range outcome.Results {
		if r.EpisodeID != epA.ID {
			t.Fatalf("scope-a recall leaked an episode from another scope: %s", r.EpisodeID)
		}
	}
}

func TestEngine_ApplyFeedbackExplicitMarkerPrecedence(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	reward, signal := eng.ApplyFeedback("scope-a", feedback.Turn{
		AssistantText: "sorry, failed. /feedback up",
		ToolError:     false,
	})
	if signal != domain.SignalPositive {
		t.Fatalf("expected explicit marker to win, got %s", signal)
	}
	if reward != 1.0 {
		t.Fatalf("expected reward 1.0, got %f", reward)
	}
}

func TestEngine_ResetScopeClearsEverything(t *testing.T) {
	eng, vectors, _ := newTestEngine(t)
	ctx := context.Background()

	ep, err := eng.StoreTurn(ctx, "scope-a", "evt-1", "debug timeout", "exp", domain.OutcomeSuccess, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := eng.ResetScope(ctx, "scope-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := eng.store.Get(ep.ID); ok {
		t.Fatal("expected episode removed from store after reset")
	}
	if eng.qtable.Has(ep.ID) {
		t.Fatal("expected q-entry removed after reset")
	}
	if len(vectors.cleared) != 1 || vectors.cleared[0] != "scope-a" {
		t.Fatalf("expected vector index cleared for scope-a, got %v", vectors.cleared)
	}
}

func TestEngine_SnapshotDashboardReflectsBias(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.ApplyFeedback("scope-a", feedback.Turn{AssistantText: "thanks, that worked perfectly"})

	snap := eng.SnapshotDashboard("scope-a")
	if snap.FeedbackBias <= 0 {
		t.Fatalf("expected positive feedback bias to surface on dashboard, got %f", snap.FeedbackBias)
	}
}

func TestEngine_QUpdateConvergence(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	eng.opts.Alpha = 0.2

	ep, err := eng.StoreTurn(ctx, "scope-a", "evt-0", "intent", "exp", domain.OutcomeSuccess, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var u float64
	for i := 0; i < 10; i++ {
		u, err = eng.UpdateUtility(ctx, "scope-a", ep.ID, "", 1.0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	want := 1 - 0.5*pow(0.8, 10) // prior 0.5, |u-1| shrinks by 0.8 per update
	if diff := u - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("expected u≈%f, got %f", want, u)
	}
}

func pow(base float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= base
	}
	return out
}
