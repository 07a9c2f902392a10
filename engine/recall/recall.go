// Package recall implements Two-Phase Recall (C5): encode the query,
// fetch semantic candidates from the vector index, rerank them against
// the Q-table's learned utility, drop anything under the plan's
// min_score, and pack the survivors into a context budget without
// splitting any episode payload.
package recall

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/synapseai/synapse-mvp/engine/domain"
	"github.com/synapseai/synapse-mvp/pkg/fn"
)

// SemanticSearcher abstracts the vector index's scoped k-NN search.
type SemanticSearcher interface {
	Search(ctx context.Context, scopeKey string, queryVec []float32, k1 int) ([]SearchHit, error)
}

// SearchHit mirrors engine/semantic.SearchResult without importing that
// package directly, keeping recall decoupled from the Qdrant wire shape.
type SearchHit struct {
	ID         string
	Score      float32
	LastUsedAt time.Time
}

// UtilitySource abstracts the Q-table's per-id utility lookup.
type UtilitySource interface {
	Get(id string) float64
}

// EpisodeSource resolves full episode records by id, used to build the
// packed results once candidates survive reranking.
type EpisodeSource interface {
	Get(id string) (domain.Episode, bool)
}

// Encoder produces a query embedding and reports which embedding path
// produced it (fresh, repaired, or hash fallback).
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, domain.EmbeddingSource)
}

// EventSink receives structured recall events for the stream producer.
type EventSink interface {
	Emit(kind string, fields map[string]any)
}

// Service runs the two-phase recall pipeline for one scope at a time.
type Service struct {
	encoder  Encoder
	search   SemanticSearcher
	utility  UtilitySource
	episodes EpisodeSource
	events   EventSink
}

// New builds a recall Service from its four capability dependencies.
func New(encoder Encoder, search SemanticSearcher, utility UtilitySource, episodes EpisodeSource, events EventSink) *Service {
	return &Service{encoder: encoder, search: search, utility: utility, episodes: episodes, events: events}
}

// touchEpisode is called on every returned episode to stamp last_used_at;
// the engine wires this to the episode store's Put.
type touchEpisode = func(id string, at time.Time)

// Result is one packed recall candidate, ready for injection into a
// prompt or tool context.
type Result struct {
	EpisodeID  string
	Sim        float64
	Utility    float64
	Score      float64
	Experience string
	Bytes      int
}

// Recall runs the full pipeline: encode, semantic search, utility rerank,
// min_score/top-k filter, context-budget packing, and touch-update of
// last_used_at on every survivor.
func (s *Service) Recall(ctx context.Context, scopeKey, queryText string, plan domain.RecallPlan, touch touchEpisode) ([]Result, domain.RecallSnapshot, error) {
	start := time.Now()

	var embSource domain.EmbeddingSource

	encodeStage := fn.Stage[string, encoded](func(ctx context.Context, text string) fn.Result[encoded] {
		vec, src := s.encoder.Encode(ctx, text)
		return fn.Ok(encoded{vec: vec, source: src})
	})

	searchStage := fn.Stage[encoded, []SearchHit](func(ctx context.Context, e encoded) fn.Result[[]SearchHit] {
		embSource = e.source
		hits, err := s.search.Search(ctx, scopeKey, e.vec, plan.K1)
		if err != nil {
			return fn.Err[[]SearchHit](fmt.Errorf("recall: search: %w", err))
		}
		return fn.Ok(hits)
	})

	pipeline := fn.Then(encodeStage, searchStage)

	hits, err := pipeline(ctx, queryText).Unwrap()
	if err != nil {
		snap := s.emptySnapshot(scopeKey, plan, embSource, start)
		s.emit("recall_skipped", scopeKey, map[string]any{"reason": err.Error()})
		return nil, snap, err
	}

	if len(hits) == 0 {
		snap := s.emptySnapshot(scopeKey, plan, embSource, start)
		s.emitPlanned(scopeKey, plan, embSource)
		s.emit("recall_skipped", scopeKey, map[string]any{"reason": "empty_index"})
		return nil, snap, nil
	}

	scored := fn.ParMap(hits, 0, func(h SearchHit) candidateOrMiss {
		ep, ok := s.episodes.Get(h.ID)
		if !ok {
			return candidateOrMiss{}
		}
		u := s.utility.Get(h.ID)
		sim := float64(h.Score)
		score := (1-plan.Lambda)*sim + plan.Lambda*u
		return candidateOrMiss{
			found:     true,
			candidate: domain.RecallCandidate{Episode: ep, Sim: sim, Utility: u, Score: score},
		}
	})

	candidates := make([]domain.RecallCandidate, 0, len(hits))
	for _, r := range scored {
		if r.found {
			candidates = append(candidates, r.candidate)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if !candidates[i].Episode.LastUsedAt.Equal(candidates[j].Episode.LastUsedAt) {
			return candidates[i].Episode.LastUsedAt.After(candidates[j].Episode.LastUsedAt)
		}
		return candidates[i].Episode.ID < candidates[j].Episode.ID
	})

	survivors := make([]domain.RecallCandidate, 0, plan.K2)
	for _, c := range candidates {
		if c.Score < plan.MinScore {
			continue
		}
		survivors = append(survivors, c)
		if len(survivors) >= plan.K2 {
			break
		}
	}

	packed, injectedBytes := pack(survivors, plan.ContextBudgetBytes)

	now := time.Now()
	for _, p := range packed {
		if touch != nil {
			touch(p.EpisodeID, now)
		}
	}

	snap := domain.RecallSnapshot{
		ScopeKey:             scopeKey,
		K1:                   plan.K1,
		K2:                   plan.K2,
		Lambda:               plan.Lambda,
		MinScore:             plan.MinScore,
		QueryTokens:          len(queryText),
		EmbeddingSource:      embSource,
		PipelineDurationMs:   time.Since(start).Milliseconds(),
		ContextCharsInjected: injectedBytes,
		UpdatedAt:            now,
	}

	s.emitPlanned(scopeKey, plan, embSource)
	if len(packed) > 0 {
		s.emit("recall_injected", scopeKey, map[string]any{"count": len(packed)})
	} else {
		s.emit("recall_skipped", scopeKey, map[string]any{"reason": "no_survivors"})
	}

	return packed, snap, nil
}

type encoded struct {
	vec    []float32
	source domain.EmbeddingSource
}

// candidateOrMiss is ParMap's per-hit result for the fused-score rerank
// stage: a hit whose episode no longer exists in the store (found=false)
// is dropped after the parallel pass instead of being skipped inline, so
// ParMap's output stays index-aligned with hits.
type candidateOrMiss struct {
	found     bool
	candidate domain.RecallCandidate
}

// pack truncates the candidate tail to fit budgetBytes, never splitting an
// episode's experience payload mid-record.
func pack(candidates []domain.RecallCandidate, budgetBytes int) ([]Result, int) {
	if budgetBytes <= 0 {
		out := make([]Result, len(candidates))
		total := 0
		for i, c := range candidates {
			out[i] = toResult(c)
			total += out[i].Bytes
		}
		return out, total
	}

	out := make([]Result, 0, len(candidates))
	total := 0
	for _, c := range candidates {
		res := toResult(c)
		if total+res.Bytes > budgetBytes {
			break
		}
		out = append(out, res)
		total += res.Bytes
	}
	return out, total
}

func toResult(c domain.RecallCandidate) Result {
	return Result{
		EpisodeID:  c.Episode.ID,
		Sim:        c.Sim,
		Utility:    c.Utility,
		Score:      c.Score,
		Experience: c.Episode.Experience,
		Bytes:      len(c.Episode.Experience),
	}
}

func (s *Service) emptySnapshot(scopeKey string, plan domain.RecallPlan, embSource domain.EmbeddingSource, start time.Time) domain.RecallSnapshot {
	return domain.RecallSnapshot{
		ScopeKey:           scopeKey,
		K1:                 plan.K1,
		K2:                 plan.K2,
		Lambda:             plan.Lambda,
		MinScore:           plan.MinScore,
		EmbeddingSource:    embSource,
		PipelineDurationMs: time.Since(start).Milliseconds(),
		UpdatedAt:          time.Now(),
	}
}

func (s *Service) emitPlanned(scopeKey string, plan domain.RecallPlan, embSource domain.EmbeddingSource) {
	s.emit("recall_planned", scopeKey, map[string]any{
		"k1": plan.K1, "k2": plan.K2, "lambda": plan.Lambda, "min_score": plan.MinScore,
		"embedding_source": string(embSource),
	})
}

func (s *Service) emit(kind, scopeKey string, fields map[string]any) {
	if s.events == nil {
		return
	}
	fields["scope_key"] = scopeKey
	s.events.Emit(kind, fields)
}
