// Package decay implements the Decay/Consolidator (C7): a lazy
// exponential-decay sweep over a scope's utilities, and a consolidation
// producer that drains the oldest turns in a scope into one summary
// episode, optionally asynchronously.
package decay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

// DefaultTau is the default decay time constant: one day.
const DefaultTau = 24 * time.Hour

// EpisodeSource resolves a scope's episodes, ordered by last_used_at
// descending (the same order the episode store already returns).
type EpisodeSource interface {
	ListByScope(scopeKey string) []domain.Episode
	Delete(id string)
}

// EpisodeWriter writes an updated or newly consolidated episode back
// into the episode store.
type EpisodeWriter interface {
	Put(e domain.Episode)
}

// UtilityTable is the narrow Q-table surface the decay sweep and
// consolidation drain touch.
type UtilityTable interface {
	Get(id string) float64
	Set(id string, utility float64, at time.Time)
	Remove(id string)
}

// VectorRemover is the narrow vector-index surface consolidation uses to
// drop a drained episode's point once it has been folded into a summary.
type VectorRemover interface {
	Remove(ctx context.Context, id string) error
}

// Encoder re-embeds the summary text produced for a consolidated
// episode, so the summary episode carries a fresh, searchable vector
// rather than an average of its source embeddings.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, domain.EmbeddingSource)
}

// DurableWriter persists a consolidated episode to the configured
// persistence backend.
type DurableWriter interface {
	SaveEpisode(ctx context.Context, e domain.Episode) error
}

// EventSink receives structured decay/consolidation events for the
// stream producer.
type EventSink interface {
	Emit(kind string, fields map[string]any)
}

// Summarizer produces the compact textual summary for a batch of drained
// turns. The engine never generates this text itself — it is supplied by
// the external reasoner and only persisted here.
type Summarizer func(ctx context.Context, turns []domain.Episode) (string, error)

// Service applies time decay and drives consolidation.
type Service struct {
	episodes EpisodeSource
	writer   EpisodeWriter
	qtable   UtilityTable
	vectors  VectorRemover
	encoder  Encoder
	persist  DurableWriter
	events   EventSink
	tau      time.Duration
	async    bool
}

// Options configures a decay Service.
type Options struct {
	Tau   time.Duration
	Async bool
}

// DefaultOptions returns the engine's default decay configuration.
func DefaultOptions() Options {
	return Options{Tau: DefaultTau, Async: true}
}

// New builds a decay Service.
func New(episodes EpisodeSource, writer EpisodeWriter, qt UtilityTable, vectors VectorRemover, encoder Encoder, persist DurableWriter, events EventSink, opts Options) *Service {
	if opts.Tau <= 0 {
		opts.Tau = DefaultTau
	}
	return &Service{episodes: episodes, writer: writer, qtable: qt, vectors: vectors, encoder: encoder, persist: persist, events: events, tau: opts.Tau, async: opts.Async}
}

// Sweep applies u := u * exp(-t/tau) to every episode's utility in
// scopeKey, where t is the elapsed time since last_used_at. It is meant
// to run lazily — on the next recall or an explicit sweep call — never
// on every turn. Returns the number of episodes touched.
func (s *Service) Sweep(scopeKey string, now time.Time) int {
	episodes := s.episodes.ListByScope(scopeKey)
	touched := 0
	for _, e := range episodes {
		elapsed := now.Sub(e.LastUsedAt)
		if elapsed <= 0 {
			continue
		}
		decayed := s.qtable.Get(e.ID) * math.Exp(-elapsed.Seconds()/s.tau.Seconds())
		s.qtable.Set(e.ID, decayed, now)
		touched++
	}
	return touched
}

// Consolidate drains the oldest n turns (by last_used_at ascending) out
// of scopeKey into a single summary episode with outcome partial,
// invoking summarize to produce its experience text. If the service was
// configured for async consolidation, the persistence step runs in a
// background goroutine after consolidation_enqueued is emitted; errors
// from the background path surface only as consolidation_store_failed
// events, since there is no caller left to return them to.
func (s *Service) Consolidate(ctx context.Context, scopeKey string, n int, summarize Summarizer) (domain.Episode, error) {
	episodes := s.episodes.ListByScope(scopeKey)
	if len(episodes) == 0 || n <= 0 {
		return domain.Episode{}, nil
	}

	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].LastUsedAt.Before(episodes[j].LastUsedAt)
	})
	if n > len(episodes) {
		n = len(episodes)
	}
	drained := episodes[:n]

	summary, err := summarize(ctx, drained)
	if err != nil {
		return domain.Episode{}, fmt.Errorf("decay: summarize: %w", err)
	}

	vec, embSource := s.encoder.Encode(ctx, summary)
	now := time.Now()
	consolidated := domain.Episode{
		ID:              uuid.NewString(),
		ScopeKey:        scopeKey,
		IntentText:      summary,
		Embedding:       vec,
		Experience:      summary,
		Outcome:         domain.OutcomePartial,
		Utility:         domain.DefaultUtilityPrior,
		CreatedAt:       now,
		LastUsedAt:      now,
		EmbeddingSource: embSource,
	}

	s.emit("consolidation_enqueued", scopeKey, map[string]any{"episode_id": consolidated.ID, "drained": n})

	persistAndReplace := func() error {
		if err := s.persist.SaveEpisode(ctx, consolidated); err != nil {
			s.emit("consolidation_store_failed", scopeKey, map[string]any{"episode_id": consolidated.ID, "reason": err.Error()})
			return err
		}
		s.writer.Put(consolidated)
		s.qtable.Set(consolidated.ID, consolidated.Utility, consolidated.LastUsedAt)
		for _, d := range drained {
			s.episodes.Delete(d.ID)
			s.qtable.Remove(d.ID)
			if err := s.vectors.Remove(ctx, d.ID); err != nil {
				s.emit("consolidation_drain_vector_failed", scopeKey, map[string]any{"episode_id": d.ID, "reason": err.Error()})
			}
		}
		s.emit("consolidation_stored", scopeKey, map[string]any{"episode_id": consolidated.ID, "drained": n})
		return nil
	}

	if s.async {
		go func() { _ = persistAndReplace() }()
		return consolidated, nil
	}

	if err := persistAndReplace(); err != nil {
		return domain.Episode{}, fmt.Errorf("decay: persist consolidated episode: %w", err)
	}
	return consolidated, nil
}

func (s *Service) emit(kind, scopeKey string, fields map[string]any) {
	if s.events == nil {
		return
	}
	fields["scope_key"] = scopeKey
	s.events.Emit(kind, fields)
}
