// Package memory wires the Intent Encoder, Episode Store, Vector Index,
// Q-Table, Two-Phase Recall, Reward Updater, Decay/Consolidator,
// Adaptive Planner, Feedback Classifier, Snapshot & Persistence, and
// Event Stream components into the single Engine API described in
// spec.md §6, holding no process-wide singletons: every dependency is a
// field on Engine, passed in at construction.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapseai/synapse-mvp/engine/decay"
	"github.com/synapseai/synapse-mvp/engine/domain"
	"github.com/synapseai/synapse-mvp/engine/encoder"
	"github.com/synapseai/synapse-mvp/engine/feedback"
	"github.com/synapseai/synapse-mvp/engine/persistence"
	"github.com/synapseai/synapse-mvp/engine/planner"
	"github.com/synapseai/synapse-mvp/engine/qtable"
	"github.com/synapseai/synapse-mvp/engine/recall"
	"github.com/synapseai/synapse-mvp/engine/reward"
	"github.com/synapseai/synapse-mvp/engine/store"
)

// VectorIndex is the narrow surface the engine depends on from
// engine/semantic's VectorStore — kept here instead of importing
// engine/semantic directly so engine/memory can be tested with a fake.
type VectorIndex interface {
	Insert(ctx context.Context, id, scopeKey string, embedding []float32, lastUsedAt time.Time) error
	Remove(ctx context.Context, id string) error
	ClearScope(ctx context.Context, scopeKey string) error
	Search(ctx context.Context, scopeKey string, queryVec []float32, k1 int) ([]recall.SearchHit, error)
}

// WindowProvider reports the current session window snapshot for a
// scope, the planner's pressure/budget input (spec's Session Window
// Adapter, §6).
type WindowProvider interface {
	Window(scopeKey string) domain.WindowSnapshot
}

// EventSink receives every component's structured events; engine/stream's
// Producer satisfies this.
type EventSink interface {
	Emit(kind string, fields map[string]any)
}

// Options configures the engine's component defaults.
type Options struct {
	Planner   planner.Options
	Decay     decay.Options
	Alpha     float64
	Eta       float64
	UtilPrior float64
	Dim       int
}

// DefaultOptions returns the engine's default cross-component
// configuration.
func DefaultOptions() Options {
	return Options{
		Planner:   planner.DefaultOptions(),
		Decay:     decay.DefaultOptions(),
		Alpha:     reward.DefaultAlpha,
		Eta:       feedback.DefaultEta,
		UtilPrior: domain.DefaultUtilityPrior,
		Dim:       384,
	}
}

// biasStore is the engine's in-memory feedback-bias table, write-through
// persisted via the Manager.
type biasStore struct {
	mu      sync.RWMutex
	data    map[string]domain.FeedbackBiasState
	persist *persistence.Manager
}

func newBiasStore(persist *persistence.Manager) *biasStore {
	return &biasStore{data: make(map[string]domain.FeedbackBiasState), persist: persist}
}

func (b *biasStore) Get(scopeKey string) (domain.FeedbackBiasState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.data[scopeKey]
	return s, ok
}

func (b *biasStore) Set(state domain.FeedbackBiasState) {
	b.mu.Lock()
	b.data[state.ScopeKey] = state
	b.mu.Unlock()
	if b.persist != nil {
		_ = b.persist.SaveBias(context.Background(), state)
	}
}

// compositeWriter adapts decay's EpisodeWriter (Put-only) to also insert
// a consolidated episode's embedding into the vector index, since
// decay.Service has no vector-index dependency of its own.
type compositeWriter struct {
	store   *store.Store
	vectors VectorIndex
}

func (w *compositeWriter) Put(e domain.Episode) {
	w.store.Put(e)
	_ = w.vectors.Insert(context.Background(), e.ID, e.ScopeKey, e.Embedding, e.LastUsedAt)
}

// tally counts recall outcomes for metrics_snapshot while forwarding
// every event unchanged to the engine's real sink, so wrapping it never
// changes what the stream producer sees.
type tally struct {
	mu            sync.Mutex
	planned       int64
	injected      int64
	skipped       int64
	selectedTotal int64
	injectedTotal int64
	downstream    EventSink
}

func newTally(downstream EventSink) *tally {
	return &tally{downstream: downstream}
}

func (t *tally) Emit(kind string, fields map[string]any) {
	t.mu.Lock()
	switch kind {
	case "recall_planned":
		t.planned++
		if k1, ok := fields["k1"].(int); ok {
			t.selectedTotal += int64(k1)
		}
	case "recall_injected":
		t.injected++
		if n, ok := fields["count"].(int); ok {
			t.injectedTotal += int64(n)
		}
	case "recall_skipped":
		t.skipped++
	}
	t.mu.Unlock()

	if t.downstream != nil {
		t.downstream.Emit(kind, fields)
	}
}

func (t *tally) snapshot() domain.MetricsSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.MetricsSnapshot{
		Planned:       t.planned,
		Injected:      t.injected,
		Skipped:       t.skipped,
		SelectedTotal: t.selectedTotal,
		InjectedTotal: t.injectedTotal,
	}
}

// scopeLocks gives the engine single-writer-per-scope discipline (spec
// §5): all store/update/decay/consolidation operations for a scope
// acquire that scope's mutex, while different scopes proceed in
// parallel.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *scopeLocks) lockFor(scopeKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[scopeKey]
	if !ok {
		l = &sync.Mutex{}
		s.locks[scopeKey] = l
	}
	return l
}

// Engine is the top-level self-evolving episodic memory engine. It holds
// every component as an explicit field (spec §9: "confine [mutable
// state] to the engine's ctx structure ... no process-wide singletons").
type Engine struct {
	opts Options

	encoder *encoder.Encoder
	store   *store.Store
	vectors VectorIndex
	qtable  *qtable.Table

	recall   *recall.Service
	reward   *reward.Service
	decay    *decay.Service
	feedback *feedback.Tracker

	biasStoreRef *biasStore

	plan    planner.Options
	window  WindowProvider
	persist *persistence.Manager
	events  EventSink
	tally   *tally

	scopes *scopeLocks

	snapMu       sync.Mutex
	lastSnapshot map[string]domain.RecallSnapshot
}

// New wires every C1–C10 component into a single Engine. events is the
// event sink every component emits to; window is the session window
// adapter.
func New(
	embedder encoder.Embedder,
	vectors VectorIndex,
	persist *persistence.Manager,
	events EventSink,
	window WindowProvider,
	opts Options,
) *Engine {
	tl := newTally(events)

	enc := encoder.New(embedder, opts.Dim)
	st := store.New()
	qt := qtable.New(opts.UtilPrior)
	bias := newBiasStore(persist)

	rc := recall.New(enc, vectors, qt, st, tl)
	rw := reward.New(st, vectors, qt, persist, tl, opts.Alpha)
	dc := decay.New(st, &compositeWriter{store: st, vectors: vectors}, qt, vectors, enc, persist, tl, opts.Decay)
	fb := feedback.NewTracker(bias, tl, opts.Eta)

	return &Engine{
		opts:         opts,
		encoder:      enc,
		store:        st,
		vectors:      vectors,
		qtable:       qt,
		recall:       rc,
		reward:       rw,
		decay:        dc,
		feedback:     fb,
		biasStoreRef: bias,
		plan:         opts.Planner,
		window:       window,
		persist:      persist,
		events:       tl,
		tally:        tl,
		scopes:       newScopeLocks(),
		lastSnapshot: make(map[string]domain.RecallSnapshot),
	}
}

// Restore rebuilds the episode store, Q-table, vector index, and feedback
// bias from the persistence backend, for use once at process boot before
// the engine serves any request. A read failure is only fatal when the
// persistence Manager was configured for strict remote_kv startup;
// otherwise the engine starts from empty state (spec §7's degraded-mode
// boot).
func (e *Engine) Restore(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	scopes, err := e.persist.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("memory: restore: %w", err)
	}
	for scopeKey, state := range scopes {
		for _, ep := range state.Episodes {
			e.store.Put(ep)
			if err := e.vectors.Insert(ctx, ep.ID, ep.ScopeKey, ep.Embedding, ep.LastUsedAt); err != nil {
				e.emit("state_restore_vector_failed", scopeKey, map[string]any{"episode_id": ep.ID, "reason": err.Error()})
			}
		}
		for _, q := range state.QEntries {
			e.qtable.Set(q.EpisodeID, q.Utility, q.LastUpdated)
		}
		if state.Bias != nil {
			e.biasStoreRef.mu.Lock()
			e.biasStoreRef.data[scopeKey] = *state.Bias
			e.biasStoreRef.mu.Unlock()
		}
		if state.Recall != nil {
			e.snapMu.Lock()
			e.lastSnapshot[scopeKey] = *state.Recall
			e.snapMu.Unlock()
		}
	}
	return nil
}

// RecallOutcome is the result of plan_and_recall: the packed candidates,
// the plan that produced them, and the snapshot now visible on the
// scope's dashboard.
type RecallOutcome struct {
	Results  []recall.Result
	Plan     domain.RecallPlan
	Snapshot domain.RecallSnapshot
}

// PlanAndRecall implements the engine's plan_and_recall operation:
// compute a plan from current pressure/bias/classification, then run
// two-phase recall against it.
func (e *Engine) PlanAndRecall(ctx context.Context, scopeKey, queryText string) (RecallOutcome, error) {
	if err := domain.ValidateScopeKey(scopeKey); err != nil {
		return RecallOutcome{}, err
	}

	lock := e.scopes.lockFor(scopeKey)
	lock.Lock()
	defer lock.Unlock()

	e.decay.Sweep(scopeKey, time.Now())

	win := domain.WindowSnapshot{}
	if e.window != nil {
		win = e.window.Window(scopeKey)
	}
	biasState := e.currentBias(scopeKey)
	plan := e.plan.Plan(win.WindowPressure, win.ContextBudgetToken, biasState.Bias, queryText)

	results, snap, err := e.recall.Recall(ctx, scopeKey, queryText, plan, e.touch)
	if err != nil {
		return RecallOutcome{Plan: plan}, err
	}
	snap.FeedbackBias = biasState.Bias
	if e.persist != nil {
		_ = e.persist.SaveRecallSnapshot(ctx, snap)
	}
	e.snapMu.Lock()
	e.lastSnapshot[scopeKey] = snap
	e.snapMu.Unlock()
	e.emit("recall_snapshot_updated", scopeKey, map[string]any{"k1": plan.K1, "k2": plan.K2})

	return RecallOutcome{Results: results, Plan: plan, Snapshot: snap}, nil
}

// currentBias reads scopeKey's smoothed feedback bias without mutating
// it. feedback.Tracker only exposes a combined read-modify-write Update,
// so the engine reads the same underlying biasStore it gave the tracker.
func (e *Engine) currentBias(scopeKey string) domain.FeedbackBiasState {
	if e.biasStoreRef == nil {
		return domain.FeedbackBiasState{ScopeKey: scopeKey}
	}
	if state, ok := e.biasStoreRef.Get(scopeKey); ok {
		return state
	}
	return domain.FeedbackBiasState{ScopeKey: scopeKey}
}

// touch stamps last_used_at on an episode surviving recall, serialized
// under the same scope lock as the recall call that invoked it.
func (e *Engine) touch(id string, at time.Time) {
	ep, ok := e.store.Get(id)
	if !ok {
		return
	}
	ep.LastUsedAt = at
	e.store.Put(ep)
}

// StoreTurn implements store_turn: builds a new episode from the given
// intent/experience/outcome, encodes it, and durably inserts it via the
// Reward Updater.
func (e *Engine) StoreTurn(ctx context.Context, scopeKey, eventID, intentText, experience string, outcome domain.Outcome, reward float64) (domain.Episode, error) {
	if err := domain.ValidateScopeKey(scopeKey); err != nil {
		return domain.Episode{}, err
	}
	if err := domain.ValidateIntentText(intentText); err != nil {
		return domain.Episode{}, err
	}
	if err := domain.ValidateOutcome(outcome); err != nil {
		return domain.Episode{}, err
	}
	if err := domain.ValidateReward(reward); err != nil {
		return domain.Episode{}, err
	}

	lock := e.scopes.lockFor(scopeKey)
	lock.Lock()
	defer lock.Unlock()

	vec, embSource := e.encoder.Encode(ctx, intentText)
	ep := domain.Episode{
		ID:              uuid.NewString(),
		ScopeKey:        scopeKey,
		IntentText:      intentText,
		Embedding:       vec,
		Experience:      experience,
		Outcome:         outcome,
		EmbeddingSource: embSource,
	}

	return e.reward.StoreNewEpisode(ctx, eventID, ep, reward)
}

// UpdateUtility re-applies the Q-learning rule to an existing episode,
// for callers that want to reward a prior episode rather than store a
// new turn.
func (e *Engine) UpdateUtility(ctx context.Context, scopeKey, episodeID, eventID string, reward float64) (float64, error) {
	if err := domain.ValidateReward(reward); err != nil {
		return 0, err
	}
	lock := e.scopes.lockFor(scopeKey)
	lock.Lock()
	defer lock.Unlock()
	return e.reward.UpdateUtility(ctx, episodeID, eventID, reward)
}

// ApplyFeedback implements apply_feedback: classifies an assistant turn
// and folds its signal into the scope's bias EMA.
func (e *Engine) ApplyFeedback(scopeKey string, turn feedback.Turn) (float64, domain.FeedbackSignal) {
	reward, signal := feedback.Classify(turn)
	lock := e.scopes.lockFor(scopeKey)
	lock.Lock()
	defer lock.Unlock()
	e.feedback.Update(scopeKey, signal)
	return reward, signal
}

// Sweep runs the lazy decay sweep for scopeKey.
func (e *Engine) Sweep(scopeKey string, now time.Time) int {
	lock := e.scopes.lockFor(scopeKey)
	lock.Lock()
	defer lock.Unlock()
	return e.decay.Sweep(scopeKey, now)
}

// Consolidate drains scopeKey's oldest n turns into one summary episode.
func (e *Engine) Consolidate(ctx context.Context, scopeKey string, n int, summarize decay.Summarizer) (domain.Episode, error) {
	lock := e.scopes.lockFor(scopeKey)
	lock.Lock()
	defer lock.Unlock()
	return e.decay.Consolidate(ctx, scopeKey, n, summarize)
}

// ResetScope implements reset_scope: clears every episode, vector, and
// Q-entry for scopeKey under that scope's write lock.
func (e *Engine) ResetScope(ctx context.Context, scopeKey string) error {
	if err := domain.ValidateScopeKey(scopeKey); err != nil {
		return err
	}
	lock := e.scopes.lockFor(scopeKey)
	lock.Lock()
	defer lock.Unlock()

	ids := e.store.ClearScope(scopeKey)
	for _, id := range ids {
		e.qtable.Remove(id)
	}
	if err := e.vectors.ClearScope(ctx, scopeKey); err != nil {
		return fmt.Errorf("memory: reset scope %s: %w", scopeKey, err)
	}
	e.emit("scope_reset", scopeKey, map[string]any{"episodes_removed": len(ids)})
	return nil
}

// DashboardSnapshot is the engine's snapshot_dashboard payload.
type DashboardSnapshot struct {
	Plan                 domain.RecallPlan
	Pressure             float64
	QueryTokens          int
	EmbeddingSource      domain.EmbeddingSource
	PipelineDurationMs   int64
	ContextCharsInjected int
	FeedbackBias         float64
}

// SnapshotDashboard implements snapshot_dashboard for scopeKey, reporting
// the plan the dashboard would compute right now alongside the pipeline
// measurements from scopeKey's last actual recall.
func (e *Engine) SnapshotDashboard(scopeKey string) DashboardSnapshot {
	win := domain.WindowSnapshot{}
	if e.window != nil {
		win = e.window.Window(scopeKey)
	}
	bias := e.currentBias(scopeKey)
	plan := e.plan.Plan(win.WindowPressure, win.ContextBudgetToken, bias.Bias, "")

	snap := DashboardSnapshot{
		Plan:         plan,
		Pressure:     win.WindowPressure,
		FeedbackBias: bias.Bias,
	}

	e.snapMu.Lock()
	last, ok := e.lastSnapshot[scopeKey]
	e.snapMu.Unlock()
	if ok {
		snap.QueryTokens = last.QueryTokens
		snap.EmbeddingSource = last.EmbeddingSource
		snap.PipelineDurationMs = last.PipelineDurationMs
		snap.ContextCharsInjected = last.ContextCharsInjected
	}
	return snap
}

// MetricsSnapshot implements metrics_snapshot: the recall pipeline's
// planned/injected/skipped counters accumulated since process start.
func (e *Engine) MetricsSnapshot() domain.MetricsSnapshot {
	if e.tally == nil {
		return domain.MetricsSnapshot{}
	}
	return e.tally.snapshot()
}

func (e *Engine) emit(kind, scopeKey string, fields map[string]any) {
	if e.events == nil {
		return
	}
	fields["scope_key"] = scopeKey
	e.events.Emit(kind, fields)
}
