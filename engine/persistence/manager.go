package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

// EventSink receives structured persistence events for the stream
// producer.
type EventSink interface {
	Emit(kind string, fields map[string]any)
}

// Options configures a Manager.
type Options struct {
	EnginePrefix  string
	Backend       string // auto|local|remote_kv
	StrictStartup bool
}

// Manager write-throughs engine state to a KV backend under the engine's
// scope-prefixed key layout, and rebuilds state on boot.
type Manager struct {
	kv     KV
	opts   Options
	events EventSink
}

// New builds a Manager. EnginePrefix defaults to "synapse" when empty.
func New(kv KV, opts Options, events EventSink) *Manager {
	if opts.EnginePrefix == "" {
		opts.EnginePrefix = "synapse"
	}
	return &Manager{kv: kv, opts: opts, events: events}
}

func (m *Manager) episodeKey(scope, id string) string {
	return fmt.Sprintf("%s:episode:%s:%s", m.opts.EnginePrefix, scope, id)
}
func (m *Manager) qtableKey(scope, id string) string {
	return fmt.Sprintf("%s:qtable:%s:%s", m.opts.EnginePrefix, scope, id)
}
func (m *Manager) biasKey(scope string) string {
	return fmt.Sprintf("%s:bias:%s", m.opts.EnginePrefix, scope)
}
func (m *Manager) recallSnapshotKey(scope string) string {
	return fmt.Sprintf("%s:recall_snapshot:%s", m.opts.EnginePrefix, scope)
}
func (m *Manager) versionKey() string {
	return fmt.Sprintf("%s:version", m.opts.EnginePrefix)
}

// envelope wraps every persisted record with the state-format tag so a
// future incompatible format is detected at load time rather than
// silently misparsed.
type envelope struct {
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func (m *Manager) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", key, err)
	}
	env, err := json.Marshal(envelope{Version: StateVersion, Data: data})
	if err != nil {
		return fmt.Errorf("persistence: marshal envelope %s: %w", key, err)
	}
	return m.kv.Set(ctx, key, env)
}

func (m *Manager) read(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := m.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("persistence: get %s: %w", key, domain.ErrBackendUnavailable)
	}
	if !ok {
		return false, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("persistence: decode envelope %s: %w", key, err)
	}
	if env.Version != StateVersion {
		return false, fmt.Errorf("persistence: %s: %w (got %s, want %s)", key, domain.ErrStateVersionMismatch, env.Version, StateVersion)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return false, fmt.Errorf("persistence: decode %s: %w", key, err)
	}
	return true, nil
}

// SaveEpisode write-throughs one episode. Satisfies the DurableWriter
// interfaces engine/reward and engine/decay depend on.
func (m *Manager) SaveEpisode(ctx context.Context, e domain.Episode) error {
	start := time.Now()
	err := m.write(ctx, m.episodeKey(e.ScopeKey, e.ID), e)
	m.emitSave("episode", e.ScopeKey, start, err)
	return err
}

// DeleteEpisode removes one episode's persisted record.
func (m *Manager) DeleteEpisode(ctx context.Context, scope, id string) error {
	return m.kv.Delete(ctx, m.episodeKey(scope, id))
}

// SaveQEntry write-throughs one Q-table entry.
func (m *Manager) SaveQEntry(ctx context.Context, scope string, q domain.QEntry) error {
	return m.write(ctx, m.qtableKey(scope, q.EpisodeID), q)
}

// DeleteQEntry removes one Q-table entry's persisted record, used by
// cmd/reindex to drop orphan entries with no backing episode.
func (m *Manager) DeleteQEntry(ctx context.Context, scope, id string) error {
	return m.kv.Delete(ctx, m.qtableKey(scope, id))
}

// SaveBias write-throughs a scope's feedback-bias state.
func (m *Manager) SaveBias(ctx context.Context, state domain.FeedbackBiasState) error {
	return m.write(ctx, m.biasKey(state.ScopeKey), state)
}

// SaveRecallSnapshot write-throughs a scope's latest recall snapshot.
func (m *Manager) SaveRecallSnapshot(ctx context.Context, snap domain.RecallSnapshot) error {
	return m.write(ctx, m.recallSnapshotKey(snap.ScopeKey), snap)
}

// ScopeState is one scope's full rebuilt-from-store state.
type ScopeState struct {
	Episodes []domain.Episode
	QEntries []domain.QEntry
	Bias     *domain.FeedbackBiasState
	Recall   *domain.RecallSnapshot
}

// LoadAll rebuilds every known scope's state from the backend. Under
// strict startup with an explicit remote_kv backend, a read failure is
// fatal and returned as an error; otherwise the load degrades to an
// empty result and a state_load_failed event is emitted instead.
func (m *Manager) LoadAll(ctx context.Context) (map[string]*ScopeState, error) {
	start := time.Now()
	scopes, err := m.loadAll(ctx)
	if err != nil {
		strict := m.opts.StrictStartup && m.opts.Backend == BackendRemoteKV
		m.emit("state_load_failed", map[string]any{
			"backend": m.opts.Backend, "strict": strict, "reason": err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if strict {
			return nil, fmt.Errorf("persistence: strict startup load: %w", err)
		}
		return map[string]*ScopeState{}, nil
	}

	episodeCount, qCount := 0, 0
	for _, s := range scopes {
		episodeCount += len(s.Episodes)
		qCount += len(s.QEntries)
	}
	m.emit("state_load_succeeded", map[string]any{
		"backend": m.opts.Backend, "strict": m.opts.StrictStartup,
		"duration_ms": time.Since(start).Milliseconds(),
		"episodes":    episodeCount, "qtable_entries": qCount,
	})
	return scopes, nil
}

func (m *Manager) loadAll(ctx context.Context) (map[string]*ScopeState, error) {
	out := make(map[string]*ScopeState)

	episodePrefix := fmt.Sprintf("%s:episode:", m.opts.EnginePrefix)
	rows, err := m.kv.Scan(ctx, episodePrefix)
	if err != nil {
		return nil, fmt.Errorf("persistence: scan episodes: %w", domain.ErrBackendUnavailable)
	}
	for key, raw := range rows {
		rest := strings.TrimPrefix(key, episodePrefix)
		scope, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Version != StateVersion {
			continue
		}
		var e domain.Episode
		if err := json.Unmarshal(env.Data, &e); err != nil {
			continue
		}
		state := out[scope]
		if state == nil {
			state = &ScopeState{}
			out[scope] = state
		}
		state.Episodes = append(state.Episodes, e)
	}

	qtablePrefix := fmt.Sprintf("%s:qtable:", m.opts.EnginePrefix)
	qrows, err := m.kv.Scan(ctx, qtablePrefix)
	if err != nil {
		return nil, fmt.Errorf("persistence: scan qtable: %w", domain.ErrBackendUnavailable)
	}
	for key, raw := range qrows {
		rest := strings.TrimPrefix(key, qtablePrefix)
		scope, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Version != StateVersion {
			continue
		}
		var q domain.QEntry
		if err := json.Unmarshal(env.Data, &q); err != nil {
			continue
		}
		state := out[scope]
		if state == nil {
			state = &ScopeState{}
			out[scope] = state
		}
		state.QEntries = append(state.QEntries, q)
	}

	biasPrefix := fmt.Sprintf("%s:bias:", m.opts.EnginePrefix)
	brows, err := m.kv.Scan(ctx, biasPrefix)
	if err != nil {
		return nil, fmt.Errorf("persistence: scan bias: %w", domain.ErrBackendUnavailable)
	}
	for key, raw := range brows {
		scope := strings.TrimPrefix(key, biasPrefix)
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Version != StateVersion {
			continue
		}
		var b domain.FeedbackBiasState
		if err := json.Unmarshal(env.Data, &b); err != nil {
			continue
		}
		state := out[scope]
		if state == nil {
			state = &ScopeState{}
			out[scope] = state
		}
		state.Bias = &b
	}

	recallPrefix := fmt.Sprintf("%s:recall_snapshot:", m.opts.EnginePrefix)
	rrows, err := m.kv.Scan(ctx, recallPrefix)
	if err != nil {
		return nil, fmt.Errorf("persistence: scan recall snapshots: %w", domain.ErrBackendUnavailable)
	}
	for key, raw := range rrows {
		scope := strings.TrimPrefix(key, recallPrefix)
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Version != StateVersion {
			continue
		}
		var snap domain.RecallSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			continue
		}
		state := out[scope]
		if state == nil {
			state = &ScopeState{}
			out[scope] = state
		}
		state.Recall = &snap
	}

	return out, nil
}

func (m *Manager) emitSave(kind, scope string, start time.Time, err error) {
	if err != nil {
		m.emit("state_save_failed", map[string]any{
			"backend": m.opts.Backend, "kind": kind, "scope_key": scope,
			"reason": err.Error(), "duration_ms": time.Since(start).Milliseconds(),
		})
		return
	}
	m.emit("state_save_succeeded", map[string]any{
		"backend": m.opts.Backend, "kind": kind, "scope_key": scope,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (m *Manager) emit(kind string, fields map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(kind, fields)
}
