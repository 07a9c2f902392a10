// Package main implements the memory engine's HTTP facade.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/synapseai/synapse-mvp/engine/config"
	"github.com/synapseai/synapse-mvp/engine/decay"
	"github.com/synapseai/synapse-mvp/engine/domain"
	"github.com/synapseai/synapse-mvp/engine/encoder"
	"github.com/synapseai/synapse-mvp/engine/feedback"
	"github.com/synapseai/synapse-mvp/engine/memory"
	"github.com/synapseai/synapse-mvp/engine/persistence"
	"github.com/synapseai/synapse-mvp/engine/semantic"
	"github.com/synapseai/synapse-mvp/engine/stream"
	"github.com/synapseai/synapse-mvp/pkg/mid"
	"github.com/synapseai/synapse-mvp/pkg/ollama"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()

	if err := run(cfg, logger); err != nil {
		logger.Error("api server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.EmbedderDim); err != nil {
		logger.Warn("qdrant ensure collection failed, continuing degraded", "err", err)
	}

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("nats jetstream: %w", err)
	}
	subject := cfg.StreamName + ".events"
	producer, err := stream.NewProducer(js, cfg.StreamName, subject)
	if err != nil {
		return fmt.Errorf("stream producer: %w", err)
	}

	kv, backend, err := buildKV(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("persistence backend: %w", err)
	}
	persist := persistence.New(kv, persistence.Options{
		EnginePrefix:  cfg.PersistencePrefix,
		Backend:       backend,
		StrictStartup: cfg.PersistenceStrictStartup,
	}, producer)

	embedder := ollama.NewEmbedClient(cfg.MLWorkerURL, "nomic-embed-text")
	window := newWindowRegistry()

	opts := memory.DefaultOptions()
	opts.Dim = cfg.EmbedderDim
	opts.Alpha = cfg.AlphaLearningRate
	opts.Planner.BaseK1 = cfg.BaseK1
	opts.Planner.BaseK2 = cfg.BaseK2
	opts.Planner.BaseLambda = cfg.BaseLambda
	opts.Planner.BaseMinScore = cfg.BaseMinScore
	opts.Planner.PressureWeightK1 = cfg.PressureWeightK1
	opts.Planner.PressureWeightK2 = cfg.PressureWeightK2
	opts.Planner.BiasWeightLambda = cfg.BiasWeightLambda
	opts.Planner.BiasWeightMinScore = cfg.BiasWeightMinScore
	opts.Planner.ReserveTokens = cfg.ReserveTokens
	opts.Planner.HardMaxContextBytes = cfg.HardMaxContextBytes
	opts.Decay.Tau = time.Duration(cfg.DecayTau * float64(time.Second))

	eng := memory.New(embedder, memory.NewSemanticVectorIndex(vectorStore), persist, producer, window, opts)
	if err := eng.Restore(ctx); err != nil {
		if cfg.PersistenceStrictStartup {
			return fmt.Errorf("engine restore: %w", err)
		}
		logger.Warn("engine restore failed, starting from empty state", "err", err)
	}

	if cfg.StreamConsumerEnabled {
		consumer, err := stream.NewConsumer(js, stream.ConsumerOptions{
			StreamName:     cfg.StreamName,
			Subject:        subject,
			ConsumerGroup:  cfg.ConsumerGroup,
			ConsumerPrefix: cfg.ConsumerNamePrefix,
			BatchSize:      cfg.BatchSize,
			BlockMs:        cfg.BlockMs,
		}, stream.NewCounters(nil), producer)
		if err != nil {
			logger.Warn("stream consumer group setup failed, continuing without it", "err", err)
		} else {
			go func() {
				if err := consumer.Run(ctx, noopHandler); err != nil {
					logger.Error("stream consumer exited", "err", err)
				}
			}()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/v1/memory/{scope}/store_turn", handleStoreTurn(eng, logger))
	mux.HandleFunc("POST /api/v1/memory/{scope}/plan_and_recall", handlePlanAndRecall(eng, logger))
	mux.HandleFunc("POST /api/v1/memory/{scope}/apply_feedback", handleApplyFeedback(eng, logger))
	mux.HandleFunc("POST /api/v1/memory/{scope}/reset", handleResetScope(eng, logger))
	mux.HandleFunc("POST /api/v1/memory/{scope}/sweep", handleSweep(eng, logger))
	mux.HandleFunc("POST /api/v1/memory/{scope}/consolidate", handleConsolidate(eng, logger))
	mux.HandleFunc("GET /api/v1/memory/{scope}/dashboard", handleSnapshotDashboard(eng, logger))
	mux.HandleFunc("PUT /api/v1/memory/{scope}/window", handleSetWindow(window, logger))
	mux.HandleFunc("GET /api/v1/metrics/snapshot", handleMetricsSnapshot(eng, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS("*"),
		mid.OTel("synapse-memory-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("memory api starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func noopHandler(_ context.Context, _ stream.Event) error { return nil }

// buildKV selects the persistence backend per cfg.PersistenceBackend.
// "auto" prefers Neo4j when it's reachable and falls back to the local
// file-backed KV otherwise, never failing the boot over a storage choice.
func buildKV(ctx context.Context, cfg config.Config, logger *slog.Logger) (persistence.KV, string, error) {
	switch cfg.PersistenceBackend {
	case "local":
		kv, err := persistence.NewLocalKV(cfg.StateFile)
		return kv, persistence.BackendLocal, err
	case "remote_kv":
		kv, err := dialNeo4jKV(ctx, cfg)
		return kv, persistence.BackendRemoteKV, err
	default:
		kv, err := dialNeo4jKV(ctx, cfg)
		if err == nil {
			return kv, persistence.BackendRemoteKV, nil
		}
		logger.Warn("remote_kv backend unreachable, falling back to local", "err", err)
		kv, err = persistence.NewLocalKV(cfg.StateFile)
		return kv, persistence.BackendLocal, err
	}
}

func dialNeo4jKV(ctx context.Context, cfg config.Config) (persistence.KV, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return persistence.NewNeo4jKV(driver, "MemoryEntry"), nil
}

// windowRegistry is a minimal in-process Session Window Adapter: an
// external caller reports each scope's turn/pressure state via
// PUT /window, and the engine reads it back on every plan_and_recall.
type windowRegistry struct {
	mu    sync.RWMutex
	state map[string]domain.WindowSnapshot
}

func newWindowRegistry() *windowRegistry {
	return &windowRegistry{state: make(map[string]domain.WindowSnapshot)}
}

func (w *windowRegistry) Window(scopeKey string) domain.WindowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state[scopeKey]
}

func (w *windowRegistry) Set(scopeKey string, snap domain.WindowSnapshot) {
	w.mu.Lock()
	w.state[scopeKey] = snap
	w.mu.Unlock()
}

var _ encoder.Embedder = (*ollama.EmbedClient)(nil)

// --- handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type storeTurnRequest struct {
	EventID    string         `json:"event_id"`
	IntentText string         `json:"intent_text"`
	Experience string         `json:"experience"`
	Outcome    domain.Outcome `json:"outcome"`
	Reward     float64        `json:"reward"`
}

func handleStoreTurn(eng *memory.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		var req storeTurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		ep, err := eng.StoreTurn(r.Context(), scope, req.EventID, req.IntentText, req.Experience, req.Outcome, req.Reward)
		if err != nil {
			writeEngineError(w, logger, "store_turn", err)
			return
		}
		writeJSON(w, http.StatusOK, ep)
	}
}

type planAndRecallRequest struct {
	QueryText string `json:"query_text"`
}

func handlePlanAndRecall(eng *memory.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		var req planAndRecallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		outcome, err := eng.PlanAndRecall(r.Context(), scope, req.QueryText)
		if err != nil {
			writeEngineError(w, logger, "plan_and_recall", err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

func handleApplyFeedback(eng *memory.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		var turn feedback.Turn
		if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		reward, signal := eng.ApplyFeedback(scope, turn)
		writeJSON(w, http.StatusOK, map[string]any{"reward": reward, "signal": signal})
	}
}

func handleResetScope(eng *memory.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		if err := eng.ResetScope(r.Context(), scope); err != nil {
			writeEngineError(w, logger, "reset_scope", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// sweepResponse reports how many episodes a decay sweep touched.
type sweepResponse struct {
	Decayed int `json:"decayed"`
}

func handleSweep(eng *memory.Engine, _ *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		n := eng.Sweep(scope, time.Now())
		writeJSON(w, http.StatusOK, sweepResponse{Decayed: n})
	}
}

// consolidateRequest carries the number of oldest turns to drain and a
// summary produced by the external reasoner; the engine only persists it.
type consolidateRequest struct {
	N       int    `json:"n"`
	Summary string `json:"summary"`
}

func handleConsolidate(eng *memory.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		var req consolidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		summarize := decay.Summarizer(func(_ context.Context, _ []domain.Episode) (string, error) {
			return req.Summary, nil
		})
		ep, err := eng.Consolidate(r.Context(), scope, req.N, summarize)
		if err != nil {
			writeEngineError(w, logger, "consolidate", err)
			return
		}
		writeJSON(w, http.StatusOK, ep)
	}
}

func handleSnapshotDashboard(eng *memory.Engine, _ *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		writeJSON(w, http.StatusOK, eng.SnapshotDashboard(scope))
	}
}

func handleSetWindow(window *windowRegistry, _ *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		var snap domain.WindowSnapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		window.Set(scope, snap)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleMetricsSnapshot(eng *memory.Engine, _ *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.MetricsSnapshot())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeEngineError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var verr *domain.ValidationError
	if ok := asValidationError(err, &verr); ok {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Error(op+" failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func asValidationError(err error, target **domain.ValidationError) bool {
	for err != nil {
		if v, ok := err.(*domain.ValidationError); ok {
			*target = v
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
